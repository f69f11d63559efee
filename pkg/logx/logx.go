// Package logx provides structured logging with context-aware, domain-filtered debug logging
// and an in-memory buffer that backs the operator log view.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines tagged with a component name.
type Logger struct {
	component string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled     bool
	FileLogging bool
	LogDir      string
	Domains     map[string]bool // Which domains to enable debug for (nil = all)
}

// LogEntry is a structured log entry kept for the operator log view.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Session   string `json:"session,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// InMemoryLogBuffer stores recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

type ctxKey int

const sessionKey ctxKey = iota

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}

	// logWriter overrides stderr in tests.
	logWriter     io.Writer
	logWriterLock sync.Mutex

	// fileMu serializes appends to debug files.
	fileMu sync.Mutex
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG, DEBUG_FILE, DEBUG_LOG_DIR and DEBUG_DOMAINS.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugConfig.LogDir == "" {
		debugConfig.LogDir = defaultLogDir()
	}
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if debugFile := os.Getenv("DEBUG_FILE"); debugFile == "1" || strings.EqualFold(debugFile, "true") {
		debugConfig.FileLogging = true
	}
	if dir := os.Getenv("DEBUG_LOG_DIR"); dir != "" {
		debugConfig.LogDir = dir
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func defaultLogDir() string {
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, "logs")
	}
	return "logs"
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetDebugConfig configures global debug logging settings.
func SetDebugConfig(enabled, fileLogging bool, logDir string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	debugConfig.FileLogging = fileLogging
	if logDir == "" {
		debugConfig.LogDir = defaultLogDir()
	} else {
		debugConfig.LogDir = logDir
	}
}

// SetDebugDomains restricts debug logging to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool, len(domains))
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// WithSession returns a context carrying the negotiation session id for log lines.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFrom extracts the session id stored by WithSession.
func SessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionKey).(string); ok {
		return id
	}
	return ""
}

// AddLogEntry adds a log entry to the in-memory buffer.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current log entries, optionally filtered by session and time.
func (b *InMemoryLogBuffer) GetLogEntries(session string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if session != "" && entry.Session != session {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns recent log entries for the operator view.
func GetRecentLogEntries(session string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(session, since)
}

func writeLine(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	var w io.Writer = os.Stderr
	if logWriter != nil {
		w = logWriter
	}
	fmt.Fprintln(w, line)
}

func (l *Logger) log(level Level, session, domain, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	prefix := l.component
	if session != "" {
		prefix = l.component + "/" + session
	}
	writeLine(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, prefix, level, message))

	logBuffer.AddLogEntry(&LogEntry{
		Timestamp: timestamp,
		Component: l.component,
		Session:   session,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", "", fmt.Sprintf(format, args...))
}

// InfoCtx logs at INFO with the session id carried by ctx.
func (l *Logger) InfoCtx(ctx context.Context, format string, args ...any) {
	l.log(LevelInfo, SessionFrom(ctx), "", fmt.Sprintf(format, args...))
}

// WarnCtx logs at WARN with the session id carried by ctx.
func (l *Logger) WarnCtx(ctx context.Context, format string, args ...any) {
	l.log(LevelWarn, SessionFrom(ctx), "", fmt.Sprintf(format, args...))
}

// ErrorCtx logs at ERROR with the session id carried by ctx.
func (l *Logger) ErrorCtx(ctx context.Context, format string, args ...any) {
	l.log(LevelError, SessionFrom(ctx), "", fmt.Sprintf(format, args...))
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "bargain", "target %.2f", target.Profit)
//	DEBUG=1 DEBUG_DOMAINS=bargain,extract
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	logger := NewLogger(domain)
	logger.log(LevelDebug, SessionFrom(ctx), domain, fmt.Sprintf(format, args...))
}

// DebugToFile logs a debug message and, when file logging is on, appends it to filename
// under the debug log directory. File errors are reported on stderr and otherwise ignored.
func DebugToFile(ctx context.Context, domain, filename, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	Debug(ctx, domain, format, args...)

	debugMutex.RLock()
	fileLogging := debugConfig.FileLogging
	logDir := debugConfig.LogDir
	debugMutex.RUnlock()

	if !fileLogging || filename == "" {
		return
	}

	timestamp := time.Now().UTC().Format(timestampFormat)
	line := fmt.Sprintf("%s;%s;%s;%s\n", timestamp, SessionFrom(ctx), domain, fmt.Sprintf(format, args...))

	fileMu.Lock()
	defer fileMu.Unlock()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}
	path := filepath.Join(logDir, filename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open debug log %s: %v\n", path, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write debug log to %s: %v\n", path, err)
	}
}

// DebugState logs state transition information with context and domain.
func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "State %s: %s%s", action, state, extraInfo)
}

func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "open store") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
