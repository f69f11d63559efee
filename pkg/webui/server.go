// Package webui serves the HTTP surface of the negotiator: session creation, inbound
// events, the server-sent push stream, and the operator endpoints.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"negotiator/pkg/config"
	"negotiator/pkg/hostpool"
	"negotiator/pkg/logx"
	"negotiator/pkg/negotiation"
	"negotiator/pkg/offer"
	"negotiator/pkg/proto"
	"negotiator/pkg/version"
)

const (
	// DefaultKeepAlive is the interval of comment frames on idle streams.
	DefaultKeepAlive = 15 * time.Second
	// maxLogEntries bounds the operator log response.
	maxLogEntries = 1000
	// operatorUser is the basic auth user of the operator endpoints.
	operatorUser = "operator"
)

// Sessions runs negotiations. *negotiation.Runner implements it.
type Sessions interface {
	CreateSession(ctx context.Context, round hostpool.RoundKey, botRole offer.Role, constraintBot float64) (*negotiation.Session, error)
	Submit(ctx context.Context, id string, ev proto.Event) error
	Snapshot(ctx context.Context, id string) (negotiation.Snapshot, error)
	// Exists reports a known session without waiting for its running turn.
	Exists(ctx context.Context, id string) error
	EndRound(round hostpool.RoundKey)
}

// Subscriber attaches push streams. *dispatch.Hub implements it.
type Subscriber interface {
	Subscribe(group string) (<-chan proto.Push, func())
}

// Options configures a Server.
type Options struct {
	// Ranges bound the bot constraint drawn when a create request names none.
	Ranges negotiation.Ranges
	// Draw picks the bot constraint. Defaults to the midpoint of the range.
	Draw negotiation.DrawFunc
	// Metrics serves /metrics when set.
	Metrics   http.Handler
	KeepAlive time.Duration
}

// Server is the HTTP server of the negotiator.
type Server struct {
	sessions  Sessions
	hub       Subscriber
	ranges    negotiation.Ranges
	metrics   http.Handler
	keepAlive time.Duration
	logger    *logx.Logger

	drawMu sync.Mutex
	draw   negotiation.DrawFunc
}

// NewServer creates a server.
func NewServer(sessions Sessions, hub Subscriber, opts Options) *Server {
	if opts.Draw == nil {
		opts.Draw = func(_ offer.Role, lo, hi float64) float64 { return (lo + hi) / 2 }
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	return &Server{
		sessions:  sessions,
		hub:       hub,
		ranges:    opts.Ranges,
		metrics:   opts.Metrics,
		keepAlive: opts.KeepAlive,
		draw:      opts.Draw,
		logger:    logx.NewLogger("webui"),
	}
}

// requireAuth protects operator endpoints with basic auth when WEBUI_PASS is set.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected, err := config.GetSecret(config.SecretWebUIPassword)
		if err != nil {
			next(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != operatorUser || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			if ok {
				s.logger.Warn("Failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="Negotiator"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Participant routes.
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSnapshot)
	mux.HandleFunc("POST /api/sessions/{id}/events", s.handleEvent)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("DELETE /api/rounds/{code}/{round}", s.requireAuth(s.handleEndRound))
	mux.HandleFunc("GET /api/healthz", s.handleHealth)

	// Operator routes.
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleLogs))
	if s.metrics != nil {
		mux.HandleFunc("GET /metrics", s.requireAuth(s.metrics.ServeHTTP))
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web UI server on %s (HTTP)", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return logx.Wrap(err, "web UI server failed")
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down web UI server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent is cancelled, shutdown needs a fresh context
	if err := server.Shutdown(shutdownCtx); err != nil {
		return logx.Wrap(err, "web UI shutdown failed")
	}
	return nil
}

// handleHealth implements GET /api/healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

// handleLogs implements GET /api/logs?session=&since=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", raw)
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	logs := logx.GetRecentLogEntries(query.Get("session"), since)
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	if logs == nil {
		logs = []logx.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
