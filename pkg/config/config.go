// Package config loads the negotiator configuration from a JSON file into a
// process-wide singleton and keeps backend credentials in an encrypted secrets file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"negotiator/pkg/hostpool"
	"negotiator/pkg/logx"
)

// SchemaVersion is the config file format version.
const SchemaVersion = "1.0"

// DefaultConfigFile is the config file name looked up in the working directory.
const DefaultConfigFile = "negotiator.json"

// Defaults.
const (
	DefaultLLMModel           = "llama3"
	DefaultLLMReader          = "reader"
	DefaultLLMConstraint      = "constrain_reader"
	DefaultLLMTemperature     = 0.1
	DefaultHeartbeatSeconds   = 5
	DefaultProductionCostLow  = 3
	DefaultProductionCostHigh = 5
	DefaultMarketPriceLow     = 10
	DefaultMarketPriceHigh    = 12
	DefaultSettleDelayMillis  = 4000
	DefaultWaitCeilingSeconds = 90
	DefaultDBPath             = "negotiator.db"
	DefaultWebUIHost          = "localhost"
	DefaultWebUIPort          = 8080
	DefaultSubscriberBuffer   = 32
)

// Secret names.
const (
	SecretLLMPassword   = "LLM_PASS"
	SecretWebUIPassword = "WEBUI_PASS"
)

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	configPath string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// Config is the complete negotiator configuration.
type Config struct {
	SchemaVersion string            `json:"schema_version"`
	Hosts         []hostpool.Host   `json:"hosts"`
	LLM           LLMConfig         `json:"llm"`
	Market        MarketConfig      `json:"market"`
	Negotiation   NegotiationConfig `json:"negotiation"`
	Storage       StorageConfig     `json:"storage"`
	WebUI         WebUIConfig       `json:"webui"`
	Debug         DebugConfig       `json:"debug"`
}

// LLMConfig names the backend models and sampling settings.
type LLMConfig struct {
	User             string  `json:"llm_user"`
	Model            string  `json:"llm_model"`      // phrases the bot's messages
	Reader           string  `json:"llm_reader"`     // turns free text into [price, quality]
	Constraint       string  `json:"llm_constraint"` // reads the user's stated constraint
	Temperature      float32 `json:"llm_temp"`
	HeartbeatSeconds int     `json:"heartbeat_timeout_seconds"`
}

// MarketConfig bounds the constraints a user may state for each role.
type MarketConfig struct {
	ProductionCostLow  float64 `json:"production_cost_low"`
	ProductionCostHigh float64 `json:"production_cost_high"`
	MarketPriceLow     float64 `json:"market_price_low"`
	MarketPriceHigh    float64 `json:"market_price_high"`
}

// NegotiationConfig tunes turn handling.
type NegotiationConfig struct {
	SettleDelayMillis    int  `json:"settle_delay_ms"`
	WaitCeilingSeconds   int  `json:"host_wait_ceiling_seconds"`
	RandomConstraintDraw bool `json:"random_constraint_draw"`
	SubscriberBuffer     int  `json:"subscriber_buffer"`
}

// StorageConfig locates the session database.
type StorageConfig struct {
	DBPath string `json:"db_path"`
}

// WebUIConfig is the HTTP listener.
type WebUIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DebugConfig names the append-only debug record files. Empty disables a record.
type DebugConfig struct {
	InterpretFile   string `json:"interpret_file"`
	ConstraintsFile string `json:"constraints_file"`
	ExtractFile     string `json:"extract_file"`
}

// SettleDelay is the pause between phrasing an acceptance and closing the deal.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Negotiation.SettleDelayMillis) * time.Millisecond
}

// WaitCeiling bounds how long a turn waits for a backend host.
func (c *Config) WaitCeiling() time.Duration {
	return time.Duration(c.Negotiation.WaitCeilingSeconds) * time.Second
}

// HeartbeatTimeout bounds a single host probe.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.LLM.HeartbeatSeconds) * time.Second
}

// Addr is the listen address of the web UI.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.WebUI.Host, strconv.Itoa(c.WebUI.Port))
}

// GetConfig returns the current global config BY VALUE.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, errors.New("config not initialized - call LoadConfig first")
	}
	out := *config
	out.Hosts = append([]hostpool.Host(nil), config.Hosts...)
	return out, nil
}

// SetConfigForTesting sets the global config for testing purposes. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		configPath = ""
	}
}

// LoadConfig loads path into the global singleton. A missing file is created with
// defaults; an unparseable file is an error so user edits are never overwritten.
func LoadConfig(path string) error {
	mu.Lock()
	defer mu.Unlock()

	configPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		getLogger().Info("📝 Config file not found, creating new config at %s", path)
		cfg := createDefaultConfig()
		if err := validateConfig(cfg); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}
		config = cfg
		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		return nil
	}

	getLogger().Info("📝 Loading config from %s", path)
	loaded, err := loadConfigFromFile(path)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loaded)
	if err := validateConfig(loaded); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	config = loaded

	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}
	getLogger().Info("✅ Config loaded: %d hosts, model %s", len(loaded.Hosts), loaded.LLM.Model)
	return nil
}

// UpdateHosts replaces the host list and persists it.
func UpdateHosts(hosts []hostpool.Host) error {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return errors.New("config not initialized - call LoadConfig first")
	}
	for _, h := range hosts {
		if err := validateHostURL(h.URL); err != nil {
			return err
		}
	}
	config.Hosts = append([]hostpool.Host(nil), hosts...)
	return saveConfigLocked()
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path.
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func saveConfigLocked() error {
	if configPath == "" {
		return nil
	}
	return SaveConfig(config, configPath)
}

func createDefaultConfig() *Config {
	cfg := &Config{
		SchemaVersion: SchemaVersion,
		Hosts:         []hostpool.Host{{URL: "http://localhost:11434", Enabled: true}},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultLLMModel
	}
	if cfg.LLM.Reader == "" {
		cfg.LLM.Reader = DefaultLLMReader
	}
	if cfg.LLM.Constraint == "" {
		cfg.LLM.Constraint = DefaultLLMConstraint
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = DefaultLLMTemperature
	}
	if cfg.LLM.HeartbeatSeconds <= 0 {
		cfg.LLM.HeartbeatSeconds = DefaultHeartbeatSeconds
	}

	if cfg.Market == (MarketConfig{}) {
		cfg.Market = MarketConfig{
			ProductionCostLow:  DefaultProductionCostLow,
			ProductionCostHigh: DefaultProductionCostHigh,
			MarketPriceLow:     DefaultMarketPriceLow,
			MarketPriceHigh:    DefaultMarketPriceHigh,
		}
	}

	if cfg.Negotiation.SettleDelayMillis <= 0 {
		cfg.Negotiation.SettleDelayMillis = DefaultSettleDelayMillis
	}
	if cfg.Negotiation.WaitCeilingSeconds <= 0 {
		cfg.Negotiation.WaitCeilingSeconds = DefaultWaitCeilingSeconds
	}
	if cfg.Negotiation.SubscriberBuffer <= 0 {
		cfg.Negotiation.SubscriberBuffer = DefaultSubscriberBuffer
	}

	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = DefaultDBPath
	}
	if cfg.WebUI.Host == "" {
		cfg.WebUI.Host = DefaultWebUIHost
	}
	if cfg.WebUI.Port == 0 {
		cfg.WebUI.Port = DefaultWebUIPort
	}
}

func validateConfig(cfg *Config) error {
	getLogger().Info("📋 Validating config structure")

	if len(cfg.Hosts) == 0 {
		return errors.New("at least one backend host must be configured")
	}
	for _, h := range cfg.Hosts {
		if err := validateHostURL(h.URL); err != nil {
			return err
		}
	}

	m := cfg.Market
	if m.ProductionCostLow <= 0 || m.ProductionCostLow > m.ProductionCostHigh {
		return fmt.Errorf("production cost range [%g, %g] is invalid", m.ProductionCostLow, m.ProductionCostHigh)
	}
	if m.MarketPriceLow <= 0 || m.MarketPriceLow > m.MarketPriceHigh {
		return fmt.Errorf("market price range [%g, %g] is invalid", m.MarketPriceLow, m.MarketPriceHigh)
	}
	if m.ProductionCostHigh > m.MarketPriceLow {
		return fmt.Errorf("production cost high %g exceeds market price low %g", m.ProductionCostHigh, m.MarketPriceLow)
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm_temp must be between 0 and 2 (got %g)", cfg.LLM.Temperature)
	}
	if cfg.WebUI.Port <= 0 || cfg.WebUI.Port > 65535 {
		return fmt.Errorf("webui port must be between 1 and 65535 (got %d)", cfg.WebUI.Port)
	}
	return nil
}

func validateHostURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("host %q must be an http(s) URL", raw)
	}
	return nil
}
