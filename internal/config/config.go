package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leafsii/lending-liquidator/internal/markets"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"LQD_ENV"`
	LogLevel string `mapstructure:"LQD_LOG_LEVEL"`
	HTTPAddr string `mapstructure:"LQD_HTTP_ADDR"`

	Ledger   LedgerConfig   `mapstructure:",squash"`
	Scan     ScanConfig     `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
	Intents  IntentConfig   `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`

	// Loaded from market.json
	Metadata markets.Metadata `mapstructure:"-"`
}

type LedgerConfig struct {
	RPCURL       string  `mapstructure:"LQD_RPC_URL"`
	WSURL        string  `mapstructure:"LQD_WS_URL"`
	RPS          float64 `mapstructure:"LQD_RPC_RPS"`
	MetadataPath string  `mapstructure:"LQD_METADATA_PATH"`
	// MaxPriceAge is how old a feed's publish time may be before its reserve is
	// treated as unpriced. Zero disables the check.
	MaxPriceAge time.Duration `mapstructure:"LQD_MAX_PRICE_AGE"`
}

type ScanConfig struct {
	Interval         time.Duration `mapstructure:"LQD_SCAN_INTERVAL"`
	QueryTimeout     time.Duration `mapstructure:"LQD_QUERY_TIMEOUT"`
	SubmitTimeout    time.Duration `mapstructure:"LQD_SUBMIT_TIMEOUT"`
	RefreshInterval  time.Duration `mapstructure:"LQD_REFRESH_INTERVAL"`
	RefreshCooldown  time.Duration `mapstructure:"LQD_REFRESH_COOLDOWN"`
	SnapshotInterval time.Duration `mapstructure:"LQD_SNAPSHOT_INTERVAL"`
}

type CacheConfig struct {
	// Empty keeps the cache and pubsub in process.
	RedisAddr string `mapstructure:"LQD_REDIS_ADDR"`
}

type IntentConfig struct {
	Sink         string   `mapstructure:"LQD_INTENT_SINK"` // "relay", "kafka", "redis", "log"
	RelayURL     string   `mapstructure:"LQD_RELAY_URL"`
	KafkaBrokers []string `mapstructure:"LQD_KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"LQD_KAFKA_TOPIC"`
	DryRun       bool     `mapstructure:"LQD_DRY_RUN"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"LQD_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"LQD_CORS_ALLOWED_ORIGINS"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // variables already set take precedence
		}
	}
}

// Load reads the environment (and any .env file), applies defaults, loads the market
// metadata and validates the result.
func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	// Comma-separated lists
	for _, key := range []string{"LQD_KAFKA_BROKERS", "LQD_CORS_ALLOWED_ORIGINS"} {
		if s := v.GetString(key); s != "" {
			v.Set(key, splitList(s))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Intents.Sink = strings.ToLower(strings.TrimSpace(cfg.Intents.Sink))

	meta, err := ReadMetadata(cfg.Ledger.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load market metadata: %w", err)
	}
	cfg.Metadata = meta

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LQD_ENV", "dev")
	v.SetDefault("LQD_LOG_LEVEL", "info")
	v.SetDefault("LQD_HTTP_ADDR", ":8080")
	v.SetDefault("LQD_RPC_URL", "http://localhost:8899")
	v.SetDefault("LQD_WS_URL", "ws://localhost:8900")
	v.SetDefault("LQD_RPC_RPS", 20)
	v.SetDefault("LQD_METADATA_PATH", "market.json")
	v.SetDefault("LQD_MAX_PRICE_AGE", "2m")
	v.SetDefault("LQD_SCAN_INTERVAL", "2s")
	v.SetDefault("LQD_QUERY_TIMEOUT", "30s")
	v.SetDefault("LQD_SUBMIT_TIMEOUT", "30s")
	v.SetDefault("LQD_REFRESH_INTERVAL", "1m")
	v.SetDefault("LQD_REFRESH_COOLDOWN", "2m")
	v.SetDefault("LQD_SNAPSHOT_INTERVAL", "10s")
	v.SetDefault("LQD_REDIS_ADDR", "")
	v.SetDefault("LQD_INTENT_SINK", "log")
	v.SetDefault("LQD_RELAY_URL", "")
	v.SetDefault("LQD_KAFKA_BROKERS", "")
	v.SetDefault("LQD_KAFKA_TOPIC", "liquidation-intents")
	v.SetDefault("LQD_DRY_RUN", false)
	v.SetDefault("LQD_RATE_LIMIT_RPM", 600)
	v.SetDefault("LQD_CORS_ALLOWED_ORIGINS", "http://localhost:3000")
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ReadMetadata reads and validates market.json at path.
func ReadMetadata(path string) (markets.Metadata, error) {
	var meta markets.Metadata

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, fmt.Errorf("%s: %w", path, err)
		}
		return meta, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(&meta); err != nil {
		if errors.Is(err, io.EOF) {
			return meta, fmt.Errorf("%s is empty", path)
		}
		return meta, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return meta, fmt.Errorf("%s: %w", path, err)
	}
	return meta, nil
}

func (c *Config) validate() error {
	var errs []error

	if err := checkURL("LQD_RPC_URL", c.Ledger.RPCURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("LQD_WS_URL", c.Ledger.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.RPS < 0 {
		errs = append(errs, fmt.Errorf("LQD_RPC_RPS must not be negative"))
	}
	if c.Ledger.MaxPriceAge < 0 {
		errs = append(errs, fmt.Errorf("LQD_MAX_PRICE_AGE must not be negative"))
	}

	durations := map[string]time.Duration{
		"LQD_SCAN_INTERVAL":     c.Scan.Interval,
		"LQD_QUERY_TIMEOUT":     c.Scan.QueryTimeout,
		"LQD_SUBMIT_TIMEOUT":    c.Scan.SubmitTimeout,
		"LQD_REFRESH_INTERVAL":  c.Scan.RefreshInterval,
		"LQD_SNAPSHOT_INTERVAL": c.Scan.SnapshotInterval,
	}
	for _, key := range []string{"LQD_SCAN_INTERVAL", "LQD_QUERY_TIMEOUT", "LQD_SUBMIT_TIMEOUT", "LQD_REFRESH_INTERVAL", "LQD_SNAPSHOT_INTERVAL"} {
		if durations[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	switch c.Intents.Sink {
	case "relay":
		if c.Intents.RelayURL == "" && !c.Intents.DryRun {
			errs = append(errs, fmt.Errorf("LQD_RELAY_URL is required for the relay sink"))
		}
	case "kafka":
		if len(c.Intents.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("LQD_KAFKA_BROKERS is required for the kafka sink"))
		}
		if c.Intents.KafkaTopic == "" {
			errs = append(errs, fmt.Errorf("LQD_KAFKA_TOPIC is required for the kafka sink"))
		}
	case "redis", "log":
	default:
		errs = append(errs, fmt.Errorf("invalid LQD_INTENT_SINK %q (must be relay, kafka, redis or log)", c.Intents.Sink))
	}

	return errors.Join(errs...)
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
