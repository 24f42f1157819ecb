// Package config loads and validates ingest configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Details   StageConfig     `mapstructure:"details"`
	Staff     StaffConfig     `mapstructure:"staff"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// ProxyConfig lists the plain-text proxy list endpoints.
type ProxyConfig struct {
	Sources            []ProxySource `mapstructure:"sources"`
	SOCKS5URL          string        `mapstructure:"socks5_url"`
	SOCKS4URL          string        `mapstructure:"socks4_url"`
	HTTPURL            string        `mapstructure:"http_url"`
	DialTimeoutSeconds int           `mapstructure:"dial_timeout_seconds"`
}

// ProxySource is one proxy list endpoint and the transport kind of its entries.
type ProxySource struct {
	URL  string `mapstructure:"url"`
	Kind string `mapstructure:"kind"`
}

// HTTPConfig configures the outbound fetch client shared by every stage.
type HTTPConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	MaxBodyBytes     int64   `mapstructure:"max_body_bytes"`
	Backoff          string  `mapstructure:"backoff"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`
}

// DiscoveryConfig controls page-count discovery on the listing site.
type DiscoveryConfig struct {
	URL               string `mapstructure:"url"`
	Selector          string `mapstructure:"selector"`
	FallbackPages     int    `mapstructure:"fallback_pages"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	Headless          bool   `mapstructure:"headless"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	UseProxy          bool   `mapstructure:"use_proxy"`
}

// StageConfig is shared by the pipelines that fan ids out through the dispatcher.
type StageConfig struct {
	URL            string `mapstructure:"url"`
	ChunkSize      int    `mapstructure:"chunk_size"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout converts the per-attempt timeout into a duration.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// HarvestConfig drives the listing-page waves.
type HarvestConfig struct {
	URL            string `mapstructure:"url"`
	WaveSize       int    `mapstructure:"wave_size"`
	WavePauseMs    int    `mapstructure:"wave_pause_ms"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout converts the per-attempt timeout into a duration.
func (h HarvestConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// WavePause is the pacing delay inserted between waves.
func (h HarvestConfig) WavePause() time.Duration {
	return time.Duration(h.WavePauseMs) * time.Millisecond
}

// StaffConfig extends StageConfig with the association merge rule.
type StaffConfig struct {
	StageConfig      `mapstructure:",squash"`
	AssociationRoles string `mapstructure:"association_roles"`
}

// MetricsConfig enables the ops HTTP server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ArchiveConfig selects where raw payloads are archived.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
}

// NotifyConfig selects where run summaries are published.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultSelector locates the last pagination anchor on the A-Z listing page.
const DefaultSelector = "#main-wrapper > div > div.page-az-wrap > section > div.tab-content > div > " +
	"div.pre-pagination.mt-5.mb-5 > nav > ul > li:last-child a"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("proxy.socks5_url", "")
	v.SetDefault("proxy.socks4_url", "")
	v.SetDefault("proxy.http_url", "")
	v.SetDefault("proxy.dial_timeout_seconds", 5)
	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.max_body_bytes", 8<<20)
	v.SetDefault("http.backoff", "none")
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("discovery.url", "")
	v.SetDefault("discovery.selector", DefaultSelector)
	v.SetDefault("discovery.fallback_pages", 212)
	v.SetDefault("discovery.timeout_seconds", 15)
	v.SetDefault("discovery.headless", false)
	v.SetDefault("discovery.nav_timeout_seconds", 30)
	v.SetDefault("discovery.use_proxy", false)
	v.SetDefault("harvest.url", "")
	v.SetDefault("harvest.wave_size", 10)
	v.SetDefault("harvest.wave_pause_ms", 0)
	v.SetDefault("harvest.max_attempts", 5)
	v.SetDefault("harvest.timeout_seconds", 5)
	v.SetDefault("details.url", "")
	v.SetDefault("details.chunk_size", 100)
	v.SetDefault("details.max_concurrency", 0)
	v.SetDefault("details.max_attempts", 5)
	v.SetDefault("details.timeout_seconds", 5)
	v.SetDefault("staff.url", "https://api.jikan.moe/v4/anime")
	v.SetDefault("staff.chunk_size", 100)
	v.SetDefault("staff.max_concurrency", 4)
	v.SetDefault("staff.max_attempts", 100)
	v.SetDefault("staff.timeout_seconds", 5)
	v.SetDefault("staff.association_roles", "keep")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	for i, src := range c.Proxy.AllSources() {
		if src.URL == "" {
			return fmt.Errorf("proxy.sources[%d].url must be set", i)
		}
		if _, err := proxy.ParseKind(src.Kind); err != nil {
			return fmt.Errorf("proxy.sources[%d].kind must be socks5, socks4 or http, got %q", i, src.Kind)
		}
	}
	if c.Proxy.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("proxy.dial_timeout_seconds must be > 0")
	}
	switch c.HTTP.Backoff {
	case "none", "constant", "exponential":
	default:
		return fmt.Errorf("http.backoff must be none, constant or exponential, got %q", c.HTTP.Backoff)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.Discovery.FallbackPages <= 0 {
		return fmt.Errorf("discovery.fallback_pages must be > 0")
	}
	if c.Discovery.TimeoutSeconds <= 0 {
		return fmt.Errorf("discovery.timeout_seconds must be > 0")
	}
	if c.Harvest.WaveSize <= 0 {
		return fmt.Errorf("harvest.wave_size must be > 0")
	}
	if c.Harvest.MaxAttempts <= 0 {
		return fmt.Errorf("harvest.max_attempts must be > 0")
	}
	if c.Harvest.TimeoutSeconds <= 0 {
		return fmt.Errorf("harvest.timeout_seconds must be > 0")
	}
	if err := c.Details.validate("details"); err != nil {
		return err
	}
	if err := c.Staff.validate("staff"); err != nil {
		return err
	}
	switch c.Staff.AssociationRoles {
	case "keep", "merge":
	default:
		return fmt.Errorf("staff.association_roles must be keep or merge, got %q", c.Staff.AssociationRoles)
	}
	switch c.Archive.Provider {
	case "noop", "memory":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
		}
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
		}
	default:
		return fmt.Errorf("archive.provider must be noop, memory, local or gcs, got %q", c.Archive.Provider)
	}
	switch c.Notify.Provider {
	case "noop", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.provider is pubsub")
		}
	default:
		return fmt.Errorf("notify.provider must be noop, memory or pubsub, got %q", c.Notify.Provider)
	}
	return nil
}

func (s StageConfig) validate(prefix string) error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("%s.chunk_size must be > 0", prefix)
	}
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("%s.max_concurrency must be >= 0", prefix)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be > 0", prefix)
	}
	if s.TimeoutSeconds <= 0 {
		return fmt.Errorf("%s.timeout_seconds must be > 0", prefix)
	}
	return nil
}

// AllSources returns the explicit sources followed by the shorthand socks5, socks4 and http URLs.
func (p ProxyConfig) AllSources() []ProxySource {
	out := make([]ProxySource, 0, len(p.Sources)+3)
	out = append(out, p.Sources...)
	if p.SOCKS5URL != "" {
		out = append(out, ProxySource{URL: p.SOCKS5URL, Kind: "socks5"})
	}
	if p.SOCKS4URL != "" {
		out = append(out, ProxySource{URL: p.SOCKS4URL, Kind: "socks4"})
	}
	if p.HTTPURL != "" {
		out = append(out, ProxySource{URL: p.HTTPURL, Kind: "http"})
	}
	return out
}

// DialTimeout converts the proxy dial timeout into a duration.
func (p ProxyConfig) DialTimeout() time.Duration {
	return time.Duration(p.DialTimeoutSeconds) * time.Second
}

// MaxConnLifetime converts the pool lifetime into a duration.
func (d DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(d.MaxConnLifetimeSeconds) * time.Second
}
