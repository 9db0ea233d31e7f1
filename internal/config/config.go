// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Readiness() ReadinessConfig
	Monitor() MonitorConfig
	Classifier() ClassifierConfig
	Retry() RetryPolicy
	Interaction() InteractionConfig
	Observability() ObservabilityConfig

	SetBrowserHeadless(bool)
	SetBrowserEngine(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg        LoggerConfig        `mapstructure:"logger" yaml:"logger"`
	BrowserCfg       BrowserConfig       `mapstructure:"browser" yaml:"browser"`
	ReadinessCfg     ReadinessConfig     `mapstructure:"readiness" yaml:"readiness"`
	MonitorCfg       MonitorConfig       `mapstructure:"monitor" yaml:"monitor"`
	ClassifierCfg    ClassifierConfig    `mapstructure:"classifier" yaml:"classifier"`
	RetryCfg         RetryPolicy         `mapstructure:"retry" yaml:"retry"`
	InteractionCfg   InteractionConfig   `mapstructure:"interaction" yaml:"interaction"`
	ObservabilityCfg ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig               { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig             { return c.BrowserCfg }
func (c *Config) Readiness() ReadinessConfig         { return c.ReadinessCfg }
func (c *Config) Monitor() MonitorConfig             { return c.MonitorCfg }
func (c *Config) Classifier() ClassifierConfig       { return c.ClassifierCfg }
func (c *Config) Retry() RetryPolicy                 { return c.RetryCfg }
func (c *Config) Interaction() InteractionConfig     { return c.InteractionCfg }
func (c *Config) Observability() ObservabilityConfig { return c.ObservabilityCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserEngine(e string) { c.BrowserCfg.Engine = e }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Supported browser engines.
const (
	EngineChrome = "chrome"
	EngineRod    = "rod"
	EngineMemory = "memory"
)

// BrowserConfig holds settings for the browser the driver adapter launches.
type BrowserConfig struct {
	Engine          string         `mapstructure:"engine" yaml:"engine"`
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Stealth         bool           `mapstructure:"stealth" yaml:"stealth"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout         time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	// RemoteURL connects to an already running browser instead of launching one.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// ReadinessConfig tunes the page readiness detector.
type ReadinessConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SettleConfirmations int           `mapstructure:"settle_confirmations" yaml:"settle_confirmations"`
	// NavigationBudget bounds how long the load event may take before Timeout.
	NavigationBudget time.Duration `mapstructure:"navigation_budget" yaml:"navigation_budget"`
	// SettleCeiling bounds how long to wait for DOM quiet after load before
	// accepting a MostlyStable verdict.
	SettleCeiling time.Duration `mapstructure:"settle_ceiling" yaml:"settle_ceiling"`
	MinArea       float64       `mapstructure:"min_area" yaml:"min_area"`
}

// MonitorConfig tunes the background DOM monitor.
type MonitorConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MinArea              float64       `mapstructure:"min_area" yaml:"min_area"`
	SubscriberBuffer     int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	StaleReportThreshold int           `mapstructure:"stale_report_threshold" yaml:"stale_report_threshold"`
}

// ClassifierConfig tunes element classification thresholds.
type ClassifierConfig struct {
	MinArea            float64 `mapstructure:"min_area" yaml:"min_area"`
	FullConfidenceArea float64 `mapstructure:"full_confidence_area" yaml:"full_confidence_area"`
	MaxLabelLength     int     `mapstructure:"max_label_length" yaml:"max_label_length"`
	MaxTextLength      int     `mapstructure:"max_text_length" yaml:"max_text_length"`
}

// RetryPolicy governs how interactions are retried through transient staleness.
type RetryPolicy struct {
	MaxAttempts int             `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff" yaml:"backoff"`
	// StalenessWindow is the maximum snapshot age accepted when resolving an element.
	StalenessWindow time.Duration `mapstructure:"staleness_window" yaml:"staleness_window"`
}

// Delay returns the backoff before the given retry (1-based). The last entry of
// the schedule repeats once the schedule runs out.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt <= 0 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// InteractionConfig tunes verification of individual actions.
type InteractionConfig struct {
	ClickGrace        time.Duration `mapstructure:"click_grace" yaml:"click_grace"`
	TypeVerifyTimeout time.Duration `mapstructure:"type_verify_timeout" yaml:"type_verify_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	LogSize           int           `mapstructure:"log_size" yaml:"log_size"`
}

// ObservabilityConfig controls metrics and tracing exporters.
type ObservabilityConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Tracing     bool   `mapstructure:"tracing" yaml:"tracing"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "wayfinder")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.engine", EngineChrome)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.timeout", "30s")
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)

	// -- Readiness --
	v.SetDefault("readiness.poll_interval", "100ms")
	v.SetDefault("readiness.settle_confirmations", 2)
	v.SetDefault("readiness.navigation_budget", "15s")
	v.SetDefault("readiness.settle_ceiling", "5s")
	v.SetDefault("readiness.min_area", 4.0)

	// -- Monitor --
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.poll_interval", "250ms")
	v.SetDefault("monitor.min_area", 4.0)
	v.SetDefault("monitor.subscriber_buffer", 16)
	v.SetDefault("monitor.stale_report_threshold", 3)

	// -- Classifier --
	v.SetDefault("classifier.min_area", 1.0)
	v.SetDefault("classifier.full_confidence_area", 400.0)
	v.SetDefault("classifier.max_label_length", 80)
	v.SetDefault("classifier.max_text_length", 1000)

	// -- Retry --
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", []string{"100ms", "250ms", "500ms"})
	v.SetDefault("retry.staleness_window", "500ms")

	// -- Interaction --
	v.SetDefault("interaction.click_grace", "750ms")
	v.SetDefault("interaction.type_verify_timeout", "1s")
	v.SetDefault("interaction.element_timeout", "2s")
	v.SetDefault("interaction.log_size", 128)

	// -- Observability --
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.tracing", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.BrowserCfg.Engine {
	case EngineChrome, EngineRod, EngineMemory:
	default:
		return fmt.Errorf("browser.engine must be one of %q, %q, %q", EngineChrome, EngineRod, EngineMemory)
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive")
	}
	if err := c.ReadinessCfg.Validate(); err != nil {
		return fmt.Errorf("readiness configuration invalid: %w", err)
	}
	if c.MonitorCfg.Enabled && c.MonitorCfg.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be a positive duration")
	}
	if c.MonitorCfg.SubscriberBuffer < 0 {
		return fmt.Errorf("monitor.subscriber_buffer cannot be negative")
	}
	if c.ClassifierCfg.MinArea < 0 || c.ClassifierCfg.FullConfidenceArea < c.ClassifierCfg.MinArea {
		return fmt.Errorf("classifier.full_confidence_area must be >= classifier.min_area >= 0")
	}
	if err := c.RetryCfg.Validate(); err != nil {
		return fmt.Errorf("retry configuration invalid: %w", err)
	}
	if c.InteractionCfg.LogSize <= 0 {
		return fmt.Errorf("interaction.log_size must be a positive integer")
	}
	return nil
}

// Validate checks the readiness settings.
func (r *ReadinessConfig) Validate() error {
	if r.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if r.SettleConfirmations < 1 {
		return fmt.Errorf("settle_confirmations must be at least 1")
	}
	if r.NavigationBudget < r.PollInterval {
		return fmt.Errorf("navigation_budget must be at least one poll_interval")
	}
	if r.SettleCeiling <= 0 {
		return fmt.Errorf("settle_ceiling must be a positive duration")
	}
	return nil
}

// Validate checks the retry policy.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	for _, d := range p.Backoff {
		if d < 0 {
			return fmt.Errorf("backoff entries cannot be negative")
		}
	}
	if p.StalenessWindow < 0 {
		return fmt.Errorf("staleness_window cannot be negative")
	}
	return nil
}
