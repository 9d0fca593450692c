package config

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable the application reads.
const EnvPrefix = "HXENGINE"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Client() ClientConfig
	Retry() RetryConfig
	TLS() TLSConfig
	Proxy() ProxyConfig
	Auth() AuthConfig
	H2() H2Config
	H3() H3Config

	SetClientVersion(string)
	SetH3Discovery(string)
	SetRequestTimeout(time.Duration)
	SetConnectTimeout(time.Duration)
	SetInsecureSkipVerify(bool)
	SetProxyURL(string)
	SetCredentials(username, password string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg LoggerConfig `mapstructure:"logger" yaml:"logger"`
	ClientCfg ClientConfig `mapstructure:"client" yaml:"client"`
	RetryCfg  RetryConfig  `mapstructure:"retry" yaml:"retry"`
	TLSCfg    TLSConfig    `mapstructure:"tls" yaml:"tls"`
	ProxyCfg  ProxyConfig  `mapstructure:"proxy" yaml:"proxy"`
	AuthCfg   AuthConfig   `mapstructure:"auth" yaml:"auth"`
	H2Cfg     H2Config     `mapstructure:"h2" yaml:"h2"`
	H3Cfg     H3Config     `mapstructure:"h3" yaml:"h3"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Client() ClientConfig { return c.ClientCfg }
func (c *Config) Retry() RetryConfig   { return c.RetryCfg }
func (c *Config) TLS() TLSConfig       { return c.TLSCfg }
func (c *Config) Proxy() ProxyConfig   { return c.ProxyCfg }
func (c *Config) Auth() AuthConfig     { return c.AuthCfg }
func (c *Config) H2() H2Config         { return c.H2Cfg }
func (c *Config) H3() H3Config         { return c.H3Cfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetClientVersion(v string)         { c.ClientCfg.Version = v }
func (c *Config) SetH3Discovery(d string)           { c.ClientCfg.H3Discovery = d }
func (c *Config) SetRequestTimeout(d time.Duration) { c.ClientCfg.RequestTimeout = d }
func (c *Config) SetConnectTimeout(d time.Duration) { c.ClientCfg.ConnectTimeout = d }
func (c *Config) SetInsecureSkipVerify(b bool)      { c.TLSCfg.InsecureSkipVerify = b }
func (c *Config) SetProxyURL(u string)              { c.ProxyCfg.URL = u }
func (c *Config) SetCredentials(user, pass string) {
	c.AuthCfg.Username = user
	c.AuthCfg.Password = pass
}

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

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ClientConfig holds the engine-wide request settings.
type ClientConfig struct {
	// Default protocol: h1, h2 or h3.
	Version string `mapstructure:"version" yaml:"version"`
	// HTTP/3 discovery: any, alt-svc or uri-only.
	H3Discovery           string        `mapstructure:"h3_discovery" yaml:"h3_discovery"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	KeepAliveTimeout      time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`
	H2IdleTimeout         time.Duration `mapstructure:"h2_idle_timeout" yaml:"h2_idle_timeout"`
	ExpectContinueTimeout time.Duration `mapstructure:"expect_continue_timeout" yaml:"expect_continue_timeout"`
	MaxConnsPerOrigin     int           `mapstructure:"max_conns_per_origin" yaml:"max_conns_per_origin"`
	// never, always or normal.
	RedirectPolicy   string `mapstructure:"redirect_policy" yaml:"redirect_policy"`
	MaxRedirects     int    `mapstructure:"max_redirects" yaml:"max_redirects"`
	MaxAuthAttempts  int    `mapstructure:"max_auth_attempts" yaml:"max_auth_attempts"`
	Cookies          bool   `mapstructure:"cookies" yaml:"cookies"`
	DecompressBodies bool   `mapstructure:"decompress_bodies" yaml:"decompress_bodies"`
	// Async completion workers. Zero runs each completion on its own goroutine.
	Workers        int     `mapstructure:"workers" yaml:"workers"`
	QueueSize      int     `mapstructure:"queue_size" yaml:"queue_size"`
	DialsPerSecond float64 `mapstructure:"dials_per_second" yaml:"dials_per_second"`
	DialBurst      int     `mapstructure:"dial_burst" yaml:"dial_burst"`
	// Local address outgoing TCP connections bind to, host or host:port.
	LocalAddress string `mapstructure:"local_address" yaml:"local_address"`
}

// RetryConfig mirrors customhttp.RetryPolicy.
type RetryConfig struct {
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BackoffFactor      float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	Jitter             bool          `mapstructure:"jitter" yaml:"jitter"`
	RetryNonIdempotent bool          `mapstructure:"retry_non_idempotent" yaml:"retry_non_idempotent"`
}

type TLSConfig struct {
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
	// 1.2 or 1.3.
	MinVersion string `mapstructure:"min_version" yaml:"min_version"`
}

type ProxyConfig struct {
	// http:// or https:// proxy reached with CONNECT. Empty means direct.
	URL string `mapstructure:"url" yaml:"url"`
}

// AuthConfig holds the Basic credentials offered to origin and proxy
// challenges.
type AuthConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

type H2Config struct {
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	PriorKnowledge  bool          `mapstructure:"prior_knowledge" yaml:"prior_knowledge"`
	AllowH1Fallback bool          `mapstructure:"allow_h1_fallback" yaml:"allow_h1_fallback"`
}

type H3Config struct {
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period"`
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout" yaml:"max_idle_timeout"`
}

// NewDefaultConfig returns a configuration populated with every default.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "hxengine")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Client --
	v.SetDefault("client.version", "h2")
	v.SetDefault("client.h3_discovery", "any")
	v.SetDefault("client.connect_timeout", "15s")
	v.SetDefault("client.request_timeout", "0s")
	v.SetDefault("client.keep_alive_timeout", "30s")
	v.SetDefault("client.h2_idle_timeout", "0s")
	v.SetDefault("client.expect_continue_timeout", "1s")
	v.SetDefault("client.max_conns_per_origin", 0)
	v.SetDefault("client.redirect_policy", "normal")
	v.SetDefault("client.max_redirects", 5)
	v.SetDefault("client.max_auth_attempts", 3)
	v.SetDefault("client.cookies", true)
	v.SetDefault("client.decompress_bodies", false)
	v.SetDefault("client.workers", 0)
	v.SetDefault("client.queue_size", 256)
	v.SetDefault("client.dials_per_second", 0.0)
	v.SetDefault("client.dial_burst", 0)
	v.SetDefault("client.local_address", "")

	// -- Retry --
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "10s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.retry_non_idempotent", false)

	// -- TLS --
	v.SetDefault("tls.insecure_skip_verify", false)
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.min_version", "1.2")

	// -- Proxy and credentials --
	v.SetDefault("proxy.url", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "") // Should be set via env var

	// -- HTTP/2 --
	v.SetDefault("h2.ping_interval", "30s")
	v.SetDefault("h2.ping_timeout", "5s")
	v.SetDefault("h2.prior_knowledge", false)
	v.SetDefault("h2.allow_h1_fallback", true)

	// -- HTTP/3 --
	v.SetDefault("h3.keep_alive_period", "10s")
	v.SetDefault("h3.max_idle_timeout", "30s")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	if err := v.BindEnv("auth.password", EnvPrefix+"_AUTH_PASSWORD"); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	if err := oneOf("client.version", c.ClientCfg.Version, versions); err != nil {
		return err
	}
	if err := oneOf("client.h3_discovery", c.ClientCfg.H3Discovery, discoveryModes); err != nil {
		return err
	}
	if err := oneOf("client.redirect_policy", c.ClientCfg.RedirectPolicy, redirectPolicies); err != nil {
		return err
	}
	if c.ClientCfg.Workers < 0 || c.ClientCfg.QueueSize < 0 {
		return fmt.Errorf("client.workers and client.queue_size must not be negative")
	}
	if _, err := TLSMinVersion(c.TLSCfg.MinVersion); err != nil {
		return err
	}
	if c.ProxyCfg.URL != "" {
		if _, err := ParseProxyURL(c.ProxyCfg.URL); err != nil {
			return err
		}
	}
	if c.AuthCfg.Password != "" && c.AuthCfg.Username == "" {
		return fmt.Errorf("auth.password is set without auth.username")
	}
	// The remaining numeric limits are checked by the engine itself.
	return nil
}

var (
	versions         = []string{"", "h1", "h2", "h3"}
	discoveryModes   = []string{"", "any", "alt-svc", "uri-only"}
	redirectPolicies = []string{"", "never", "always", "normal"}
)

func oneOf(key, value string, allowed []string) error {
	if lo.Contains(allowed, strings.ToLower(strings.TrimSpace(value))) {
		return nil
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(lo.Compact(allowed), ", "), value)
}

// TLSMinVersion parses a tls.min_version value.
func TLSMinVersion(s string) (uint16, error) {
	switch strings.TrimSpace(s) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls.min_version must be 1.2 or 1.3, got %q", s)
	}
}

// ParseProxyURL validates a proxy.url value.
func ParseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("proxy.url must be an http or https URL with a host, got %q", raw)
	}
	return u, nil
}
