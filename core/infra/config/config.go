package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr     = "127.0.0.1:5000"
	defaultMetricsAddr  = ":9092"
	defaultJWTAlgorithm = "HS256"
	defaultTokenExpire  = 1440
	defaultProxyRetries = 5
	defaultProxyDelayMS = 100

	envHTTPAddr       = "JOBFRONT_HTTP_ADDR"
	envMetricsAddr    = "JOBFRONT_METRICS_ADDR"
	envAllowedRouters = "JOBFRONT_ALLOWED_ROUTERS"
	envValidJobTypes  = "JOBFRONT_VALID_JOB_TYPES"
	envUserMode       = "JOBFRONT_USER_MODE"
	envJWTSecret      = "JOBFRONT_JWT_SECRET"
	envDBURL          = "JOBFRONT_DB_URL"
	envRootPassword   = "JOBFRONT_ROOT_PASSWORD"
	envRedisURL       = "REDIS_URL"
	envNATSURL        = "NATS_URL"
	envCacheDir       = "JOBFRONT_CACHE_DIR"
)

// UserMode selects the authentication posture of the server.
const (
	UserModeFree = "free"
	UserModeHub  = "hub"
)

// Router names that may appear in AllowedRouters.
var KnownRouters = []string{"task", "job", "user", "proxy", "monitor"}

// ValidJobTypes that may appear in the config.
var KnownJobTypes = []string{"local", "thread", "process", "subprocess", "webapp"}

// Config holds the full runtime configuration of a jobfront server. It is
// built once at startup and passed by reference; nothing mutates it afterward.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	AllowedRouters []string `yaml:"allowed_routers"`
	ValidJobTypes  []string `yaml:"valid_job_types"`
	Origins        []string `yaml:"origins"`

	UserMode                 string `yaml:"user_mode"`
	JWTSecretKey             string `yaml:"jwt_secret_key"`
	JWTAlgorithm             string `yaml:"jwt_algorithm"`
	AccessTokenExpireMinutes int    `yaml:"access_token_expire_minutes"`
	DBURL                    string `yaml:"db_url"`
	RootPassword             string `yaml:"root_password"`

	RedisURL string `yaml:"redis_url"`
	NatsURL  string `yaml:"nats_url"`

	CacheDir       string `yaml:"cache_dir"`
	RedirectOutErr bool   `yaml:"redirect_out_err"`
	MonitorMode    bool   `yaml:"monitor_mode"`

	ProxyMaxAttempts  int `yaml:"proxy_max_attempts"`
	ProxyRetryDelayMS int `yaml:"proxy_retry_delay_ms"`
}

// ProxyRetryDelay is the pause between proxy connection attempts.
func (c *Config) ProxyRetryDelay() time.Duration {
	return time.Duration(c.ProxyRetryDelayMS) * time.Millisecond
}

// Load returns configuration from environment variables with sane defaults.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML config file, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPAddr:                 defaultHTTPAddr,
		MetricsAddr:              defaultMetricsAddr,
		AllowedRouters:           []string{"task", "job"},
		ValidJobTypes:            []string{"thread", "process"},
		Origins:                  []string{"http://127.0.0.1", "http://localhost"},
		UserMode:                 UserModeFree,
		JWTAlgorithm:             defaultJWTAlgorithm,
		AccessTokenExpireMinutes: defaultTokenExpire,
		CacheDir:                 defaultCacheDir(),
		RedirectOutErr:           true,
		ProxyMaxAttempts:         defaultProxyRetries,
		ProxyRetryDelayMS:        defaultProxyDelayMS,
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv(envAllowedRouters); v != "" {
		cfg.AllowedRouters = splitList(v)
	}
	if v := os.Getenv(envValidJobTypes); v != "" {
		cfg.ValidJobTypes = splitList(v)
	}
	if v := os.Getenv(envUserMode); v != "" {
		cfg.UserMode = strings.TrimSpace(v)
	}
	if v := os.Getenv(envJWTSecret); v != "" {
		cfg.JWTSecretKey = v
	}
	if v := os.Getenv(envDBURL); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv(envRootPassword); v != "" {
		cfg.RootPassword = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envNATSURL); v != "" {
		cfg.NatsURL = v
	}
	if v := os.Getenv(envCacheDir); v != "" {
		cfg.CacheDir = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.UserMode != UserModeFree && c.UserMode != UserModeHub {
		return fmt.Errorf("unknown user_mode %q", c.UserMode)
	}
	if c.UserMode == UserModeHub {
		if c.JWTSecretKey == "" {
			return fmt.Errorf("jwt_secret_key is required in %s mode", UserModeHub)
		}
		if c.DBURL == "" {
			return fmt.Errorf("db_url is required in %s mode", UserModeHub)
		}
	}
	for _, r := range c.AllowedRouters {
		if !contains(KnownRouters, r) {
			return fmt.Errorf("unknown router %q in allowed_routers", r)
		}
	}
	for _, t := range c.ValidJobTypes {
		if !contains(KnownJobTypes, t) {
			return fmt.Errorf("unknown job type %q in valid_job_types", t)
		}
	}
	if c.MonitorMode && c.RedisURL == "" {
		return fmt.Errorf("monitor_mode requires redis_url")
	}
	if c.ProxyMaxAttempts <= 0 {
		c.ProxyMaxAttempts = defaultProxyRetries
	}
	if c.ProxyRetryDelayMS <= 0 {
		c.ProxyRetryDelayMS = defaultProxyDelayMS
	}
	return nil
}

// RouterEnabled reports whether a capability surface is switched on.
func (c *Config) RouterEnabled(name string) bool {
	return contains(c.AllowedRouters, name)
}

// JobTypeValid reports whether job submissions may use the given type.
func (c *Config) JobTypeValid(jobType string) bool {
	return contains(c.ValidJobTypes, jobType)
}

// FreeMode reports whether the server runs without per-user authentication.
func (c *Config) FreeMode() bool {
	return c.UserMode == UserModeFree
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultCacheDir() string {
	return os.TempDir() + string(os.PathSeparator) + "jobfront-cache"
}
