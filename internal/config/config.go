// Package config loads the sf-bulk-export settings from flags, SFBULK_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/sf-bulk-client/pkg/auth"
	"github.com/Sternrassler/sf-bulk-client/pkg/bulk"
	"github.com/Sternrassler/sf-bulk-client/pkg/client"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/Sternrassler/sf-bulk-client/pkg/pagination"
)

// EnvPrefix is prepended to every key when reading environment variables,
// e.g. consumer_key is read from SFBULK_CONSUMER_KEY.
const EnvPrefix = "SFBULK"

// Config keys.
const (
	KeyConsumerKey       = "consumer_key"
	KeyUsername          = "username"
	KeyLoginURL          = "login_url"
	KeyPrivateKeyFile    = "private_key_file"
	KeyAPIVersion        = "api_version"
	KeyRedisAddr         = "redis_addr"
	KeyRefreshMetadata   = "refresh_metadata"
	KeyUserAgent         = "user_agent"
	KeyRateLimit         = "rate_limit"
	KeyUsageWarnPercent  = "usage_warn_percent"
	KeyUsageBlockPercent = "usage_block_percent"
	KeyParallelJobs      = "parallel_jobs"
	KeyPageSize          = "page_size"
	KeyOutputDir         = "output_dir"
	KeyMetricsAddr       = "metrics_addr"
	KeyLogLevel          = "log_level"
	KeyLogPretty         = "log_pretty"
)

// ErrMissingKeys is returned when required settings are absent.
var ErrMissingKeys = errors.New("missing required configuration")

// Config holds the CLI settings.
type Config struct {
	ConsumerKey    string `mapstructure:"consumer_key"`
	Username       string `mapstructure:"username"`
	LoginURL       string `mapstructure:"login_url"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	APIVersion     string `mapstructure:"api_version"`

	RedisAddr         string `mapstructure:"redis_addr"`
	RefreshMetadata   bool   `mapstructure:"refresh_metadata"`
	UserAgent         string `mapstructure:"user_agent"`
	RateLimit         int    `mapstructure:"rate_limit"`
	UsageWarnPercent  int    `mapstructure:"usage_warn_percent"`
	UsageBlockPercent int    `mapstructure:"usage_block_percent"`

	ParallelJobs int    `mapstructure:"parallel_jobs"`
	PageSize     int    `mapstructure:"page_size"`
	OutputDir    string `mapstructure:"output_dir"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`
}

type flagDef struct {
	key   string
	flag  string
	value any
	usage string
}

var flags = []flagDef{
	{KeyConsumerKey, "consumer-key", "", "connected app consumer key"},
	{KeyUsername, "username", "", "user the access token is issued for"},
	{KeyLoginURL, "login-url", "https://login.salesforce.com", "login URL used as JWT audience"},
	{KeyPrivateKeyFile, "private-key-file", "", "PEM file holding the connected app private key"},
	{KeyAPIVersion, "api-version", "v52.0", "REST API version"},
	{KeyRedisAddr, "redis-addr", "", "Redis address for shared usage state and metadata cache (optional)"},
	{KeyRefreshMetadata, "refresh-metadata", false, "drop cached describe results of the org before running"},
	{KeyUserAgent, "user-agent", "sf-bulk-export/0.1.0", "User-Agent header"},
	{KeyRateLimit, "rate-limit", 20, "client side requests per second, 0 = unpaced"},
	{KeyUsageWarnPercent, "usage-warn-percent", 80, "throttle requests from this share of the API allocation"},
	{KeyUsageBlockPercent, "usage-block-percent", 95, "block requests from this share of the API allocation"},
	{KeyParallelJobs, "parallel-jobs", bulk.DefaultParallelJobs, "bulk jobs run per batch"},
	{KeyPageSize, "page-size", pagination.DefaultPageSize, "maxRecords per result page"},
	{KeyOutputDir, "output-dir", "export", "directory receiving the result files"},
	{KeyMetricsAddr, "metrics-addr", "", "serve /metrics and /health on this address"},
	{KeyLogLevel, "log-level", string(logging.LevelInfo), "log level (debug, info, warn, error)"},
	{KeyLogPretty, "log-pretty", false, "human readable console logs"},
}

// New returns a viper instance with defaults and environment lookup configured.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, f := range flags {
		v.SetDefault(f.key, f.value)
	}
	return v
}

// BindFlags registers one flag per key on fs and binds it to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	for _, f := range flags {
		switch def := f.value.(type) {
		case string:
			fs.String(f.flag, def, f.usage)
		case int:
			fs.Int(f.flag, def, f.usage)
		case bool:
			fs.Bool(f.flag, def, f.usage)
		default:
			return fmt.Errorf("flag %s: unsupported default %T", f.flag, f.value)
		}
		if err := v.BindPFlag(f.key, fs.Lookup(f.flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", f.flag, err)
		}
	}
	return nil
}

// Load reads the optional config file and decodes all settings.
// It does not validate; callers pick the checks their command needs.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing key needed to authenticate and export.
func (c *Config) Validate() error {
	var missing []string
	for key, value := range map[string]string{
		KeyConsumerKey:    c.ConsumerKey,
		KeyUsername:       c.Username,
		KeyLoginURL:       c.LoginURL,
		KeyPrivateKeyFile: c.PrivateKeyFile,
		KeyAPIVersion:     c.APIVersion,
		KeyUserAgent:      c.UserAgent,
		KeyOutputDir:      c.OutputDir,
	} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", "))
	}
	if c.ParallelJobs < 1 {
		return fmt.Errorf("%s must be >= 1 (got %d)", KeyParallelJobs, c.ParallelJobs)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("%s must be >= 1 (got %d)", KeyPageSize, c.PageSize)
	}
	return nil
}

// AuthSettings reads the private key file and returns the JWT bearer settings.
func (c *Config) AuthSettings() (auth.Settings, error) {
	key, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return auth.Settings{}, fmt.Errorf("read private key: %w", err)
	}
	return auth.Settings{
		PrivateKey:  key,
		ConsumerKey: c.ConsumerKey,
		Audience:    c.LoginURL,
		Username:    c.Username,
		APIVersion:  c.APIVersion,
	}, nil
}

// Redis returns a client for RedisAddr, or nil when no address is set.
func (c *Config) Redis() *redis.Client {
	if c.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: c.RedisAddr})
}

// ClientConfig maps the transport settings onto client.Config.
func (c *Config) ClientConfig(rdb *redis.Client) client.Config {
	cfg := client.DefaultConfig(rdb, c.UserAgent)
	cfg.RateLimit = c.RateLimit
	cfg.UsageWarnPercent = c.UsageWarnPercent
	cfg.UsageBlockPercent = c.UsageBlockPercent
	return cfg
}

// PaginationConfig maps the page size onto pagination.Config.
func (c *Config) PaginationConfig() pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.PageSize = c.PageSize
	return cfg
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}
