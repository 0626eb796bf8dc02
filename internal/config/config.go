package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	OpenPhone  OpenPhoneConfig  `yaml:"openphone" mapstructure:"openphone"`
	Webhook    WebhookConfig    `yaml:"webhook" mapstructure:"webhook"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
	Media      MediaConfig      `yaml:"media" mapstructure:"media"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns      int    `yaml:"max_conns" mapstructure:"max_conns"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
	// ContactCacheTTLSecs bounds how long a resolved contact is reused
	// before it is read again.
	ContactCacheTTLSecs int `yaml:"contact_cache_ttl_secs" mapstructure:"contact_cache_ttl_secs"`
}

// OpenPhoneConfig holds provider API settings.
type OpenPhoneConfig struct {
	APIKey             string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL            string  `yaml:"base_url" mapstructure:"base_url"`
	ConnectTimeoutSecs int     `yaml:"connect_timeout_secs" mapstructure:"connect_timeout_secs"`
	ReadTimeoutSecs    int     `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// WebhookConfig configures inbound event verification.
type WebhookConfig struct {
	Secret          string `yaml:"secret" mapstructure:"secret"`
	SignatureHeader string `yaml:"signature_header" mapstructure:"signature_header"`
	Path            string `yaml:"path" mapstructure:"path"`
	ToleranceSecs   int    `yaml:"tolerance_secs" mapstructure:"tolerance_secs"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// ImportConfig configures the batch import.
type ImportConfig struct {
	BatchSize              int    `yaml:"batch_size" mapstructure:"batch_size"`
	CheckpointInterval     int    `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	CheckpointPath         string `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	CriticalErrorThreshold int    `yaml:"critical_error_threshold" mapstructure:"critical_error_threshold"`
	MaxAttempts            int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs       int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs           int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	DefaultRetryAfterSecs  int    `yaml:"default_retry_after_secs" mapstructure:"default_retry_after_secs"`
	FetchCallArtifacts     bool   `yaml:"fetch_call_artifacts" mapstructure:"fetch_call_artifacts"`
}

// MediaConfig configures the S3 attachment cache.
type MediaConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleCheckpointHours int     `yaml:"stale_checkpoint_hours" mapstructure:"stale_checkpoint_hours"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COMMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.busy_timeout_ms", 5000)
	v.SetDefault("store.contact_cache_ttl_secs", 600)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("openphone.base_url", "https://api.openphone.com/v1")
	v.SetDefault("openphone.connect_timeout_secs", 10)
	v.SetDefault("openphone.read_timeout_secs", 60)
	v.SetDefault("openphone.requests_per_second", 10)
	v.SetDefault("webhook.signature_header", "openphone-signature")
	v.SetDefault("webhook.path", "/webhooks/openphone")
	v.SetDefault("webhook.tolerance_secs", 0)
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("import.batch_size", 50)
	v.SetDefault("import.checkpoint_interval", 10)
	v.SetDefault("import.checkpoint_path", "commsync_import_checkpoint.json")
	v.SetDefault("import.critical_error_threshold", 5)
	v.SetDefault("import.max_attempts", 5)
	v.SetDefault("import.initial_backoff_ms", 1000)
	v.SetDefault("import.max_backoff_ms", 60000)
	v.SetDefault("import.default_retry_after_secs", 60)
	v.SetDefault("import.fetch_call_artifacts", true)
	v.SetDefault("media.region", "us-east-1")
	v.SetDefault("media.prefix", "media/")
	v.SetDefault("monitoring.failure_rate_threshold", 0.1)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_checkpoint_hours", 24)

	// Keys without defaults are only seen by Unmarshal when bound.
	for _, key := range []string{
		"store.database_url",
		"openphone.api_key",
		"webhook.secret",
		"media.enabled",
		"media.bucket",
		"media.endpoint",
		"media.access_key",
		"media.secret_key",
		"monitoring.webhook_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "import", "dry-run", "media", "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required")
			}
		case "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
		}
	}

	switch mode {
	case "serve":
		needStore()
		if c.Webhook.Secret == "" {
			errs = append(errs, "webhook.secret is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Webhook.ToleranceSecs < 0 {
			errs = append(errs, "webhook.tolerance_secs must be >= 0")
		}
	case "import":
		needStore()
		c.validateImport(&errs)
	case "dry-run":
		c.validateImport(&errs)
	case "media":
		needStore()
		if c.Media.Bucket == "" {
			errs = append(errs, "media.bucket is required")
		}
	case "store":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateImport(errs *[]string) {
	if c.OpenPhone.APIKey == "" {
		*errs = append(*errs, "openphone.api_key is required")
	}
	if c.Import.BatchSize < 1 || c.Import.BatchSize > 100 {
		*errs = append(*errs, "import.batch_size must be between 1 and 100")
	}
	if c.Import.CheckpointInterval < 1 {
		*errs = append(*errs, "import.checkpoint_interval must be >= 1")
	}
	if c.Import.CriticalErrorThreshold < 1 {
		*errs = append(*errs, "import.critical_error_threshold must be >= 1")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
