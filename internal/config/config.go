package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Warehouse   WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Detect      DetectConfig    `yaml:"detect" mapstructure:"detect"`
	Apply       ApplyConfig     `yaml:"apply" mapstructure:"apply"`
	SMTP        SMTPConfig      `yaml:"smtp" mapstructure:"smtp"`
	Report      ReportConfig    `yaml:"report" mapstructure:"report"`
	Server      ServerConfig    `yaml:"server" mapstructure:"server"`
	Log         LogConfig       `yaml:"log" mapstructure:"log"`
	Environment string          `yaml:"environment" mapstructure:"environment"`
}

// WarehouseConfig configures the PostgreSQL data warehouse connection.
type WarehouseConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DetectConfig holds the detection rule tunables. Defaults mirror the
// controlling team's review thresholds; deployments override them via
// config file, environment, or a --rules YAML file.
type DetectConfig struct {
	MinConfidence      float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	FieldTolerance     float64 `yaml:"field_tolerance" mapstructure:"field_tolerance"`
	ValueUpperBound    float64 `yaml:"value_upper_bound" mapstructure:"value_upper_bound"`
	PendingWindowStart string  `yaml:"pending_window_start" mapstructure:"pending_window_start"`
	PendingWindowEnd   string  `yaml:"pending_window_end" mapstructure:"pending_window_end"`
}

// ApplyConfig configures the correction applier.
type ApplyConfig struct {
	AutoThreshold float64 `yaml:"auto_threshold" mapstructure:"auto_threshold"`
}

// SMTPConfig holds mail transport settings. Alerts are disabled when
// User or Password is empty.
type SMTPConfig struct {
	Host       string   `yaml:"host" mapstructure:"host"`
	Port       int      `yaml:"port" mapstructure:"port"`
	User       string   `yaml:"user" mapstructure:"user"`
	Password   string   `yaml:"password" mapstructure:"password"`
	From       string   `yaml:"from" mapstructure:"from"`
	Recipients []string `yaml:"recipients" mapstructure:"recipients"`
}

// ReportConfig configures divergence report output.
type ReportConfig struct {
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
}

// ServerConfig configures the REST facade.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	WriteRateRPS   float64  `yaml:"write_rate_rps" mapstructure:"write_rate_rps"`
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
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("environment", "PRODUCTION")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"https://lookerstudio.google.com"})
	v.SetDefault("server.write_rate_rps", 5)
	v.SetDefault("warehouse.max_conns", 10)
	v.SetDefault("warehouse.min_conns", 2)
	v.SetDefault("detect.min_confidence", 0.8)
	v.SetDefault("detect.field_tolerance", 0.01)
	v.SetDefault("detect.value_upper_bound", 100000)
	v.SetDefault("detect.pending_window_start", "2025-08-01")
	v.SetDefault("detect.pending_window_end", "2026-12-31")
	v.SetDefault("apply.auto_threshold", 0.95)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("report.output_dir", "reports")

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

// Validate checks that the settings a command depends on are present.
// Commands that never touch the warehouse (e.g. report re-rendering from
// a JSON dump) pass an empty command and skip the database check.
func (c *Config) Validate(command string) error {
	var missing []string

	switch command {
	case "process", "detect", "apply", "audit", "serve", "migrate", "sweep", "schedule":
		if c.Warehouse.DatabaseURL == "" {
			missing = append(missing, "warehouse.database_url")
		}
	}

	if command == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}

	if c.Detect.MinConfidence < 0 || c.Detect.MinConfidence > 1 {
		return eris.Errorf("config: detect.min_confidence %v out of range [0,1]", c.Detect.MinConfidence)
	}
	if c.Apply.AutoThreshold < 0 || c.Apply.AutoThreshold > 1 {
		return eris.Errorf("config: apply.auto_threshold %v out of range [0,1]", c.Apply.AutoThreshold)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings for %s: %s", command, strings.Join(missing, ", "))
	}
	return nil
}

// MailEnabled reports whether SMTP alerting is configured.
func (c *SMTPConfig) MailEnabled() bool {
	return c.Host != "" && c.User != "" && c.Password != "" && len(c.Recipients) > 0
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
