package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Staging     StagingConfig     `yaml:"staging" mapstructure:"staging"`
	Ledger      LedgerConfig      `yaml:"ledger" mapstructure:"ledger"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Reconstruct ReconstructConfig `yaml:"reconstruct" mapstructure:"reconstruct"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StagingConfig configures the SQLite workspace holding raw, cleaned and
// validated table slots.
type StagingConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LedgerConfig configures the A/R ledger backend.
type LedgerConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PipelineConfig configures the staged ETL pipeline.
type PipelineConfig struct {
	TablesFile         string `yaml:"tables_file" mapstructure:"tables_file"`
	ReportsDir         string `yaml:"reports_dir" mapstructure:"reports_dir"`
	EnforceQualityGate bool   `yaml:"enforce_quality_gate" mapstructure:"enforce_quality_gate"`
}

// ReconstructConfig configures the A/R reconstruction batch processor.
type ReconstructConfig struct {
	Mode              string          `yaml:"mode" mapstructure:"mode"`
	BatchSize         int             `yaml:"batch_size" mapstructure:"batch_size"`
	SuccessThreshold  float64         `yaml:"success_threshold" mapstructure:"success_threshold"`
	MinSample         int             `yaml:"min_sample" mapstructure:"min_sample"`
	ReviewVariancePct float64         `yaml:"review_variance_pct" mapstructure:"review_variance_pct"`
	HighVariancePct   float64         `yaml:"high_variance_pct" mapstructure:"high_variance_pct"`
	MinNoteConfidence float64         `yaml:"min_note_confidence" mapstructure:"min_note_confidence"`
	ProgressEvery     int             `yaml:"progress_every" mapstructure:"progress_every"`
	RatePerSecond     float64         `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	ReportsDir        string          `yaml:"reports_dir" mapstructure:"reports_dir"`
	Directory         DirectoryConfig `yaml:"directory" mapstructure:"directory"`
	Pricing           PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
}

// DirectoryConfig names the staging target tables used for student, term and
// enrollment lookups.
type DirectoryConfig struct {
	StudentTable      string `yaml:"student_table" mapstructure:"student_table"`
	StudentKey        string `yaml:"student_key" mapstructure:"student_key"`
	TermTable         string `yaml:"term_table" mapstructure:"term_table"`
	TermKey           string `yaml:"term_key" mapstructure:"term_key"`
	EnrollmentTable   string `yaml:"enrollment_table" mapstructure:"enrollment_table"`
	EnrollmentStudent string `yaml:"enrollment_student" mapstructure:"enrollment_student"`
	EnrollmentTerm    string `yaml:"enrollment_term" mapstructure:"enrollment_term"`
}

// PricingConfig holds tuition rates used to compute theoretical totals.
type PricingConfig struct {
	PerCreditHour    string  `yaml:"per_credit_hour" mapstructure:"per_credit_hour"`
	PerCourse        string  `yaml:"per_course" mapstructure:"per_course"`
	EarlyBirdDays    int     `yaml:"early_bird_days" mapstructure:"early_bird_days"`
	EarlyBirdPercent float64 `yaml:"early_bird_percent" mapstructure:"early_bird_percent"`
}

// RetryConfig configures retries of transient database errors.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// MonitoringConfig configures batch health alerts.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RecordFailureThreshold float64 `yaml:"record_failure_threshold" mapstructure:"record_failure_threshold"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("staging.path", "staging.db")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.path", "ledger.db")
	v.SetDefault("pipeline.tables_file", "configs/tables.yaml")
	v.SetDefault("pipeline.reports_dir", "reports")
	v.SetDefault("pipeline.enforce_quality_gate", false)
	v.SetDefault("reconstruct.mode", "integrated")
	v.SetDefault("reconstruct.batch_size", 1000)
	v.SetDefault("reconstruct.success_threshold", 0.8)
	v.SetDefault("reconstruct.min_sample", 100)
	v.SetDefault("reconstruct.review_variance_pct", 5.0)
	v.SetDefault("reconstruct.high_variance_pct", 10.0)
	v.SetDefault("reconstruct.min_note_confidence", 0.7)
	v.SetDefault("reconstruct.progress_every", 500)
	v.SetDefault("reconstruct.rate_per_second", 0)
	v.SetDefault("reconstruct.reports_dir", "reports")
	v.SetDefault("reconstruct.directory.student_table", "students")
	v.SetDefault("reconstruct.directory.student_key", "legacy_id")
	v.SetDefault("reconstruct.directory.term_table", "terms")
	v.SetDefault("reconstruct.directory.term_key", "term_code")
	v.SetDefault("reconstruct.directory.enrollment_table", "class_enrollments")
	v.SetDefault("reconstruct.directory.enrollment_student", "student_legacy_id")
	v.SetDefault("reconstruct.directory.enrollment_term", "term_code")
	v.SetDefault("reconstruct.pricing.per_credit_hour", "60.00")
	v.SetDefault("reconstruct.pricing.per_course", "180.00")
	v.SetDefault("reconstruct.pricing.early_bird_days", 14)
	v.SetDefault("reconstruct.pricing.early_bird_percent", 10.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.record_failure_threshold", 0.2)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings required by a command mode ("pipeline",
// "reconstruct" or "ledger").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "pipeline":
		if c.Staging.Path == "" {
			errs = append(errs, "staging.path is required")
		}
		if c.Pipeline.TablesFile == "" {
			errs = append(errs, "pipeline.tables_file is required")
		}
	case "reconstruct":
		if c.Staging.Path == "" {
			errs = append(errs, "staging.path is required")
		}
		if c.Reconstruct.BatchSize <= 0 {
			errs = append(errs, "reconstruct.batch_size must be positive")
		}
		if c.Reconstruct.SuccessThreshold < 0 || c.Reconstruct.SuccessThreshold > 1 {
			errs = append(errs, "reconstruct.success_threshold must be between 0 and 1")
		}
		if c.Reconstruct.HighVariancePct < c.Reconstruct.ReviewVariancePct {
			errs = append(errs, "reconstruct.high_variance_pct must be >= review_variance_pct")
		}
		errs = append(errs, c.ledgerErrors()...)
	case "ledger":
		errs = append(errs, c.ledgerErrors()...)
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) ledgerErrors() []string {
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.Path == "" {
			return []string{"ledger.path is required for the sqlite driver"}
		}
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			return []string{"ledger.database_url is required for the postgres driver"}
		}
	default:
		return []string{"ledger.driver must be sqlite or postgres"}
	}
	return nil
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
