// Package config loads and validates the worker configuration and runs
// the service lifecycle: ordered start, SIGHUP reset, and graceful
// shutdown in reverse start order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Config is the full worker configuration. One file serves every
// binary; each worker reads the groups it needs.
type Config struct {
	// Host identifies this worker in service heartbeats and claims.
	Host string `mapstructure:"host" validate:"required"`

	// NotificationLevel is the minimum priority put on the bus.
	NotificationLevel string `mapstructure:"notification_level" validate:"omitempty,oneof=DEBUG INFO WARNING ERROR CRITICAL"`

	// ServiceDownTime is the heartbeat age past which a peer counts as
	// FAILED.
	ServiceDownTime time.Duration `mapstructure:"service_down_time" validate:"gt=0"`

	Database       DatabaseConfig       `mapstructure:"database"`
	DecisionEngine DecisionEngineConfig `mapstructure:"decision_engine"`
	Applier        ApplierConfig        `mapstructure:"applier"`
	Collector      CollectorConfig      `mapstructure:"collector"`

	// PolicyPaths are extra admission policy files or directories
	// loaded next to the built-ins.
	PolicyPaths []string `mapstructure:"policy_paths"`
}

// DatabaseConfig locates the shared store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// DecisionEngineConfig tunes the decision-engine worker.
type DecisionEngineConfig struct {
	MaxWorkers              int           `mapstructure:"max_workers" validate:"gt=0"`
	ContinuousAuditInterval time.Duration `mapstructure:"continuous_audit_interval" validate:"gt=0"`
	CheckPeriodicInterval   time.Duration `mapstructure:"check_periodic_interval" validate:"gt=0"`
	ActionPlanExpiry        time.Duration `mapstructure:"action_plan_expiry" validate:"gt=0"`

	// Datasources orders the metric backends strategies may use.
	Datasources []string `mapstructure:"datasources"`
}

// ApplierConfig tunes the applier worker.
type ApplierConfig struct {
	ConductorTopic string `mapstructure:"conductor_topic" validate:"required"`
	PublisherID    string `mapstructure:"publisher_id"`
	MaxWorkers     int    `mapstructure:"max_workers" validate:"gt=0"`
}

// CollectorConfig selects the cluster data model collectors.
type CollectorConfig struct {
	CollectorPlugins []string `mapstructure:"collector_plugins" validate:"min=1"`
}

// Default returns the stock configuration. Host stays empty; Load fills
// it from the file, the environment, or os.Hostname.
func Default() Config {
	return Config{
		NotificationLevel: "INFO",
		ServiceDownTime:   90 * time.Second,
		Database: DatabaseConfig{
			Path: "/var/lib/fleetwise/fleetwise.db",
		},
		DecisionEngine: DecisionEngineConfig{
			MaxWorkers:              2,
			ContinuousAuditInterval: 10 * time.Second,
			CheckPeriodicInterval:   30 * time.Minute,
			ActionPlanExpiry:        24 * time.Hour,
			Datasources:             []string{"fake"},
		},
		Applier: ApplierConfig{
			ConductorTopic: "fleetwise.conductor",
			MaxWorkers:     10,
		},
		Collector: CollectorConfig{
			CollectorPlugins: []string{"compute"},
		},
	}
}

// Load reads the configuration from path, environment variables
// prefixed FLEETWISE_, and the defaults, then validates it. An empty
// path searches the usual locations and tolerates a missing file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("FLEETWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, core.NewPermanentError("failed to read configuration file", err).
				WithCode(core.ErrCodeConfiguration)
		}
	} else {
		v.SetConfigName("fleetwise")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/fleetwise")
		v.AddConfigPath("$HOME/.fleetwise")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, core.NewPermanentError("failed to read configuration file", err).
					WithCode(core.ErrCodeConfiguration)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, core.NewPermanentError("failed to decode configuration", err).
			WithCode(core.ErrCodeConfiguration)
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every constraint tag and reports the first offending
// field.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		f := invalid[0]
		return core.NewPermanentError(
			fmt.Sprintf("invalid configuration: %s fails %s", f.Namespace(), f.Tag()), err).
			WithCode(core.ErrCodeConfiguration)
	}
	return core.NewPermanentError("invalid configuration", err).
		WithCode(core.ErrCodeConfiguration)
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("notification_level", cfg.NotificationLevel)
	v.SetDefault("service_down_time", cfg.ServiceDownTime)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("decision_engine.max_workers", cfg.DecisionEngine.MaxWorkers)
	v.SetDefault("decision_engine.continuous_audit_interval", cfg.DecisionEngine.ContinuousAuditInterval)
	v.SetDefault("decision_engine.check_periodic_interval", cfg.DecisionEngine.CheckPeriodicInterval)
	v.SetDefault("decision_engine.action_plan_expiry", cfg.DecisionEngine.ActionPlanExpiry)
	v.SetDefault("decision_engine.datasources", cfg.DecisionEngine.Datasources)
	v.SetDefault("applier.conductor_topic", cfg.Applier.ConductorTopic)
	v.SetDefault("applier.publisher_id", cfg.Applier.PublisherID)
	v.SetDefault("applier.max_workers", cfg.Applier.MaxWorkers)
	v.SetDefault("collector.collector_plugins", cfg.Collector.CollectorPlugins)
	v.SetDefault("policy_paths", cfg.PolicyPaths)
}
