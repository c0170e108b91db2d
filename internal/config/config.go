// Package config provides YAML configuration loading and validation for the
// fileaudit service.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tripwire/fileaudit/internal/model"
)

// Config is the top-level configuration structure.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogFormat is "json" or "text". Defaults to "json".
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`

	// HTTPAddr is the listen address for /healthz and /metrics. Defaults to
	// "127.0.0.1:9000". Set to "-" to disable the HTTP server.
	HTTPAddr string `yaml:"http_addr" validate:"required"`

	Store StoreConfig `yaml:"store"`

	// AuditLog is the path of the hash-chained audit trail. Empty disables
	// the trail; records then go to the store only.
	AuditLog string `yaml:"audit_log"`

	Monitor MonitorConfig `yaml:"monitor"`

	// Targets are upserted into the store before monitoring starts.
	Targets []TargetConfig `yaml:"targets" validate:"dive"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres". Defaults to "sqlite".
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`

	// DSN is a file path for sqlite or a connection string for postgres.
	// Defaults to "fileaudit.db" for sqlite.
	DSN string `yaml:"dsn" validate:"required"`
}

// MonitorConfig tunes the monitor's concurrency. Zero values select the
// monitor's own defaults.
type MonitorConfig struct {
	Workers       int           `yaml:"workers" validate:"gte=0"`
	WorkerQueue   int           `yaml:"worker_queue" validate:"gte=0"`
	QueueCapacity int           `yaml:"queue_capacity" validate:"gte=0"`
	EventBuffer   int           `yaml:"event_buffer" validate:"gte=0"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

// TargetConfig is one bootstrap watch target.
type TargetConfig struct {
	Path      string   `yaml:"path" validate:"required"`
	Type      string   `yaml:"type" validate:"oneof=FILE DIRECTORY"`
	Recursive bool     `yaml:"recursive"`
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`
}

// WatchTarget converts t into an enabled model.WatchTarget with a
// normalized path.
func (t TargetConfig) WatchTarget() (model.WatchTarget, error) {
	path, err := model.NormalizePath(t.Path)
	if err != nil {
		return model.WatchTarget{}, err
	}
	return model.WatchTarget{
		Path:      path,
		Kind:      model.PathKind(t.Type),
		Recursive: t.Recursive && t.Type == string(model.PathKindDirectory),
		Enabled:   true,
		Include:   t.Include,
		Exclude:   t.Exclude,
	}, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates it. Every validation failure is reported.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:9000"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "fileaudit.db"
	}
	if cfg.Monitor.WorkerQueue == 0 {
		cfg.Monitor.WorkerQueue = 1000
	}
	if cfg.Monitor.QueueCapacity == 0 {
		cfg.Monitor.QueueCapacity = 5000
	}
	if cfg.Monitor.ShutdownGrace == 0 {
		cfg.Monitor.ShutdownGrace = 5 * time.Second
	}
	for i := range cfg.Targets {
		cfg.Targets[i].Type = strings.ToUpper(cfg.Targets[i].Type)
		if cfg.Targets[i].Type == "" {
			cfg.Targets[i].Type = string(model.PathKindDirectory)
		}
	}
}

var structValidator = newValidator()

// newValidator reports fields by their yaml key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate runs the struct tags, then the rules that span fields.
func validate(cfg *Config) error {
	var errs []error

	if err := structValidator.Struct(cfg); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			for _, fe := range fields {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fieldPath(fe), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]int, len(cfg.Targets))
	for i, t := range cfg.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.Recursive && t.Type == string(model.PathKindFile) {
			errs = append(errs, fmt.Errorf("%s: recursive is only valid for DIRECTORY targets", prefix))
		}
		wt, err := t.WatchTarget()
		if err != nil {
			continue
		}
		if j, dup := seen[wt.Path]; dup {
			errs = append(errs, fmt.Errorf("%s: path %q duplicates targets[%d]", prefix, wt.Path, j))
		}
		seen[wt.Path] = i
	}

	return errors.Join(errs...)
}

// fieldPath trims the root struct from a namespace: "Config.store.dsn"
// becomes "store.dsn".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}
