package internal

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"github.com/starford/ansuz/internal/indexer"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Index    IndexConfig       `yaml:"index"`
	Checksum ChecksumConfig    `yaml:"checksum"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Index.Validate(); err != nil {
		return err
	}
	if err := c.Checksum.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// Indexer returns the pipeline settings.
func (c *Config) Indexer() indexer.Config {
	return indexer.Config{
		Ignore:           c.Index.Ignore,
		RescanSchedule:   c.Index.RescanSchedule,
		MaxConcurrent:    c.Checksum.Workers(),
		DispatchInterval: ms(c.Checksum.DispatchIntervalMS),
		SweepInterval:    ms(c.Checksum.SweepIntervalMS),
		SweepBatchSize:   c.Checksum.SweepBatchSize,
		StabilityWindow:  ms(c.Checksum.StabilityWindowMS),
		RenameWindow:     ms(c.Checksum.RenameWindowMS),
		SoftTimeout:      ms(c.Checksum.SoftTimeoutMS),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// IndexConfig describes the indexed tree.
//
// Ignore takes gitignore-style patterns: a pattern without a slash matches
// a base name anywhere, one with a slash matches a root-relative path.
// Hidden entries are always skipped. An empty RescanSchedule disables the
// periodic full rescan.
type IndexConfig struct {
	Root               string   `yaml:"root"`
	Ignore             []string `yaml:"ignore"`
	RescanSchedule     string   `yaml:"rescan_schedule"`
	ProgressThrottleMS int      `yaml:"progress_throttle_ms"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.RescanSchedule, validation.By(validCronSpec)),
		validation.Field(&c.ProgressThrottleMS, validation.Min(0)),
	)
}

func validCronSpec(value any) error {
	spec, _ := value.(string)
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ChecksumConfig holds worker pool and scheduling settings. Durations are
// in milliseconds.
type ChecksumConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent_checksums"`
	DispatchIntervalMS int `yaml:"dispatch_interval_ms"`
	SweepIntervalMS    int `yaml:"sweep_interval_ms"`
	StabilityWindowMS  int `yaml:"stability_window_ms"`
	SoftTimeoutMS      int `yaml:"checksum_soft_timeout_ms"`
	SweepBatchSize     int `yaml:"sweep_batch_size"`
	RenameWindowMS     int `yaml:"rename_window_ms"`
}

// Validate validates the checksum configuration.
func (c *ChecksumConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxConcurrent, validation.Min(0), validation.Max(256)),
		validation.Field(&c.DispatchIntervalMS, validation.Required, validation.Min(10)),
		validation.Field(&c.SweepIntervalMS, validation.Required, validation.Min(100)),
		validation.Field(&c.StabilityWindowMS, validation.Required, validation.Min(10)),
		validation.Field(&c.SoftTimeoutMS, validation.Min(0)),
		validation.Field(&c.SweepBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.RenameWindowMS, validation.Required, validation.Min(1)),
	)
}

// Workers returns MaxConcurrent, or twice GOMAXPROCS capped at 8 when unset.
func (c *ChecksumConfig) Workers() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return min(2*runtime.GOMAXPROCS(0), 8)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Index: IndexConfig{
			Root:               "./data",
			ProgressThrottleMS: 500,
		},
		Checksum: ChecksumConfig{
			DispatchIntervalMS: 1000,
			SweepIntervalMS:    5000,
			StabilityWindowMS:  2000,
			SoftTimeoutMS:      300000,
			SweepBatchSize:     500,
			RenameWindowMS:     250,
		},
		SQLite: SQLiteConfig{
			Path: "./ansuz.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
