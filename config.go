package farmsync

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/hyperengineering/farmsync/internal/workspace"
	"gopkg.in/yaml.v3"
)

// Config configures the farmsync client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Workspace.
	LocalPath string

	// Workspace selects the database under the workspace root.
	// If empty, resolved as explicit > FARMSYNC_WORKSPACE env > "default".
	Workspace string

	// APIURL is the base URL of the registration backend.
	// If empty, operates in offline-only mode.
	APIURL string

	// APIToken is the bearer token sent with every request.
	APIToken string

	// SourceID identifies this device. Defaults to hostname.
	SourceID string

	// SyncInterval is how often the scheduler runs a cycle. Defaults to 5 minutes.
	SyncInterval time.Duration

	// AutoSync starts the background scheduler in New. Defaults to true.
	AutoSync bool

	// OfflineMode disables all network operations even when APIURL is set.
	OfflineMode bool

	// MaxBatchSize caps the records submitted per cycle. Defaults to 100.
	MaxBatchSize int

	// SubmitTimeout bounds one batch submission. Defaults to 30 seconds.
	SubmitTimeout time.Duration

	// ProbeTimeout bounds one connectivity probe. Defaults to 3 seconds.
	ProbeTimeout time.Duration

	// RetryPolicy is "auto" (default) or "manual".
	RetryPolicy RetryPolicy

	// MaxAttempts stops automatic resubmission after this many rejections. Defaults to 5.
	MaxAttempts int

	// BackoffBase and BackoffMax bound the wait after an aborted cycle.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// LogLevel is debug, info, warn or error. LogFormat is json or console.
	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config with sensible defaults.
// Workspace and LocalPath stay empty so WithDefaults can derive them from
// whatever workspace is finally selected.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		SourceID:      hostname,
		SyncInterval:  5 * time.Minute,
		AutoSync:      true,
		MaxBatchSize:  100,
		SubmitTimeout: 30 * time.Second,
		ProbeTimeout:  3 * time.Second,
		RetryPolicy:   RetryAuto,
		MaxAttempts:   5,
		BackoffBase:   30 * time.Second,
		BackoffMax:    15 * time.Minute,
		LogLevel:      "info",
		LogFormat:     logging.FormatJSON,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	FARMSYNC_DB_PATH         → LocalPath
//	FARMSYNC_WORKSPACE       → Workspace
//	FARMSYNC_API_URL         → APIURL
//	FARMSYNC_API_TOKEN       → APIToken
//	FARMSYNC_SOURCE_ID       → SourceID
//	FARMSYNC_SYNC_INTERVAL   → SyncInterval (Go duration)
//	FARMSYNC_AUTO_SYNC       → AutoSync (true/false)
//	FARMSYNC_OFFLINE         → OfflineMode (true/false)
//	FARMSYNC_MAX_BATCH_SIZE  → MaxBatchSize
//	FARMSYNC_SUBMIT_TIMEOUT  → SubmitTimeout
//	FARMSYNC_PROBE_TIMEOUT   → ProbeTimeout
//	FARMSYNC_RETRY_POLICY    → RetryPolicy
//	FARMSYNC_MAX_ATTEMPTS    → MaxAttempts
//	FARMSYNC_BACKOFF_BASE    → BackoffBase
//	FARMSYNC_BACKOFF_MAX     → BackoffMax
//	FARMSYNC_LOG_LEVEL       → LogLevel
//	FARMSYNC_LOG_FORMAT      → LogFormat
//
// Unparseable values are ignored.
func ConfigFromEnv() Config {
	return Config{}.ApplyEnv()
}

// ApplyEnv returns c with every set FARMSYNC_* variable applied on top.
func (c Config) ApplyEnv() Config {
	envString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envString("FARMSYNC_DB_PATH", &c.LocalPath)
	envString("FARMSYNC_WORKSPACE", &c.Workspace)
	envString("FARMSYNC_API_URL", &c.APIURL)
	envString("FARMSYNC_API_TOKEN", &c.APIToken)
	envString("FARMSYNC_SOURCE_ID", &c.SourceID)
	envDuration("FARMSYNC_SYNC_INTERVAL", &c.SyncInterval)
	envBool("FARMSYNC_AUTO_SYNC", &c.AutoSync)
	envBool("FARMSYNC_OFFLINE", &c.OfflineMode)
	envInt("FARMSYNC_MAX_BATCH_SIZE", &c.MaxBatchSize)
	envDuration("FARMSYNC_SUBMIT_TIMEOUT", &c.SubmitTimeout)
	envDuration("FARMSYNC_PROBE_TIMEOUT", &c.ProbeTimeout)
	if v := os.Getenv("FARMSYNC_RETRY_POLICY"); v != "" {
		c.RetryPolicy = RetryPolicy(v)
	}
	envInt("FARMSYNC_MAX_ATTEMPTS", &c.MaxAttempts)
	envDuration("FARMSYNC_BACKOFF_BASE", &c.BackoffBase)
	envDuration("FARMSYNC_BACKOFF_MAX", &c.BackoffMax)
	envString("FARMSYNC_LOG_LEVEL", &c.LogLevel)
	envString("FARMSYNC_LOG_FORMAT", &c.LogFormat)
	return c
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// fileConfig is the YAML layout of a config file. The API token is env or flag only.
type fileConfig struct {
	Store struct {
		Path      string `yaml:"path"`
		Workspace string `yaml:"workspace"`
	} `yaml:"store"`
	Remote struct {
		URL           string   `yaml:"url"`
		SourceID      string   `yaml:"source_id"`
		SubmitTimeout Duration `yaml:"submit_timeout"`
		ProbeTimeout  Duration `yaml:"probe_timeout"`
		Offline       bool     `yaml:"offline"`
	} `yaml:"remote"`
	Sync struct {
		Interval     Duration    `yaml:"interval"`
		Auto         bool        `yaml:"auto"`
		MaxBatchSize int         `yaml:"max_batch_size"`
		RetryPolicy  RetryPolicy `yaml:"retry_policy"`
		MaxAttempts  int         `yaml:"max_attempts"`
		BackoffBase  Duration    `yaml:"backoff_base"`
		BackoffMax   Duration    `yaml:"backoff_max"`
	} `yaml:"sync"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c Config) toFile() fileConfig {
	var f fileConfig
	f.Store.Path = c.LocalPath
	f.Store.Workspace = c.Workspace
	f.Remote.URL = c.APIURL
	f.Remote.SourceID = c.SourceID
	f.Remote.SubmitTimeout = Duration(c.SubmitTimeout)
	f.Remote.ProbeTimeout = Duration(c.ProbeTimeout)
	f.Remote.Offline = c.OfflineMode
	f.Sync.Interval = Duration(c.SyncInterval)
	f.Sync.Auto = c.AutoSync
	f.Sync.MaxBatchSize = c.MaxBatchSize
	f.Sync.RetryPolicy = c.RetryPolicy
	f.Sync.MaxAttempts = c.MaxAttempts
	f.Sync.BackoffBase = Duration(c.BackoffBase)
	f.Sync.BackoffMax = Duration(c.BackoffMax)
	f.Log.Level = c.LogLevel
	f.Log.Format = c.LogFormat
	return f
}

func (f fileConfig) apply(c Config) Config {
	c.LocalPath = f.Store.Path
	c.Workspace = f.Store.Workspace
	c.APIURL = f.Remote.URL
	c.SourceID = f.Remote.SourceID
	c.SubmitTimeout = time.Duration(f.Remote.SubmitTimeout)
	c.ProbeTimeout = time.Duration(f.Remote.ProbeTimeout)
	c.OfflineMode = f.Remote.Offline
	c.SyncInterval = time.Duration(f.Sync.Interval)
	c.AutoSync = f.Sync.Auto
	c.MaxBatchSize = f.Sync.MaxBatchSize
	c.RetryPolicy = f.Sync.RetryPolicy
	c.MaxAttempts = f.Sync.MaxAttempts
	c.BackoffBase = time.Duration(f.Sync.BackoffBase)
	c.BackoffMax = time.Duration(f.Sync.BackoffMax)
	c.LogLevel = f.Log.Level
	c.LogFormat = f.Log.Format
	return c
}

// LoadConfigFile returns c with the YAML file at path applied on top.
// Keys absent from the file keep their value from c. A missing file is not an error.
func (c Config) LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading config file: %w", err)
	}

	f := c.toFile()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return c, fmt.Errorf("parsing config file: %w", err)
	}
	return f.apply(c), nil
}

// MarshalYAML renders c in config file layout.
func (c Config) MarshalYAML() (interface{}, error) {
	return c.toFile(), nil
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Workspace != "" {
		if err := workspace.ValidateID(c.Workspace); err != nil {
			return &ValidationError{Field: "Workspace", Message: err.Error()}
		}
	}

	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.MaxBatchSize < 0 {
		return &ValidationError{Field: "MaxBatchSize", Message: "must be non-negative"}
	}
	if c.MaxAttempts < 0 {
		return &ValidationError{Field: "MaxAttempts", Message: "must be non-negative"}
	}
	if c.SubmitTimeout < 0 || c.ProbeTimeout < 0 {
		return &ValidationError{Field: "Timeout", Message: "must be non-negative"}
	}
	if c.BackoffMax > 0 && c.BackoffMax < c.BackoffBase {
		return &ValidationError{Field: "BackoffMax", Message: "must not be less than BackoffBase"}
	}
	if c.RetryPolicy != "" && !c.RetryPolicy.IsValid() {
		return &ValidationError{Field: "RetryPolicy", Message: fmt.Sprintf("must be %q or %q", RetryAuto, RetryManual)}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return &ValidationError{Field: "LogLevel", Message: err.Error()}
	}
	if c.LogFormat != "" && c.LogFormat != logging.FormatJSON && c.LogFormat != logging.FormatConsole {
		return &ValidationError{Field: "LogFormat", Message: "must be json or console"}
	}

	return nil
}

// IsOffline returns true if the client operates in offline-only mode.
func (c *Config) IsOffline() bool {
	return c.APIURL == "" || c.OfflineMode
}

// WithDefaults fills in default values for unset fields.
// LocalPath is derived from the resolved workspace if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Workspace == "" {
		if resolved, err := workspace.Resolve(""); err == nil {
			c.Workspace = resolved
		} else {
			c.Workspace = workspace.Default
		}
	}
	if c.LocalPath == "" {
		c.LocalPath = workspace.DBPath("", c.Workspace)
	}

	if c.SourceID == "" {
		c.SourceID = defaults.SourceID
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = defaults.MaxBatchSize
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = defaults.SubmitTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	if c.RetryPolicy == "" {
		c.RetryPolicy = defaults.RetryPolicy
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}

	return c
}

func (c Config) engineConfig() EngineConfig {
	return EngineConfig{
		MaxBatchSize:  c.MaxBatchSize,
		SubmitTimeout: c.SubmitTimeout,
		RetryPolicy:   c.RetryPolicy,
		MaxAttempts:   c.MaxAttempts,
	}
}

func (c Config) schedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     c.SyncInterval,
		BackoffBase:  c.BackoffBase,
		BackoffMax:   c.BackoffMax,
		CycleTimeout: c.ProbeTimeout + c.SubmitTimeout + time.Minute,
	}
}
