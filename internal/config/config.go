package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Summarizer providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// Config holds application configuration.
type Config struct {
	// MaxContextTokens is the context window size the thresholds are fractions of.
	MaxContextTokens int `json:"max_context_tokens"`

	// CompressionStartThreshold starts background compaction when crossed (fraction of MaxContextTokens).
	CompressionStartThreshold float64 `json:"compression_start_threshold"`

	// ContextResetThreshold triggers the atomic context swap when crossed.
	ContextResetThreshold float64 `json:"context_reset_threshold"`

	// RecentTurnsKeep is how many live turns survive a reset and appear as recent context.
	RecentTurnsKeep int `json:"recent_turns_keep"`

	// CompactionTimeoutSeconds bounds how long a reset waits on background compaction.
	CompactionTimeoutSeconds float64 `json:"compaction_timeout_seconds"`

	// SessionIdleTimeoutHours expires sessions with no activity for this long.
	SessionIdleTimeoutHours float64 `json:"session_idle_timeout_hours"`

	// PersistEveryNTurns coalesces session activity writes.
	PersistEveryNTurns int `json:"persist_every_n_turns"`

	// ExpirySweepSchedule is a cron spec ("@every 5m", "*/10 * * * *").
	ExpirySweepSchedule string `json:"expiry_sweep_schedule"`

	// PersistQueueSize is the buffer of the async write queue.
	PersistQueueSize int `json:"persist_queue_size"`

	// EventBufferSize is the buffer of the observability bus. Events are dropped when full.
	EventBufferSize int `json:"event_buffer_size"`

	// StorageBackend selects "sqlite" (default), "postgres", or "memory" (nothing survives restart).
	StorageBackend string `json:"storage_backend"`

	// PostgresURL is the connection string used when StorageBackend is "postgres".
	PostgresURL string `json:"postgres_url,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use the driver default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// SummarizerProvider is "anthropic", "openai", or "none" (mechanical fallback only).
	// API keys are read from ANTHROPIC_API_KEY / OPENAI_API_KEY.
	SummarizerProvider string `json:"summarizer_provider"`

	// SummarizerModel overrides the provider's default model.
	SummarizerModel string `json:"summarizer_model,omitempty"`

	SummarizerMaxTokens   int     `json:"summarizer_max_tokens"`
	SummarizerTemperature float64 `json:"summarizer_temperature"`

	// CharactersFile is the YAML character catalog. Relative paths resolve against the base dir.
	CharactersFile string `json:"characters_file"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	WebBind string `json:"web_bind"`
	WebPort int    `json:"web_port"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxContextTokens:          8000,
		CompressionStartThreshold: 0.75,
		ContextResetThreshold:     0.85,
		RecentTurnsKeep:           10,
		CompactionTimeoutSeconds:  30,
		SessionIdleTimeoutHours:   24,
		PersistEveryNTurns:        10,
		ExpirySweepSchedule:       "@every 5m",
		PersistQueueSize:          256,
		EventBufferSize:           256,
		StorageBackend:            BackendSQLite,
		SummarizerProvider:        ProviderAnthropic,
		SummarizerMaxTokens:       2000,
		SummarizerTemperature:     0.3,
		CharactersFile:            "characters.yaml",
		LogLevel:                  "info",
		LogFormat:                 "text",
		WebBind:                   "127.0.0.1",
		WebPort:                   8484,
	}
}

// CompactionTimeout returns CompactionTimeoutSeconds as a duration.
func (c *Config) CompactionTimeout() time.Duration {
	return time.Duration(c.CompactionTimeoutSeconds * float64(time.Second))
}

// SessionIdleTimeout returns SessionIdleTimeoutHours as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutHours * float64(time.Hour))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens must be positive, got %d", c.MaxContextTokens)
	}
	if c.CompressionStartThreshold <= 0 || c.CompressionStartThreshold > 1 {
		return fmt.Errorf("compression_start_threshold must be in (0,1], got %v", c.CompressionStartThreshold)
	}
	if c.ContextResetThreshold <= 0 || c.ContextResetThreshold > 1 {
		return fmt.Errorf("context_reset_threshold must be in (0,1], got %v", c.ContextResetThreshold)
	}
	if c.CompressionStartThreshold >= c.ContextResetThreshold {
		return fmt.Errorf("compression_start_threshold (%v) must be below context_reset_threshold (%v)",
			c.CompressionStartThreshold, c.ContextResetThreshold)
	}
	if c.RecentTurnsKeep <= 0 {
		return fmt.Errorf("recent_turns_keep must be positive, got %d", c.RecentTurnsKeep)
	}
	if c.CompactionTimeoutSeconds <= 0 {
		return fmt.Errorf("compaction_timeout_seconds must be positive, got %v", c.CompactionTimeoutSeconds)
	}
	if c.SessionIdleTimeoutHours <= 0 {
		return fmt.Errorf("session_idle_timeout_hours must be positive, got %v", c.SessionIdleTimeoutHours)
	}
	if c.PersistEveryNTurns <= 0 {
		return fmt.Errorf("persist_every_n_turns must be positive, got %d", c.PersistEveryNTurns)
	}
	switch c.StorageBackend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres_url is required when storage_backend is postgres")
		}
	default:
		return fmt.Errorf("unknown storage_backend %q", c.StorageBackend)
	}
	switch c.SummarizerProvider {
	case ProviderAnthropic, ProviderOpenAI, ProviderNone:
	default:
		return fmt.Errorf("unknown summarizer_provider %q", c.SummarizerProvider)
	}
	return nil
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.mneme.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.mneme) and repo (.mneme) directories.
// Repo config is found by walking upward from startDir to find the nearest .mneme/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .mneme/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".mneme", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	return &Config{
		MaxContextTokens:          pick(overlay.MaxContextTokens, base.MaxContextTokens),
		CompressionStartThreshold: pick(overlay.CompressionStartThreshold, base.CompressionStartThreshold),
		ContextResetThreshold:     pick(overlay.ContextResetThreshold, base.ContextResetThreshold),
		RecentTurnsKeep:           pick(overlay.RecentTurnsKeep, base.RecentTurnsKeep),
		CompactionTimeoutSeconds:  pick(overlay.CompactionTimeoutSeconds, base.CompactionTimeoutSeconds),
		SessionIdleTimeoutHours:   pick(overlay.SessionIdleTimeoutHours, base.SessionIdleTimeoutHours),
		PersistEveryNTurns:        pick(overlay.PersistEveryNTurns, base.PersistEveryNTurns),
		ExpirySweepSchedule:       pick(overlay.ExpirySweepSchedule, base.ExpirySweepSchedule),
		PersistQueueSize:          pick(overlay.PersistQueueSize, base.PersistQueueSize),
		EventBufferSize:           pick(overlay.EventBufferSize, base.EventBufferSize),
		StorageBackend:            pick(overlay.StorageBackend, base.StorageBackend),
		PostgresURL:               pick(overlay.PostgresURL, base.PostgresURL),
		DBMaxOpenConns:            pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:            pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
		SummarizerProvider:        pick(overlay.SummarizerProvider, base.SummarizerProvider),
		SummarizerModel:           pick(overlay.SummarizerModel, base.SummarizerModel),
		SummarizerMaxTokens:       pick(overlay.SummarizerMaxTokens, base.SummarizerMaxTokens),
		SummarizerTemperature:     pick(overlay.SummarizerTemperature, base.SummarizerTemperature),
		CharactersFile:            pick(overlay.CharactersFile, base.CharactersFile),
		LogLevel:                  pick(overlay.LogLevel, base.LogLevel),
		LogFormat:                 pick(overlay.LogFormat, base.LogFormat),
		WebBind:                   pick(overlay.WebBind, base.WebBind),
		WebPort:                   pick(overlay.WebPort, base.WebPort),
		DisabledTools:             mergeStringSlice(base.DisabledTools, overlay.DisabledTools),
	}
}

// pick returns overlay unless it is the zero value.
func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
