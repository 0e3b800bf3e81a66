// Package config loads runtime configuration from TOML.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level runtime configuration.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Provider    ProviderConfig    `toml:"provider"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Agent       AgentConfig       `toml:"agent"`
	Compression CompressionConfig `toml:"compression"`
	Observer    ObserverConfig    `toml:"observer"`
	Groups      []GroupConfig     `toml:"groups"`
}

// DatabaseConfig selects and parameterizes the store backend.
type DatabaseConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend string `toml:"backend"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// URL is the Postgres connection string.
	URL string `toml:"url"`
}

// ProviderConfig parameterizes the model provider chain.
type ProviderConfig struct {
	Provider      string `toml:"provider"`
	APIKey        string `toml:"api_key"`
	BaseURL       string `toml:"base_url"`
	Model         string `toml:"model"`
	RetryAttempts int    `toml:"retry_attempts"`
	RPM           int    `toml:"rpm"`
	TPM           int    `toml:"tpm"`
}

// EmbeddingConfig parameterizes the optional embedding provider.
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

// AgentConfig carries per-agent defaults.
type AgentConfig struct {
	Name             string   `toml:"name"`
	Type             string   `toml:"type"`
	BaseInstructions string   `toml:"base_instructions"`
	Model            string   `toml:"model"`
	MaxIterations    int      `toml:"max_iterations"`
	MessageCap       int      `toml:"message_cap"`
	MaxTokens        int      `toml:"max_tokens"`
	Temperature      float64  `toml:"temperature"`
	PinnedNotes      []string `toml:"pinned_notes"`
}

// CompressionConfig selects the history compression strategy.
type CompressionConfig struct {
	// Strategy is "truncate", "recursive_summarization",
	// "importance_based", or "time_decay".
	Strategy           string   `toml:"strategy"`
	KeepRecent         int      `toml:"keep_recent"`
	KeepImportant      int      `toml:"keep_important"`
	MinKeepRecent      int      `toml:"min_keep_recent"`
	ChunkSize          int      `toml:"chunk_size"`
	SummarizationModel string   `toml:"summarization_model"`
	CompressAfter      duration `toml:"compress_after"`
	ImportantKeywords  []string `toml:"important_keywords"`
}

// ObserverConfig configures tracing and metrics export.
type ObserverConfig struct {
	Enabled      bool   `toml:"enabled"`
	Endpoint     string `toml:"endpoint"`
	ServiceName  string `toml:"service_name"`
	SampleRatio  float64 `toml:"sample_ratio"`
}

// GroupConfig declares one coordination group.
type GroupConfig struct {
	Name          string   `toml:"name"`
	Pattern       string   `toml:"pattern"`
	Members       []string `toml:"members"`
	Supervisor    string   `toml:"supervisor"`
	Selector      string   `toml:"selector"`
	Quorum        int      `toml:"quorum"`
	CheckInterval duration `toml:"check_interval"`
}

// duration unmarshals TOML strings like "90s" or "20m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration converts to time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Load reads and decodes the TOML file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadDefault looks for numina.toml in the working directory, then under
// $XDG_CONFIG_HOME (or ~/.config) in a numina directory.
func LoadDefault() (Config, error) {
	if _, err := os.Stat("numina.toml"); err == nil {
		return Load("numina.toml")
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, err
		}
		base = filepath.Join(home, ".config")
	}
	return Load(filepath.Join(base, "numina", "numina.toml"))
}

func (c *Config) applyDefaults() {
	if c.Database.Backend == "" {
		if c.Database.URL != "" {
			c.Database.Backend = "postgres"
		} else {
			c.Database.Backend = "sqlite"
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = "numina.db"
	}
	if c.Compression.Strategy == "" {
		c.Compression.Strategy = "truncate"
	}
	if c.Compression.KeepRecent == 0 {
		c.Compression.KeepRecent = 50
	}
	if c.Agent.MessageCap == 0 {
		c.Agent.MessageCap = 100
	}
	if c.Observer.ServiceName == "" {
		c.Observer.ServiceName = "numina"
	}
}
