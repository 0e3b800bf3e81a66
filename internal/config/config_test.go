package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "numina.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[database]
backend = "sqlite"
path = "agents.db"

[provider]
provider = "openai"
api_key = "sk-test"
model = "gpt-4o-mini"
retry_attempts = 5
rpm = 60

[agent]
name = "pilot"
base_instructions = "Fly safe."
max_iterations = 8
message_cap = 40

[compression]
strategy = "recursive_summarization"
chunk_size = 20
summarization_model = "gpt-4o-mini"

[[groups]]
name = "crew"
pattern = "round_robin"
members = ["pilot", "navigator"]
check_interval = "20m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Backend != "sqlite" || cfg.Database.Path != "agents.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Provider.RetryAttempts != 5 || cfg.Provider.RPM != 60 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Agent.MaxIterations != 8 || cfg.Agent.MessageCap != 40 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Compression.Strategy != "recursive_summarization" || cfg.Compression.ChunkSize != 20 {
		t.Errorf("compression = %+v", cfg.Compression)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].CheckInterval.Duration() != 20*time.Minute {
		t.Errorf("groups = %+v", cfg.Groups)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `[provider]
provider = "ollama"`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Backend != "sqlite" || cfg.Database.Path != "numina.db" {
		t.Errorf("database defaults = %+v", cfg.Database)
	}
	if cfg.Compression.Strategy != "truncate" || cfg.Compression.KeepRecent != 50 {
		t.Errorf("compression defaults = %+v", cfg.Compression)
	}
	if cfg.Agent.MessageCap != 100 {
		t.Errorf("message cap default = %d", cfg.Agent.MessageCap)
	}
	if cfg.Observer.ServiceName != "numina" {
		t.Errorf("service name default = %q", cfg.Observer.ServiceName)
	}
}

func TestPostgresBackendInferredFromURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, `[database]
url = "postgres://localhost/numina"`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Database.Backend)
	}
}

func TestBadDurationRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `[[groups]]
name = "x"
check_interval = "soonish"`))
	if err == nil {
		t.Error("bad duration accepted")
	}
}
