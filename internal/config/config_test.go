package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_Env(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")
	t.Setenv(EnvConfigPath, path)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, path)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8080 || cfg.LLM.Provider != "ollama" {
		t.Errorf("listen/provider defaults = %d/%q", cfg.Listen.Port, cfg.LLM.Provider)
	}
	if cfg.Agent.MaxToolRounds != 5 || cfg.Agent.ProviderTimeout != 60*time.Second {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Booking.ChangeWindow != 24*time.Hour || cfg.Booking.CancelWindow != 48*time.Hour {
		t.Errorf("booking windows = %s/%s", cfg.Booking.ChangeWindow, cfg.Booking.CancelWindow)
	}
	if cfg.Broker.SeatTimeout >= cfg.Agent.ToolTimeout {
		t.Errorf("seat_timeout %s not below tool_timeout %s", cfg.Broker.SeatTimeout, cfg.Agent.ToolTimeout)
	}
	if cfg.Terms.Embedder != "ollama" || cfg.Terms.EmbeddingModel != "nomic-embed-text" || cfg.Terms.TopK != 3 {
		t.Errorf("terms defaults = %+v", cfg.Terms)
	}
}

func TestLoad_TermsEmbedderModel(t *testing.T) {
	cfg, err := Load(writeConfig(t, "llm:\n  openai:\n    api_key: sk-test\nterms:\n  embedder: openai\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Terms.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("openai embedding model = %q", cfg.Terms.EmbeddingModel)
	}

	cfg, err = Load(writeConfig(t, "terms:\n  embedder: none\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Terms.EmbeddingModel != "" {
		t.Errorf("embedding model without embedder = %q", cfg.Terms.EmbeddingModel)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
agent:
  tool_timeout: 3m
  parallel_tools: true
broker:
  seat_timeout: 45s
booking:
  change_window: 12h
mcp:
  servers:
    - name: fares
      command: fare-server
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ToolTimeout != 3*time.Minute || cfg.Broker.SeatTimeout != 45*time.Second {
		t.Errorf("timeouts = %s/%s", cfg.Agent.ToolTimeout, cfg.Broker.SeatTimeout)
	}
	if !cfg.Agent.ParallelTools || cfg.Booking.ChangeWindow != 12*time.Hour {
		t.Errorf("agent=%+v booking=%+v", cfg.Agent, cfg.Booking)
	}
	if got := cfg.MCP.Servers[0].Transport; got != "stdio" {
		t.Errorf("default transport = %q, want stdio", got)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("FUNNAIR_TEST_KEY", "sk-ant-secret")
	cfg, err := Load(writeConfig(t, "llm:\n  provider: anthropic\n  anthropic:\n    api_key: ${FUNNAIR_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.Anthropic.APIKey != "sk-ant-secret" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.Anthropic.APIKey, "sk-ant-secret")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown provider", "llm:\n  provider: bard\n", "llm.provider"},
		{"missing anthropic key", "llm:\n  provider: anthropic\n", "api_key"},
		{"seat timeout too long", "agent:\n  tool_timeout: 30s\nbroker:\n  seat_timeout: 60s\n  request_ttl: 90s\n", "seat_timeout"},
		{"stdio without command", "mcp:\n  servers:\n    - name: x\n", "command is required"},
		{"http without url", "mcp:\n  servers:\n    - name: x\n      transport: http\n", "url is required"},
		{"duplicate server", "mcp:\n  servers:\n    - {name: x, command: a}\n    - {name: x, command: b}\n", "duplicate name"},
		{"unknown terms embedder", "terms:\n  embedder: word2vec\n", "terms.embedder"},
		{"openai embedder without key", "terms:\n  embedder: openai\n", "openai terms embedder"},
		{"negative terms top_k", "terms:\n  top_k: -1\n", "terms.top_k"},
		{"bad log level", "log_level: loud\n", "unknown log level"},
		{"bad log format", "log_format: xml\n", "log_format"},
		{"bad yaml", "listen: [\n", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if !cfg.Booking.Seed {
		t.Error("Default() should seed demo bookings")
	}
	if got := cfg.Listen.Addr(); got != ":8080" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FUNNAIR_DOTENV_A=from-file\nFUNNAIR_DOTENV_B=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FUNNAIR_DOTENV_A", "")
	os.Unsetenv("FUNNAIR_DOTENV_A")
	t.Setenv("FUNNAIR_DOTENV_B", "preset")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("FUNNAIR_DOTENV_A"); got != "from-file" {
		t.Errorf("A = %q, want from-file", got)
	}
	if got := os.Getenv("FUNNAIR_DOTENV_B"); got != "preset" {
		t.Errorf("B = %q, want preset (not overridden)", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, LevelTrace, "json").Log(t.Context(), LevelTrace, "payload", "n", 1)
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("json output = %s", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug written at info level: %s", buf.String())
	}
}
