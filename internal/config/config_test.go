package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openbounty.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address = %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" || cfg.Settlement.Driver != "memory" {
		t.Fatalf("driver defaults = %q/%q/%q", cfg.Storage.Driver, cfg.Queue.Driver, cfg.Settlement.Driver)
	}
	if cfg.Queue.Capacity != 1024 || cfg.Queue.Worker != 4 {
		t.Fatalf("queue defaults = %d/%d", cfg.Queue.Capacity, cfg.Queue.Worker)
	}
	if cfg.LLM.Provider != "openai" {
		t.Fatalf("llm provider = %q", cfg.LLM.Provider)
	}
	if cfg.Sweeper.Schedule != "@every 1m" || cfg.Sweeper.BatchLimit != 100 {
		t.Fatalf("sweeper defaults = %q/%d", cfg.Sweeper.Schedule, cfg.Sweeper.BatchLimit)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"audit": {"enabled": true, "path": "logs/audit.log"}},
		"settlement": {"driver": "chains", "chain_config": "chains.yaml"},
		"guard": {"patterns_file": "patterns.json"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	baseDir := filepath.Dir(path)
	if cfg.Logging.Audit.Path != filepath.Join(baseDir, "logs/audit.log") {
		t.Fatalf("audit path = %q", cfg.Logging.Audit.Path)
	}
	if cfg.Settlement.ChainConfig != filepath.Join(baseDir, "chains.yaml") {
		t.Fatalf("chain config = %q", cfg.Settlement.ChainConfig)
	}
	if cfg.Guard.PatternsFile != filepath.Join(baseDir, "patterns.json") {
		t.Fatalf("patterns file = %q", cfg.Guard.PatternsFile)
	}
}

func TestLoadKeepsAbsolutePaths(t *testing.T) {
	path := writeConfig(t, `{
		"settlement": {"chain_config": "/etc/openbounty/chains.yaml"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Settlement.ChainConfig != "/etc/openbounty/chains.yaml" {
		t.Fatalf("chain config = %q", cfg.Settlement.ChainConfig)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file should fail")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Fatal("malformed json should fail")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Storage: StorageConfig{ConnMaxLifetimeSeconds: 1800, ConnMaxIdleTimeSeconds: 300},
		LLM:     LLMConfig{OpenAI: OpenAIConfig{TimeoutSeconds: 60}},
		Eval:    EvalConfig{BudgetSeconds: 120},
		Jobs:    JobsConfig{DefaultTTLHours: 72},
	}

	if got := cfg.Storage.ConnMaxLifetime(); got != 30*time.Minute {
		t.Fatalf("ConnMaxLifetime = %s", got)
	}
	if got := cfg.Storage.ConnMaxIdleTime(); got != 5*time.Minute {
		t.Fatalf("ConnMaxIdleTime = %s", got)
	}
	if got := cfg.LLM.OpenAI.Timeout(); got != time.Minute {
		t.Fatalf("Timeout = %s", got)
	}
	if got := cfg.Eval.Budget(); got != 2*time.Minute {
		t.Fatalf("Budget = %s", got)
	}
	if got := cfg.Jobs.DefaultTTL(); got != 72*time.Hour {
		t.Fatalf("DefaultTTL = %s", got)
	}

	var zero Config
	if zero.Eval.Budget() != 0 || zero.Jobs.DefaultTTL() != 0 || zero.LLM.OpenAI.Timeout() != 0 {
		t.Fatal("zero configs should yield zero durations")
	}
}
