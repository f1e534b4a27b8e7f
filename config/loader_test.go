package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, modelCfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxIterations != 20 {
		t.Fatalf("expected default MaxIterations 20, got %d", cfg.MaxIterations)
	}
	if cfg.WorkerPath != "reploop-worker" {
		t.Fatalf("expected default worker path, got %q", cfg.WorkerPath)
	}
	if modelCfg.Name != "" {
		t.Fatalf("expected empty model name by default, got %q", modelCfg.Name)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reploop.toml")
	contents := `
max_iterations = 5
max_depth = 2
worker_path = "/usr/local/bin/reploop-worker"

[model]
name = "gpt-test"
base_url = "https://example.invalid/v1"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, modelCfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxIterations != 5 {
		t.Fatalf("expected MaxIterations 5, got %d", cfg.MaxIterations)
	}
	if cfg.MaxDepth != 2 {
		t.Fatalf("expected MaxDepth 2, got %d", cfg.MaxDepth)
	}
	if cfg.WorkerPath != "/usr/local/bin/reploop-worker" {
		t.Fatalf("expected overridden worker path, got %q", cfg.WorkerPath)
	}
	if modelCfg.Name != "gpt-test" {
		t.Fatalf("expected model name gpt-test, got %q", modelCfg.Name)
	}
}

func TestLoadEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("REPLOOP_MODEL_API_KEY", "secret-from-env")
	_, modelCfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if modelCfg.APIKey != "secret-from-env" {
		t.Fatalf("expected env override to win, got %q", modelCfg.APIKey)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load should tolerate a missing file, got error: %v", err)
	}
	if cfg.MaxIterations != 20 {
		t.Fatalf("expected default MaxIterations, got %d", cfg.MaxIterations)
	}
}
