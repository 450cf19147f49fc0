package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.PermissionMode != DefaultPermissionMode {
		t.Errorf("permission mode = %q", cfg.Agent.PermissionMode)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want defaults when file missing", cfg.Agent.Model)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".forgeboard")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	file := Config{
		Agent:    AgentConfig{Model: "custom-model", PermissionMode: PermissionAcceptEdits},
		Provider: ProviderConfig{APIKey: "file-key"},
	}
	data, _ := json.Marshal(file)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Model != "custom-model" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Provider.APIKey != "file-key" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
	if cfg.Agent.PermissionMode != PermissionAcceptEdits {
		t.Errorf("permission mode = %q", cfg.Agent.PermissionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FORGEBOARD_API_KEY", "env-key")
	t.Setenv("FORGEBOARD_MODEL", "env-model")
	t.Setenv("FORGEBOARD_PERMISSION_MODE", PermissionPlanOnly)
	t.Setenv("FORGEBOARD_PORT", "9999")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
	if cfg.Agent.Model != "env-model" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.PermissionMode != PermissionPlanOnly {
		t.Errorf("permission mode = %q", cfg.Agent.PermissionMode)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestInvalidPermissionModeFallsBack(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FORGEBOARD_PERMISSION_MODE", "yolo")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.PermissionMode != DefaultPermissionMode {
		t.Errorf("permission mode = %q, want default fallback", cfg.Agent.PermissionMode)
	}
}

func TestValidPermissionMode(t *testing.T) {
	for _, mode := range []string{PermissionBypass, PermissionDefault, PermissionAcceptEdits, PermissionPlanOnly} {
		if !ValidPermissionMode(mode) {
			t.Errorf("%q should be valid", mode)
		}
	}
	if ValidPermissionMode("") || ValidPermissionMode("root") {
		t.Error("invalid modes accepted")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Provider.APIKey != "saved-key" {
		t.Errorf("api key = %q", loaded.Provider.APIKey)
	}
}

func TestDBPathDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	if got := cfg.DBPath(); filepath.Base(got) != "forgeboard.db" {
		t.Errorf("db path = %q", got)
	}
	cfg.Store.DBPath = "/data/custom.db"
	if cfg.DBPath() != "/data/custom.db" {
		t.Errorf("db path override ignored")
	}
}
