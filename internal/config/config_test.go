package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testBackends() []Backend {
	return []Backend{
		{
			Name:     "openai",
			BaseURL:  "https://api.openai.com/v1",
			APIKey:   "sk-test",
			Protocol: "openai_chat",
			Models:   []string{"gpt-4o"},
		},
	}
}

func TestConfig_LoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := &Config{
		Host:     "127.0.0.1",
		Port:     8080,
		APIKey:   "test-key",
		Backends: testBackends(),
		Router:   Router{Default: "openai"},
	}

	if err := manager.Save(cfg); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	if !manager.Exists() {
		t.Errorf("Config file should exist after saving")
	}

	loadedCfg, err := manager.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loadedCfg.Host != cfg.Host {
		t.Errorf("Expected host %s, got %s", cfg.Host, loadedCfg.Host)
	}

	if loadedCfg.Port != cfg.Port {
		t.Errorf("Expected port %d, got %d", cfg.Port, loadedCfg.Port)
	}

	if loadedCfg.APIKey != cfg.APIKey {
		t.Errorf("Expected API key %s, got %s", cfg.APIKey, loadedCfg.APIKey)
	}

	if len(loadedCfg.Backends) != 1 {
		t.Fatalf("Expected 1 backend, got %d", len(loadedCfg.Backends))
	}

	backend := loadedCfg.Backends[0]
	if backend.Name != "openai" {
		t.Errorf("Expected backend name 'openai', got %s", backend.Name)
	}

	if backend.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("Expected specific base URL, got %s", backend.BaseURL)
	}

	if loadedCfg.Router.Default != "openai" {
		t.Errorf("Expected default route 'openai', got %s", loadedCfg.Router.Default)
	}
}

func TestConfig_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	cfg := &Config{
		Backends: testBackends(),
		Router:   Router{Default: "openai"},
	}

	manager.Save(cfg)
	loadedCfg, err := manager.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loadedCfg.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, loadedCfg.Port)
	}

	if loadedCfg.Host != DefaultHost {
		t.Errorf("Expected default host %s, got %s", DefaultHost, loadedCfg.Host)
	}

	backend := loadedCfg.Backends[0]
	if backend.ConnectTimeout.Std() != 10*time.Second {
		t.Errorf("Expected default connect timeout, got %v", backend.ConnectTimeout.Std())
	}

	if backend.Retry.MaxAttempts != 1 {
		t.Errorf("Expected single attempt by default, got %d", backend.Retry.MaxAttempts)
	}

	if loadedCfg.Cache.TTL.Std() != 5*time.Minute {
		t.Errorf("Expected default cache TTL, got %v", loadedCfg.Cache.TTL.Std())
	}

	if loadedCfg.Cache.Capacity != 1024 {
		t.Errorf("Expected default cache capacity, got %d", loadedCfg.Cache.Capacity)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no backends", Config{Router: Router{Default: "x"}}},
		{"missing base_url", Config{
			Backends: []Backend{{Name: "a", Protocol: "openai_chat"}},
			Router:   Router{Default: "a"},
		}},
		{"unknown protocol", Config{
			Backends: []Backend{{Name: "a", BaseURL: "http://x", Protocol: "grpc"}},
			Router:   Router{Default: "a"},
		}},
		{"default not configured", Config{
			Backends: testBackends(),
			Router:   Router{Default: "missing"},
		}},
		{"rule backend not configured", Config{
			Backends: testBackends(),
			Router:   Router{Default: "openai", Rules: []Rule{{Prefix: "claude", Backend: "missing"}}},
		}},
		{"duplicate backend name", Config{
			Backends: append(testBackends(), testBackends()...),
			Router:   Router{Default: "openai"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.applyDefaults()
			if err := tt.cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	configPath := filepath.Join(tmpDir, jsonConfigFilename)
	os.WriteFile(configPath, []byte("invalid json"), 0644)

	_, err := manager.Load()
	if err == nil {
		t.Errorf("Expected error when loading invalid JSON")
	}
}

func TestConfig_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManager(tmpDir)

	_, err := manager.Load()
	if err == nil {
		t.Errorf("Expected error when loading non-existent file")
	}

	if manager.Exists() {
		t.Errorf("Non-existent config should not exist")
	}
}
