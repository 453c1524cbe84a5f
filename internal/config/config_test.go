package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reev.json")
	if err := os.WriteFile(path, []byte(`{"database":{"path":"db/reev.db"},"wallet":{"network_config":"networks.yaml"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Path != filepath.Join(dir, "db", "reev.db") {
		t.Fatalf("database path not resolved: %s", cfg.Database.Path)
	}
	if cfg.Wallet.NetworkConfig != filepath.Join(dir, "networks.yaml") {
		t.Fatalf("network config not resolved: %s", cfg.Wallet.NetworkConfig)
	}
	if cfg.Consolidation.WindowSeconds != 1 {
		t.Fatalf("expected default window of 1s, got %d", cfg.Consolidation.WindowSeconds)
	}
	if cfg.Consolidation.Timeout() != 60*time.Second {
		t.Fatalf("unexpected consolidation timeout %s", cfg.Consolidation.Timeout())
	}
	if cfg.Database.MaxConnections != 10 {
		t.Fatalf("unexpected max connections %d", cfg.Database.MaxConnections)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.MaxRetries != 1 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Alerting.WebhookURL != "" || cfg.Alerting.WebhookTimeout() != 5*time.Second {
		t.Fatalf("unexpected alerting defaults: %+v", cfg.Alerting)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reev.json")
	body := `{"database":{"driver":"MySQL","dsn":"root@tcp(127.0.0.1:3306)/reev","max_connections":3},"consolidation":{"window_seconds":2}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Fatalf("driver not normalised: %q", cfg.Database.Driver)
	}
	if cfg.Database.Path != "" {
		t.Fatalf("mysql config should not get a sqlite path: %q", cfg.Database.Path)
	}
	if cfg.Database.MaxConnections != 3 || cfg.Consolidation.WindowSeconds != 2 {
		t.Fatalf("explicit values overwritten: %+v %+v", cfg.Database, cfg.Consolidation)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
