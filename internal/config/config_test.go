package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satchel.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
base_url: https://api.classkit.test
registry_path: resources.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %v, want 30s default", cfg.ProbeInterval)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s default", cfg.RequestTimeout)
	}
	if cfg.RetryCeiling != 5 {
		t.Errorf("RetryCeiling = %d, want 5 default", cfg.RetryCeiling)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Errorf("SweepInterval = %v, want 30m default", cfg.SweepInterval)
	}
	if cfg.HealthURL != "https://api.classkit.test/health" {
		t.Errorf("HealthURL = %q, want derived /health", cfg.HealthURL)
	}
	if cfg.DBPath == "" {
		t.Error("DBPath default missing")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
base_url: https://api.classkit.test
health_url: https://status.classkit.test/ping
registry_path: /etc/satchel/resources.yaml
probe_interval: 10s
retry_ceiling: 3
dashboard_port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HealthURL != "https://status.classkit.test/ping" {
		t.Errorf("HealthURL = %q, explicit value must win", cfg.HealthURL)
	}
	if cfg.ProbeInterval != 10*time.Second {
		t.Errorf("ProbeInterval = %v", cfg.ProbeInterval)
	}
	if cfg.RetryCeiling != 3 {
		t.Errorf("RetryCeiling = %d", cfg.RetryCeiling)
	}
	if cfg.DashboardPort != 9000 {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
}

func TestLoadRejectsMissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
registry_path: resources.yaml
`)

	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject config without base_url")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad url", "base_url: not-a-url\nregistry_path: r.yaml\n"},
		{"zero probe interval", "base_url: https://x.test\nregistry_path: r.yaml\nprobe_interval: 0s\n"},
		{"negative retry ceiling", "base_url: https://x.test\nregistry_path: r.yaml\nretry_ceiling: -1\n"},
		{"port out of range", "base_url: https://x.test\nregistry_path: r.yaml\ndashboard_port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.doc)
			if _, err := Load(path); err == nil {
				t.Errorf("expected Load to reject %s", tt.name)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, `
base_url: https://api.classkit.test
registry_path: resources.yaml
token: from-file
`)

	t.Setenv("SATCHEL_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Errorf("Token = %q, environment must override the file", cfg.Token)
	}
}
