package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"server":{"address":":9090"},"pipelines":{"dir":"graphs"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected drivers: %+v %+v", cfg.Storage, cfg.Queue)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9090" || cfg.Dispatch.CallbackBaseURL != cfg.Server.PublicURL {
		t.Fatalf("unexpected urls: %q %q", cfg.Server.PublicURL, cfg.Dispatch.CallbackBaseURL)
	}
	if cfg.Dispatch.Timeout.Std() != 30*time.Second || cfg.Run.NodeTimeout.Std() != 30*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", cfg.Dispatch.Timeout.Std(), cfg.Run.NodeTimeout.Std())
	}
	if cfg.Ledger.InitialBalance != 100 || cfg.Run.Workers != 4 {
		t.Fatalf("unexpected ledger/run defaults: %+v %+v", cfg.Ledger, cfg.Run)
	}
	if cfg.Pipelines.Dir != filepath.Join(filepath.Dir(path), "graphs") {
		t.Fatalf("pipelines dir should be relative to the config file, got %s", cfg.Pipelines.Dir)
	}
}

func TestLoadParsesDurationsAndEnv(t *testing.T) {
	t.Setenv("TEST_CHORUS_DSN", "chorus:secret@tcp(db:3306)/chorus")
	path := writeConfig(t, `{
		"storage": {"driver": "MySQL", "dsn_env": "TEST_CHORUS_DSN"},
		"dispatch": {"timeout": "2s"},
		"run": {"node_timeout": 1500000000}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "mysql" || !strings.Contains(cfg.Storage.DSN, "secret") {
		t.Fatalf("env override not applied: %+v", cfg.Storage)
	}
	if cfg.Dispatch.Timeout.Std() != 2*time.Second || cfg.Run.NodeTimeout.Std() != 1500*time.Millisecond {
		t.Fatalf("durations not parsed: %v %v", cfg.Dispatch.Timeout.Std(), cfg.Run.NodeTimeout.Std())
	}
}

func TestLoadRejectsInconsistentBackends(t *testing.T) {
	cases := map[string]string{
		"sql without dsn":      `{"storage":{"driver":"postgres"}}`,
		"unknown storage":      `{"storage":{"driver":"sqlite"}}`,
		"rabbitmq without url": `{"storage":{"driver":"mysql","dsn":"x"},"queue":{"driver":"rabbitmq"}}`,
		"shared queue memory":  `{"queue":{"driver":"redis"}}`,
		"bad duration":         `{"dispatch":{"timeout":"soon"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvConfigPath, "/etc/chorus.json")
	if PathFromEnv() != "/etc/chorus.json" {
		t.Fatalf("expected env path")
	}
}
