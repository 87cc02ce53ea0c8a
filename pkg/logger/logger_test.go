package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitRoutesAuditRecordsToFile(t *testing.T) {
	dir := t.TempDir()
	opsPath := filepath.Join(dir, "ops.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{
		Service:     "chorusd",
		Level:       "debug",
		OutputPaths: []string{opsPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("ledger").Debug("opened")
	Audit().Info("transfer", "job_id", "job-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	ops := decodeLines(t, opsPath)
	if len(ops) != 1 || ops[0]["component"] != "ledger" || ops[0]["service"] != "chorusd" {
		t.Fatalf("unexpected operational records %v", ops)
	}
	audit := decodeLines(t, auditPath)
	if len(audit) != 1 || audit[0]["job_id"] != "job-1" || audit[0]["service"] != "chorusd" {
		t.Fatalf("unexpected audit records %v", audit)
	}
}

func TestInitWithoutAuditTagsOperationalLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")
	if err := Init(Config{Level: "warning", Format: "json", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	L().Info("dropped below warn")
	Audit().Warn("kept")
	_ = Sync()

	records := decodeLines(t, path)
	if len(records) != 1 || records[0]["audit"] != true || records[0]["msg"] != "kept" {
		t.Fatalf("unexpected records %v", records)
	}
}

func TestInitRejectsEnabledAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "warning": "WARN", "error": "ERROR", "": "INFO", "loud": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func decodeLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		rec := map[string]any{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}
