package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bex.yaml")
	if err := os.WriteFile(path, []byte("export:\n  bucket: exports\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Export.Bucket != "exports" {
		t.Fatalf("unexpected bucket %q", cfg.Export.Bucket)
	}
	if cfg.Export.VolumePollInterval != time.Minute {
		t.Fatalf("unexpected volume poll interval %v", cfg.Export.VolumePollInterval)
	}
	if cfg.Export.ExportPollInterval != 30*time.Minute {
		t.Fatalf("unexpected export poll interval %v", cfg.Export.ExportPollInterval)
	}
	if cfg.Export.DetachWait != 2*time.Minute {
		t.Fatalf("unexpected detach wait %v", cfg.Export.DetachWait)
	}
	if cfg.Export.DeleteRetries != 3 {
		t.Fatalf("unexpected delete retries %d", cfg.Export.DeleteRetries)
	}
	if cfg.Global.OperationTimeout != 12*time.Hour {
		t.Fatalf("unexpected operation timeout %v", cfg.Global.OperationTimeout)
	}
	if cfg.Worker.Mode != "batch" {
		t.Fatalf("unexpected worker mode %q", cfg.Worker.Mode)
	}
	if cfg.Worker.Compression != "gzip" {
		t.Fatalf("unexpected compression %q", cfg.Worker.Compression)
	}
	if cfg.Storage.Backend != "local" {
		t.Fatalf("unexpected storage backend %q", cfg.Storage.Backend)
	}
}

func TestLoadFullFile(t *testing.T) {
	content := `
global:
  log_level: debug
aws:
  region: eu-west-1
export:
  bucket: exports
  availability_zones: [eu-west-1a, eu-west-1b]
  auto_delete: true
  export_role_arn: arn:aws:iam::123456789012:role/export
  volume_poll_interval: 15s
worker:
  mode: local
  queues:
    eu-west-1a: bex-queue-a
  instance_id: i-0abc
`
	path := filepath.Join(t.TempDir(), "bex.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AWS.Region != "eu-west-1" {
		t.Fatalf("unexpected region %q", cfg.AWS.Region)
	}
	if !cfg.Export.AutoDelete {
		t.Fatal("auto_delete should be set")
	}
	if len(cfg.Export.AvailabilityZones) != 2 || cfg.Export.AvailabilityZones[1] != "eu-west-1b" {
		t.Fatalf("unexpected zones %v", cfg.Export.AvailabilityZones)
	}
	if cfg.Export.VolumePollInterval != 15*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.Export.VolumePollInterval)
	}
	if cfg.Worker.Mode != "local" || cfg.Worker.Queues["eu-west-1a"] != "bex-queue-a" {
		t.Fatalf("unexpected worker config %+v", cfg.Worker)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BEX_SECRET", "sekrit")
	content := "aws:\n  secret_key: ${TEST_BEX_SECRET}\nexport:\n  bucket: exports\n"
	path := filepath.Join(t.TempDir(), "bex.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AWS.SecretKey != "sekrit" {
		t.Fatalf("env var should be expanded, got %q", cfg.AWS.SecretKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit path")
	}
}
