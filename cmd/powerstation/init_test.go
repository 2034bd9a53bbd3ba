package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/powerstation-simulator/examples"
	"github.com/nugget/powerstation-simulator/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "station")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	content, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, examples.ConfigYAML) {
		t.Error("config.yaml does not match the embedded example")
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("expected success marker in output, got: %s", buf.String())
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	custom := []byte("station:\n  id: PS_CUSTOM\n")
	if err := os.WriteFile(cfgPath, custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Errorf("existing config.yaml was overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("expected unchanged notice, got: %s", buf.String())
	}
}

func TestExampleConfig_LoadsAndValidates(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
	if cfg.Station.ID != "ps-001" || cfg.Station.CapacityKW != 1000 {
		t.Errorf("station = %+v", cfg.Station)
	}
	// The example documents the built-in defaults.
	def := config.Default()
	if cfg.MQTT.Host != def.MQTT.Host || cfg.Simulator != def.Simulator || cfg.MQTT.ControlRateLimit != def.MQTT.ControlRateLimit {
		t.Errorf("example mqtt/simulator = %+v / %+v, defaults %+v / %+v", cfg.MQTT, cfg.Simulator, def.MQTT, def.Simulator)
	}
	if cfg.MQTT.TopicPrefix != "smartgrid/powerstation" {
		t.Errorf("topic prefix = %q", cfg.MQTT.TopicPrefix)
	}
}
