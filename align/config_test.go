package align

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func clearMQTTEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX"} {
		t.Setenv(k, "")
	}
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want mention of not found", err)
	}
}

func TestLoadConfig_LayersOnDefaults(t *testing.T) {
	clearMQTTEnv(t)
	path := writeConfig(t, `voxelWidth: 0.2
correlation: profile
mqtt:
  broker: tcp://localhost:1883
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VoxelWidth != 0.2 {
		t.Errorf("VoxelWidth = %v, want 0.2", cfg.VoxelWidth)
	}
	if cfg.Correlation != CorrelateProfile {
		t.Errorf("Correlation = %q, want %q", cfg.Correlation, CorrelateProfile)
	}
	if !cfg.EstimateRotation || !cfg.ResolveHalfTurn {
		t.Error("rotation defaults lost when absent from the file")
	}
	if cfg.MQTT.PublishPrefix != "rayalign" {
		t.Errorf("PublishPrefix = %q, want default %q", cfg.MQTT.PublishPrefix, "rayalign")
	}
	if cfg.Store.Path != "rayalign.db" {
		t.Errorf("Store.Path = %q, want default", cfg.Store.Path)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	clearMQTTEnv(t)
	tests := []struct {
		name string
		yaml string
	}{
		{"zero voxel", "voxelWidth: 0\n"},
		{"negative voxel", "voxelWidth: -0.5\n"},
		{"negative angles", "polarAngleResolution: -4\n"},
		{"negative radii", "polarRadiusResolution: -1\n"},
		{"unknown correlation", "correlation: median\n"},
		{"malformed yaml", "voxelWidth: [1, 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearMQTTEnv(t)
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "lab")
	t.Setenv("MQTT_PASSWORD", "secret")

	cfg, err := LoadConfig(writeConfig(t, "mqtt:\n  broker: tcp://file:1883\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("Broker = %q, want env value", cfg.MQTT.Broker)
	}
	if cfg.MQTT.PublishPrefix != "lab" {
		t.Errorf("PublishPrefix = %q, want %q", cfg.MQTT.PublishPrefix, "lab")
	}
	if cfg.MQTT.Password != "secret" {
		t.Error("password not taken from env")
	}
	if cfg.MQTT.ClientID != "rayalign" {
		t.Errorf("ClientID = %q, want default", cfg.MQTT.ClientID)
	}
}

// ---------------------------------------------------------------------------
// SaveConfig
// ---------------------------------------------------------------------------

func TestSaveConfig_RoundTrip(t *testing.T) {
	clearMQTTEnv(t)
	cfg := DefaultConfig()
	cfg.VoxelWidth = 0.1
	cfg.PhaseOnly = true
	cfg.PolarAngleResolution = 720
	cfg.MQTT.Broker = "tcp://localhost:1883"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(path, &cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if *got != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, cfg)
	}
}

func TestSaveConfig_BadPath(t *testing.T) {
	cfg := DefaultConfig()
	if err := SaveConfig(filepath.Join(t.TempDir(), "missing", "out.yaml"), &cfg); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
}

func TestCorrelationModeDefault(t *testing.T) {
	cfg := Config{}
	if cfg.correlationMode() != CorrelateRings {
		t.Errorf("correlationMode() = %q, want %q", cfg.correlationMode(), CorrelateRings)
	}
}
