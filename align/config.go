package align

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the alignment parameters and the optional outputs of a run.
type Config struct {
	VoxelWidth            float64         `yaml:"voxelWidth" json:"voxelWidth"`                                           // Grid cell edge in cloud units (default 0.5)
	EstimateRotation      bool            `yaml:"estimateRotation" json:"estimateRotation"`                               // Estimate yaw before translation
	ResolveHalfTurn       bool            `yaml:"resolveHalfTurn" json:"resolveHalfTurn"`                                 // Test θ and θ+180° and keep the better translation peak
	PolarAngleResolution  int             `yaml:"polarAngleResolution,omitempty" json:"polarAngleResolution,omitempty"`   // 0 = 4*maxRad
	PolarRadiusResolution int             `yaml:"polarRadiusResolution,omitempty" json:"polarRadiusResolution,omitempty"` // 0 = maxRad
	Correlation           CorrelationMode `yaml:"correlation,omitempty" json:"correlation,omitempty"`                     // rings | profile
	PhaseOnly             bool            `yaml:"phaseOnly,omitempty" json:"phaseOnly,omitempty"`                         // Whiten the translation cross-power spectrum
	DebugImageOutput      bool            `yaml:"debugImageOutput,omitempty" json:"debugImageOutput,omitempty"`
	DebugDir              string          `yaml:"debugDir,omitempty" json:"debugDir,omitempty"`
	MQTT                  MQTTConfig      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Store                 StoreConfig     `yaml:"store,omitempty" json:"store,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// StoreConfig locates the run history database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// DefaultConfig returns the settings rayalign runs with when no file is given.
func DefaultConfig() Config {
	return Config{
		VoxelWidth:       0.5,
		EstimateRotation: true,
		ResolveHalfTurn:  true,
		Correlation:      CorrelateRings,
		DebugDir:         ".",
		MQTT: MQTTConfig{
			PublishPrefix: "rayalign",
			ClientID:      "rayalign",
		},
		Store: StoreConfig{Path: "rayalign.db"},
	}
}

// Validate checks the numeric parameters.
func (c *Config) Validate() error {
	if !(c.VoxelWidth > 0) || math.IsInf(c.VoxelWidth, 0) {
		return fmt.Errorf("voxelWidth %v: %w", c.VoxelWidth, ErrInvalidDimension)
	}
	if c.PolarAngleResolution < 0 {
		return fmt.Errorf("polarAngleResolution %d: %w", c.PolarAngleResolution, ErrInvalidDimension)
	}
	if c.PolarRadiusResolution < 0 {
		return fmt.Errorf("polarRadiusResolution %d: %w", c.PolarRadiusResolution, ErrInvalidDimension)
	}
	switch c.Correlation {
	case "", CorrelateRings, CorrelateProfile:
	default:
		return fmt.Errorf("correlation must be %q or %q, got %q", CorrelateRings, CorrelateProfile, c.Correlation)
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig, applies MQTT
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

func (c *Config) correlationMode() CorrelationMode {
	if c.Correlation == "" {
		return CorrelateRings
	}
	return c.Correlation
}
