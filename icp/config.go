package icp

import (
	"fmt"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// DefaultMaxIterations caps a run when the configuration leaves it unset.
const DefaultMaxIterations = 100

// Config is the full registration configuration file.
type Config struct {
	SourceFile      string            `yaml:"source_file" json:"sourceFile"`
	UseSpatialIndex bool              `yaml:"use_spatial_index" json:"useSpatialIndex"`
	Algorithm       Algorithm         `yaml:"algorithm" json:"algorithm"`
	MaxIterations   int               `yaml:"max_iterations" json:"maxIterations"`
	Tolerance       float64           `yaml:"tolerance" json:"tolerance"`
	Seed            int64             `yaml:"seed" json:"seed"`
	Workers         int               `yaml:"workers,omitempty" json:"workers,omitempty"` // correspondence goroutines; 0 = GOMAXPROCS
	Quiet           bool              `yaml:"quiet,omitempty" json:"quiet,omitempty"`
	GroundTruth     GroundTruthConfig `yaml:"ground_truth" json:"groundTruth"`
	Solver          SolverConfig      `yaml:"solver" json:"solver"`
	MQTT            MQTTConfig        `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	History         HistoryConfig     `yaml:"history,omitempty" json:"history,omitempty"`
	Output          OutputConfig      `yaml:"output,omitempty" json:"output,omitempty"`
}

// GroundTruthConfig describes the known transform used to synthesise the
// target cloud from the source.
type GroundTruthConfig struct {
	RotationDeg []float64 `yaml:"rotation_deg" json:"rotationDeg"`                     // intrinsic X, Y, Z Euler angles
	Translation []float64 `yaml:"translation,omitempty" json:"translation,omitempty"` // omitted: seeded random scalar on every axis
}

// MQTTConfig holds MQTT connection settings for publishing results.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publish_prefix" json:"publishPrefix"`
	ClientID      string `yaml:"client_id" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"-"`
}

// HistoryConfig locates the run-history database. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path" json:"path"`
}

// OutputConfig controls rendered artefacts.
type OutputConfig struct {
	Dir    string `yaml:"dir" json:"dir"`
	Format string `yaml:"format" json:"format"` // svg, png or both
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		Algorithm:     AlgorithmClosedForm,
		MaxIterations: DefaultMaxIterations,
		Tolerance:     DefaultTolerance,
		Seed:          1,
		GroundTruth: GroundTruthConfig{
			RotationDeg: []float64{30, 0, 0},
		},
		Solver: DefaultSolverConfig(),
		MQTT: MQTTConfig{
			PublishPrefix: "tudoalign",
			ClientID:      "tudoalign",
		},
		Output: OutputConfig{Dir: ".", Format: "svg"},
	}
}

// LoadConfig reads a YAML configuration on top of DefaultConfig, applies
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
		return nil, err
	}
	return &config, nil
}

// SaveConfig writes the configuration as YAML.
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

// Validate checks every field that would otherwise fail mid-run.
func (c *Config) Validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("%w: algorithm must be one of %v, got %q", ErrInvalidConfig, Algorithms(), c.Algorithm)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be > 0, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("%w: tolerance must be > 0, got %g", ErrInvalidConfig, c.Tolerance)
	}
	if len(c.GroundTruth.RotationDeg) != 3 {
		return fmt.Errorf("%w: ground_truth.rotation_deg needs 3 angles, got %d", ErrInvalidConfig, len(c.GroundTruth.RotationDeg))
	}
	if c.GroundTruth.Translation != nil && len(c.GroundTruth.Translation) != 3 {
		return fmt.Errorf("%w: ground_truth.translation needs 3 components, got %d", ErrInvalidConfig, len(c.GroundTruth.Translation))
	}
	switch c.Output.Format {
	case "", "svg", "png", "both":
	default:
		return fmt.Errorf("%w: output.format must be svg, png or both, got %q", ErrInvalidConfig, c.Output.Format)
	}
	return nil
}

// Transform builds the ground-truth transform. A missing translation is
// drawn once from rng and applied equally on all three axes.
func (g GroundTruthConfig) Transform(rng *rand.Rand) RigidTransform {
	deg := [3]float64{}
	copy(deg[:], g.RotationDeg)
	tr := RigidTransform{Rotation: EulerXYZ(deg[0], deg[1], deg[2])}
	if len(g.Translation) == 3 {
		tr.Translation = r3.Vec{X: g.Translation[0], Y: g.Translation[1], Z: g.Translation[2]}
	} else {
		s := rng.Float64()
		tr.Translation = r3.Vec{X: s, Y: s, Z: s}
	}
	return tr
}
