// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters.
type Config struct {
	Power     PowerConfig     `yaml:"power"`
	Orbit     OrbitConfig     `yaml:"orbit"`
	Sim       SimConfig       `yaml:"sim"`
	Stages    []StageConfig   `yaml:"stages"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// PowerConfig holds the battery and solar-array parameters.
type PowerConfig struct {
	BatteryCapacity int `yaml:"battery_capacity"`  // mWh
	SunlightRate    int `yaml:"sunlight_rate"`     // W generated per minute in sunlight
	EclipseRate     int `yaml:"eclipse_rate"`      // W generated per minute in eclipse
	MaxDrawPerTick  int `yaml:"max_draw_per_tick"` // battery discharge-rate cap (W)
}

// OrbitConfig holds the orbital cycle parameters.
type OrbitConfig struct {
	Period              int     `yaml:"period"`               // minutes per full orbit
	IlluminatedFraction float64 `yaml:"illuminated_fraction"` // fraction of the period in sunlight
}

// SimConfig holds clock and policy parameters.
type SimConfig struct {
	Duration             int  `yaml:"duration"`               // total simulated minutes
	TickDelayMs          int  `yaml:"tick_delay_ms"`          // wall-clock pacing per tick (observability only)
	StallAdvancesElapsed bool `yaml:"stall_advances_elapsed"` // power-denied ticks still count toward required_time
}

// StageConfig defines one processing station of the pipeline, in order.
// Calibration and cooldown fields are zero for plain stages.
type StageConfig struct {
	Name              string  `yaml:"name"`
	RequiredTime      int     `yaml:"required_time"`      // minutes of processing per wafer
	DefectProbability float64 `yaml:"defect_probability"` // per-tick Bernoulli defect chance
	PowerDraw         int     `yaml:"power_draw"`         // nominal W per minute
	CalibrationTicks  int     `yaml:"calibration_ticks"`  // warm-up minutes before nominal processing
	CalibrationPower  int     `yaml:"calibration_power"`  // reduced W during warm-up
	CooldownTicks     int     `yaml:"cooldown_ticks"`     // idle minutes after a wafer completes
	StarveDefect      bool    `yaml:"starve_defect"`      // power denial marks the stage defective
}

// TelemetryConfig holds output settings.
type TelemetryConfig struct {
	OutputDir string `yaml:"output_dir"` // empty = CSV output disabled
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	IlluminatedTicks int // minutes of sunlight per orbital period
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Load user config if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.computeDerived()

	return cfg, nil
}

// Validate rejects construction parameters the simulation cannot run with.
// Runs before any tick; a failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.Power.BatteryCapacity <= 0 {
		return fmt.Errorf("config: battery_capacity must be positive, got %d", c.Power.BatteryCapacity)
	}
	if c.Power.SunlightRate < 0 || c.Power.EclipseRate < 0 {
		return fmt.Errorf("config: generation rates must be non-negative, got sunlight=%d eclipse=%d",
			c.Power.SunlightRate, c.Power.EclipseRate)
	}
	if c.Power.MaxDrawPerTick < 0 {
		return fmt.Errorf("config: max_draw_per_tick must be non-negative, got %d", c.Power.MaxDrawPerTick)
	}
	if c.Orbit.Period <= 0 {
		return fmt.Errorf("config: orbit period must be positive, got %d", c.Orbit.Period)
	}
	if c.Orbit.IlluminatedFraction < 0 || c.Orbit.IlluminatedFraction > 1 {
		return fmt.Errorf("config: illuminated_fraction must be in [0,1], got %v", c.Orbit.IlluminatedFraction)
	}
	if c.Sim.Duration <= 0 {
		return fmt.Errorf("config: sim duration must be positive, got %d", c.Sim.Duration)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config: at least one stage must be defined")
	}
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("config: stage %d has no name", i)
		}
		if s.RequiredTime <= 0 {
			return fmt.Errorf("config: stage %q required_time must be positive, got %d", s.Name, s.RequiredTime)
		}
		if s.DefectProbability < 0 || s.DefectProbability > 1 {
			return fmt.Errorf("config: stage %q defect_probability must be in [0,1], got %v", s.Name, s.DefectProbability)
		}
		if s.PowerDraw <= 0 {
			return fmt.Errorf("config: stage %q power_draw must be positive, got %d", s.Name, s.PowerDraw)
		}
		if s.CalibrationTicks < 0 || s.CooldownTicks < 0 {
			return fmt.Errorf("config: stage %q calibration/cooldown ticks must be non-negative", s.Name)
		}
		if s.CalibrationTicks > 0 && s.CalibrationPower <= 0 {
			return fmt.Errorf("config: stage %q calibrates but has no calibration_power", s.Name)
		}
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.IlluminatedTicks = int(float64(c.Orbit.Period) * c.Orbit.IlluminatedFraction)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
