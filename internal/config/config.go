package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig
	Plan       PlanConfig
	Sim        SimConfig
	System     SystemConfig
	Procedures []ProcedureConfig
	UI         UIConfig
}

// DatabaseConfig holds sqlite settings for the nominal store.
type DatabaseConfig struct {
	Path           string
	MigrationsPath string `mapstructure:"migrations_path"`
}

// PlanConfig holds the run-engine parameters handed to every plan.
type PlanConfig struct {
	// FirstStep is the probe move used before a response model exists,
	// in motor units.
	FirstStep float64 `mapstructure:"first_step"`
	// Tolerance is the acceptable centroid error in pixels.
	Tolerance float64
	// Averages is how many detector reads get folded into one sample.
	Averages int
	// TolScaling caps model steps at FirstStep*TolScaling.
	TolScaling float64 `mapstructure:"tol_scaling"`
	// Timeout bounds one alignment plan.
	Timeout time.Duration
	// LegacyGoalOffset reapplies the historical 480-g goal transform
	// for operators migrating saved goal sheets from the old console.
	LegacyGoalOffset bool `mapstructure:"legacy_goal_offset"`
}

// SimConfig holds simulated-beamline settings.
type SimConfig struct {
	// Noise is the sigma of per-update centroid jitter, in pixels.
	Noise float64
}

// SystemConfig holds per-slot overrides of the built-in device table.
type SystemConfig struct {
	// Rotations maps a slot key to its camera mounting rotation in
	// degrees, replacing the slot's built-in rotation.
	Rotations map[string]int
}

// ProcedureConfig names one alignment procedure; its key groups run
// strictly in order. A non-empty procedure list replaces the built-in
// table entirely.
type ProcedureConfig struct {
	Name   string
	Groups [][]string
}

// UIConfig holds presentation settings.
type UIConfig struct {
	// Procedure selected at startup; must name a known procedure.
	Procedure string
}

// Load reads configuration from file and env. Env var overrides use prefix BEAMALIGN_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "beamalign", "beamalign.db"))
	v.SetDefault("database.migrations_path", "internal/cache/migrations")
	v.SetDefault("plan.first_step", 6e-6)
	v.SetDefault("plan.tolerance", 5.0)
	v.SetDefault("plan.averages", 100)
	v.SetDefault("plan.tol_scaling", 8.0)
	v.SetDefault("plan.timeout", "600s")
	v.SetDefault("plan.legacy_goal_offset", false)
	v.SetDefault("sim.noise", 0.2)
	v.SetDefault("ui.procedure", "HOMS")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("BEAMALIGN_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "beamalign"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("BEAMALIGN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}
