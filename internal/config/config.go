// Package config loads runtime settings from an optional config file, .env
// files and VOLSURFACE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/contactkeval/vol-surface/internal/data"
	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/pricing"
	"github.com/contactkeval/vol-surface/internal/surface"
)

const envPrefix = "VOLSURFACE"

// Config is the full runtime configuration.
type Config struct {
	Underlying string  `mapstructure:"underlying"`
	Rate       float64 `mapstructure:"rate"`
	DivYield   float64 `mapstructure:"div_yield"`

	// Provider is one of massive, yahoo, csv, synthetic. Secondary, when
	// set, is consulted whenever the primary fails.
	Provider  string `mapstructure:"provider"`
	Secondary string `mapstructure:"secondary"`

	DataDir   string `mapstructure:"data_dir"`
	ReportDir string `mapstructure:"report_dir"`
	Verbosity int    `mapstructure:"verbosity"`

	Solver    SolverConfig    `mapstructure:"solver"`
	Surface   SurfaceConfig   `mapstructure:"surface"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Synthetic SyntheticConfig `mapstructure:"synthetic"`

	// MassiveAPIKey comes from MASSIVE_API_KEY or POLYGON_API_KEY only.
	MassiveAPIKey string `mapstructure:"-"`
}

type SolverConfig struct {
	Epsilon  float64 `mapstructure:"epsilon"`
	MaxIter  int     `mapstructure:"max_iter"`
	Seed     float64 `mapstructure:"seed"`
	MinVega  float64 `mapstructure:"min_vega"`
	MinSigma float64 `mapstructure:"min_sigma"`
	MaxSigma float64 `mapstructure:"max_sigma"`
}

type SurfaceConfig struct {
	MoneynessLow  float64  `mapstructure:"moneyness_low"`
	MoneynessHigh float64  `mapstructure:"moneyness_high"`
	IVSource      string   `mapstructure:"iv_source"`
	PriceField    string   `mapstructure:"price_field"`
	OptionTypes   []string `mapstructure:"option_types"`
	MaxExpiries   int      `mapstructure:"max_expiries"`
	TenorDays     []int    `mapstructure:"tenor_days"`
	TenorMatch    string   `mapstructure:"tenor_match"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SyntheticConfig struct {
	Seed int64   `mapstructure:"seed"`
	Spot float64 `mapstructure:"spot"`
}

func setDefaults(v *viper.Viper) {
	solver := pricing.DefaultSolverConfig()
	surf := surface.DefaultConfig()

	v.SetDefault("underlying", "SPY")
	v.SetDefault("rate", 0.0)
	v.SetDefault("div_yield", 0.0)
	v.SetDefault("provider", "synthetic")
	v.SetDefault("secondary", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("report_dir", "reports")
	v.SetDefault("verbosity", int(logger.Info))

	v.SetDefault("solver.epsilon", solver.Epsilon)
	v.SetDefault("solver.max_iter", solver.MaxIter)
	v.SetDefault("solver.seed", solver.Seed)
	v.SetDefault("solver.min_vega", solver.MinVega)
	v.SetDefault("solver.min_sigma", solver.MinSigma)
	v.SetDefault("solver.max_sigma", solver.MaxSigma)

	v.SetDefault("surface.moneyness_low", surf.MoneynessLow)
	v.SetDefault("surface.moneyness_high", surf.MoneynessHigh)
	v.SetDefault("surface.iv_source", string(surf.IVSource))
	v.SetDefault("surface.price_field", string(surf.PriceField))
	v.SetDefault("surface.option_types", []string{"call"})
	v.SetDefault("surface.max_expiries", 0)
	v.SetDefault("surface.tenor_days", []int{})
	v.SetDefault("surface.tenor_match", string(data.MatchNearest))

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("synthetic.seed", 1)
	v.SetDefault("synthetic.spot", 0.0)
}

// Load reads configPath (any format viper understands; empty means defaults
// and environment only) and validates the result. .env in the working
// directory is loaded first when present; variables already set in the
// environment win.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply their own
// overrides (command-line flags) before calling Validate.
func Read(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.MassiveAPIKey = os.Getenv("MASSIVE_API_KEY")
	if cfg.MassiveAPIKey == "" {
		cfg.MassiveAPIKey = os.Getenv("POLYGON_API_KEY")
	}
	return &cfg, nil
}

// Validate checks the settings that the typed conversions do not.
func (c *Config) Validate() error {
	for _, p := range []string{c.Provider, c.Secondary} {
		switch p {
		case "massive", "yahoo", "csv", "synthetic":
		case "":
			if p == c.Provider {
				return fmt.Errorf("%w: provider is required", pricing.ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown provider %q", pricing.ErrInvalidConfig, p)
		}
	}
	if c.Provider == "massive" && c.MassiveAPIKey == "" {
		return fmt.Errorf("%w: massive provider needs MASSIVE_API_KEY", pricing.ErrInvalidConfig)
	}
	if err := c.PricingSolver().Validate(); err != nil {
		return err
	}
	_, err := c.SurfaceBuild()
	return err
}

// PricingSolver converts the solver section.
func (c *Config) PricingSolver() pricing.SolverConfig {
	return pricing.SolverConfig{
		Epsilon:  c.Solver.Epsilon,
		MaxIter:  c.Solver.MaxIter,
		Seed:     c.Solver.Seed,
		MinVega:  c.Solver.MinVega,
		MinSigma: c.Solver.MinSigma,
		MaxSigma: c.Solver.MaxSigma,
	}
}

// SurfaceBuild assembles the surface builder configuration.
func (c *Config) SurfaceBuild() (surface.Config, error) {
	types := make([]pricing.OptionType, 0, len(c.Surface.OptionTypes))
	for _, s := range c.Surface.OptionTypes {
		t, err := pricing.ParseOptionType(s)
		if err != nil {
			return surface.Config{}, fmt.Errorf("%w: option_types: %v", pricing.ErrInvalidConfig, err)
		}
		types = append(types, t)
	}
	sc := surface.Config{
		MoneynessLow:  c.Surface.MoneynessLow,
		MoneynessHigh: c.Surface.MoneynessHigh,
		IVSource:      surface.IVSource(strings.ToLower(c.Surface.IVSource)),
		PriceField:    surface.PriceField(strings.ToLower(c.Surface.PriceField)),
		OptionTypes:   types,
		Rate:          c.Rate,
		DivYield:      c.DivYield,
		Solver:        c.PricingSolver(),
		MaxExpiries:   c.Surface.MaxExpiries,
		TenorDays:     c.Surface.TenorDays,
		TenorMatch:    data.DateMatchType(strings.ToLower(c.Surface.TenorMatch)),
	}
	return sc, sc.Validate()
}

// LoggerOptions converts the log section.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
