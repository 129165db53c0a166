// Package config provides configuration loading and management for rtmask.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"rtmask/pkg/association"
	"rtmask/pkg/index"
	"rtmask/pkg/rasterize"
	"rtmask/pkg/volume"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers specifies how many series are converted in parallel
		Workers int `yaml:"workers"`

		// GeometryTolerance bounds pixel spacing and orientation differences between slices
		GeometryTolerance float64 `yaml:"geometryTolerance"`

		// SpacingTolerance bounds slice gap deviation as a fraction of the mean gap
		SpacingTolerance float64 `yaml:"spacingTolerance"`

		// PositionTolerance bounds in-plane drift of slice origins in mm
		PositionTolerance float64 `yaml:"positionTolerance"`

		// SliceTolerance is how far off a slice centre a contour may lie, in slices
		SliceTolerance float64 `yaml:"sliceTolerance"`
	} `yaml:"processing"`

	// Scan parameters
	Scan struct {
		// Modalities restricts indexed image series; empty accepts every image modality
		Modalities []string `yaml:"modalities"`
	} `yaml:"scan"`

	// Region request
	Regions struct {
		// Wanted lists canonical region names in label order
		Wanted []string `yaml:"wanted"`

		// Priority lists regions painted last where regions overlap
		Priority []string `yaml:"priority"`

		// Associations maps raw region names to canonical names
		Associations []association.Entry `yaml:"associations"`

		// AssociationFile is an optional YAML association table merged with Associations
		AssociationFile string `yaml:"associationFile"`
	} `yaml:"regions"`

	// Output parameters
	Output struct {
		// Directory receives NRRD volumes and generated structure sets
		Directory string `yaml:"directory"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	asm := volume.NewAssembler()
	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.GeometryTolerance = asm.GeometryTolerance
	cfg.Processing.SpacingTolerance = asm.SpacingTolerance
	cfg.Processing.PositionTolerance = asm.PositionTolerance
	cfg.Processing.SliceTolerance = rasterize.DefaultSliceTolerance

	cfg.Output.Directory = "rtmask_output"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// a relative association file is resolved next to the config file
	if f := cfg.Regions.AssociationFile; f != "" && !filepath.IsAbs(f) {
		cfg.Regions.AssociationFile = filepath.Join(filepath.Dir(configPath), f)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Registry builds the association registry of the region request.
func (c *Config) Registry() (*association.Registry, error) {
	table, err := association.NewTable(c.Regions.Associations...)
	if err != nil {
		return nil, fmt.Errorf("invalid associations: %w", err)
	}
	if c.Regions.AssociationFile != "" {
		file, err := association.LoadTable(c.Regions.AssociationFile)
		if err != nil {
			return nil, err
		}
		if err := table.Merge(file); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Regions.AssociationFile, err)
		}
	}
	return association.New(c.Regions.Wanted, table)
}

// Assembler returns a volume assembler using the configured tolerances.
func (c *Config) Assembler() *volume.Assembler {
	asm := volume.NewAssembler()
	asm.GeometryTolerance = c.Processing.GeometryTolerance
	asm.SpacingTolerance = c.Processing.SpacingTolerance
	asm.PositionTolerance = c.Processing.PositionTolerance
	return asm
}

// Scanner returns a directory scanner using the configured workers and modalities.
func (c *Config) Scanner() *index.Scanner {
	s := index.NewScanner()
	if c.Processing.Workers > 0 {
		s.Workers = c.Processing.Workers
	}
	s.Modalities = c.Scan.Modalities
	return s
}

// RasterizeOptions returns the configured contour filling options.
func (c *Config) RasterizeOptions() rasterize.Options {
	return rasterize.Options{
		SliceTolerance: c.Processing.SliceTolerance,
		Priority:       c.Regions.Priority,
	}
}
