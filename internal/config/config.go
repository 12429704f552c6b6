// Package config handles configuration loading for the ion-image server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	View   ViewConfig   `yaml:"view"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one imzML dataset.
type DatasetConfig struct {
	ImzMLPath string `yaml:"imzml_path"`
}

// DataConfig contains the configured datasets. The first dataset in YAML
// order is the default.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset IDs in config order.
func (d *DataConfig) DatasetIDs() []string {
	return d.order
}

// UnmarshalYAML accepts either the multi-dataset form
//
//	data:
//	  brain:
//	    imzml_path: /data/brain.imzML
//
// or the legacy single-dataset form
//
//	data:
//	  imzml_path: /data/brain.imzML
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("data section must be a mapping, got %v", value.Kind)
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	// Legacy form: the mapping itself is a DatasetConfig.
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "imzml_path" {
			var ds DatasetConfig
			if err := value.Decode(&ds); err != nil {
				return err
			}
			d.Datasets["default"] = ds
			d.order = []string{"default"}
			d.DefaultDataset = "default"
			return nil
		}
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		id := value.Content[i].Value
		var ds DatasetConfig
		if err := value.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", id, err)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB       int `yaml:"image_size_mb"`
	ImageTTLMinutes   int `yaml:"image_ttl_minutes"`
	SpectrumCacheSize int `yaml:"spectrum_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	DefaultColormap string `yaml:"default_colormap"`
}

// ViewConfig contains view-state settings.
type ViewConfig struct {
	HalfWidth float64 `yaml:"half_width"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "IonMap",
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {ImzMLPath: "./data/example.imzML"},
			},
			order: []string{"default"},
		},
		Cache: CacheConfig{
			ImageSizeMB:       256,
			ImageTTLMinutes:   10,
			SpectrumCacheSize: 4096,
		},
		Render: RenderConfig{
			Width:           512,
			Height:          512,
			DefaultColormap: "viridis",
		},
		View: ViewConfig{
			HalfWidth: 0.1,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.SpectrumCacheSize == 0 {
		cfg.Cache.SpectrumCacheSize = defaults.Cache.SpectrumCacheSize
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.View.HalfWidth == 0 {
		cfg.View.HalfWidth = defaults.View.HalfWidth
	}
}
