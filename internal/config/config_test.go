package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_LegacyFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  imzml_path: "/data/legacy/brain.imzML"
cache:
  image_size_mb: 128
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if ds.ImzMLPath != "/data/legacy/brain.imzML" {
		t.Errorf("unexpected imzml_path: %s", ds.ImzMLPath)
	}
	if cfg.Cache.ImageSizeMB != 128 {
		t.Errorf("expected image cache 128MB, got %d", cfg.Cache.ImageSizeMB)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  brain:
    imzml_path: "/data/brain/brain.imzML"
  liver:
    imzml_path: "/data/liver/liver.imzML"
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "brain" {
		t.Errorf("expected default dataset 'brain', got %q", cfg.Data.DefaultDataset)
	}

	liver, ok := cfg.Data.Datasets["liver"]
	if !ok {
		t.Fatal("expected 'liver' dataset")
	}
	if liver.ImzMLPath != "/data/liver/liver.imzML" {
		t.Errorf("unexpected liver imzml_path: %s", liver.ImzMLPath)
	}

	// Check order preserved
	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "brain" || ids[1] != "liver" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    imzml_path: "/test/slice.imzML"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Render.Width != 512 || cfg.Render.Height != 512 {
		t.Errorf("expected default render size 512x512, got %dx%d", cfg.Render.Width, cfg.Render.Height)
	}
	if cfg.Render.DefaultColormap != "viridis" {
		t.Errorf("expected default colormap viridis, got %q", cfg.Render.DefaultColormap)
	}
	if cfg.View.HalfWidth != 0.1 {
		t.Errorf("expected default half width 0.1, got %v", cfg.View.HalfWidth)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
