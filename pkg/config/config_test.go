package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rtmask/pkg/association"
	"rtmask/pkg/rasterize"
)

// TestDefaultConfig verifies defaults match the library defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Processing.Workers <= 0 {
		t.Errorf("expected positive worker count, got %d", cfg.Processing.Workers)
	}
	if cfg.Processing.SliceTolerance != rasterize.DefaultSliceTolerance {
		t.Errorf("slice tolerance %v", cfg.Processing.SliceTolerance)
	}
	if _, err := cfg.Registry(); !errors.Is(err, association.ErrNoWantedRegions) {
		t.Errorf("expected ErrNoWantedRegions without wanted regions, got %v", err)
	}
}

// TestLoadConfig round-trips a configuration and resolves the association file
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "rtmask.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Workers = 3
	cfg.Scan.Modalities = []string{"CT"}
	cfg.Regions.Wanted = []string{"Tumor", "Liver"}
	cfg.Regions.Priority = []string{"Tumor"}
	cfg.Regions.Associations = []association.Entry{{Canonical: "Tumor", Synonyms: []string{"GTV"}}}
	cfg.Regions.AssociationFile = "names.yaml"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	names := "- canonical: Liver\n  synonyms: [leber, hepar]\n"
	if err := os.WriteFile(filepath.Join(dir, "conf", "names.yaml"), []byte(names), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Processing.Workers != 3 || len(loaded.Scan.Modalities) != 1 {
		t.Errorf("unexpected processing settings %+v", loaded.Processing)
	}
	if loaded.Regions.AssociationFile != filepath.Join(dir, "conf", "names.yaml") {
		t.Errorf("association file not resolved: %s", loaded.Regions.AssociationFile)
	}

	reg, err := loaded.Registry()
	if err != nil {
		t.Fatalf("Registry failed: %v", err)
	}
	tests := []struct {
		raw   string
		label int
	}{
		{"gtv", 1},
		{"Tumor", 1},
		{"HEPAR", 2},
		{"liver", 2},
	}
	for _, tt := range tests {
		if _, label, ok := reg.Lookup(tt.raw); !ok || label != tt.label {
			t.Errorf("Lookup(%q) = %d, %v; want %d", tt.raw, label, ok, tt.label)
		}
	}

	opts := loaded.RasterizeOptions()
	if len(opts.Priority) != 1 || opts.SliceTolerance != rasterize.DefaultSliceTolerance {
		t.Errorf("unexpected rasterize options %+v", opts)
	}
	if s := loaded.Scanner(); s.Workers != 3 || s.Modalities[0] != "CT" {
		t.Errorf("unexpected scanner %+v", s)
	}
}

// TestLoadConfigMissing returns defaults for a missing file
func TestLoadConfigMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Output.Directory != DefaultConfig().Output.Directory {
		t.Error("expected default configuration")
	}
}

// TestLoadConfigInvalid reports malformed YAML
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("processing: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected a parse error")
	}
}
