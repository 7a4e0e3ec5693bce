package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestDefaultConfigParses(t *testing.T) {
	p := filepath.Join(t.TempDir(), configFile)
	f, err := createDefaultConfig(p)
	if err != nil {
		t.Fatalf("createDefaultConfig: %v", err)
	}
	f.Close()

	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if c.CompressionReportingPeriod != 0 {
		t.Errorf("CompressionReportingPeriod = %d; want 0", c.CompressionReportingPeriod)
	}
	if c.MaxNumFrames != nil || c.CachePageSize != nil || c.ShadowSize != nil {
		t.Errorf("default config should leave optional fields unset")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	frames := 32
	pageSize := 65536
	shadowSize := uint64(1 << 24)
	in := Config{
		MaxNumFrames:               &frames,
		CompressionReportingPeriod: 1000,
		CachePageSize:              &pageSize,
		ShadowSize:                 &shadowSize,
	}

	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.MaxNumFrames == nil || *out.MaxNumFrames != frames {
		t.Errorf("MaxNumFrames = %v; want %d", out.MaxNumFrames, frames)
	}
	if out.CompressionReportingPeriod != in.CompressionReportingPeriod {
		t.Errorf("CompressionReportingPeriod = %d; want %d", out.CompressionReportingPeriod, in.CompressionReportingPeriod)
	}
	if out.CachePageSize == nil || *out.CachePageSize != pageSize {
		t.Errorf("CachePageSize = %v; want %d", out.CachePageSize, pageSize)
	}
	if out.ShadowSize == nil || *out.ShadowSize != shadowSize {
		t.Errorf("ShadowSize = %v; want %d", out.ShadowSize, shadowSize)
	}
}
