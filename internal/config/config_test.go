package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestValidateDefault(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Validate(Default()) = %v, want nil", err)
	}
}

func TestValidateRejectsLowMaintenanceInterval(t *testing.T) {
	cfg := Default()
	cfg.Network.ConnectionMaintenanceIntervalSeconds = 5
	if err := Validate(cfg); err == nil {
		t.Error("Validate() succeeded with interval below 30s, want error")
	}
}

func TestValidateRejectsExcessiveMaxHops(t *testing.T) {
	cfg := Default()
	cfg.Relay.MaxHops = 4
	if err := Validate(cfg); err == nil {
		t.Error("Validate() succeeded with max_hops=4, want error")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	cfg := Default()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var got Config
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !reflect.DeepEqual(got, *cfg) {
		t.Errorf("round trip = %+v, want %+v", got, *cfg)
	}
}

func TestLoadJSONMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadJSON(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadJSON() error: %v", err)
	}
	if !reflect.DeepEqual(*cfg, *Default()) {
		t.Errorf("LoadJSON() on missing file = %+v, want defaults", cfg)
	}
}

func TestLoadJSONAppliesPartialOverridesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inkmesh.json")
	if err := os.WriteFile(path, []byte(`{"relay":{"max_hops":1}}`), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg, err := LoadJSON(path)
	if err != nil {
		t.Fatalf("LoadJSON() error: %v", err)
	}
	if cfg.Relay.MaxHops != 1 {
		t.Errorf("Relay.MaxHops = %d, want 1", cfg.Relay.MaxHops)
	}
	if cfg.Bootstrap.RetryIntervalMs != Default().Bootstrap.RetryIntervalMs {
		t.Errorf("Bootstrap.RetryIntervalMs = %d, want default preserved", cfg.Bootstrap.RetryIntervalMs)
	}
}
