package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDirMergesArgs(t *testing.T) {
	dir := t.TempDir()
	doc := "granularity: 2\naggregate: mean\n"
	if err := os.WriteFile(filepath.Join(dir, "strategies.tunable.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	r := NewRegistry()
	var got map[string]interface{}
	r.MustRegister(NamespaceStrategies, "tunable", func(args map[string]interface{}) (interface{}, error) {
		got = args
		return struct{}{}, nil
	})

	if err := r.LoadConfigDir(dir); err != nil {
		t.Fatalf("LoadConfigDir() error = %v", err)
	}

	if _, err := r.Load(NamespaceStrategies, "tunable", nil); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got["granularity"] != 2 || got["aggregate"] != "mean" {
		t.Errorf("file args = %v", got)
	}

	// Explicit arguments override the file.
	if _, err := r.Load(NamespaceStrategies, "tunable", map[string]interface{}{"aggregate": "max"}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got["aggregate"] != "max" || got["granularity"] != 2 {
		t.Errorf("merged args = %v", got)
	}
}

func TestLoadConfigDirRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "strategies.bad.yaml"), []byte(":\n-::"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := NewRegistry().LoadConfigDir(dir); err == nil {
		t.Fatal("LoadConfigDir() accepted malformed YAML")
	}
}

func TestConfigArgsCopies(t *testing.T) {
	r := NewRegistry()
	r.configArgs[ConfigGroup(NamespaceGoals, "dummy")] = map[string]interface{}{"weight": 1}

	args := r.ConfigArgs(NamespaceGoals, "dummy")
	args["weight"] = 99
	if r.configArgs[ConfigGroup(NamespaceGoals, "dummy")]["weight"] != 1 {
		t.Error("ConfigArgs() returned a live reference")
	}
}
