package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "contoh"
version = "0.1.0"

[source]
dirs = ["src"]
entry = "src/main.mnf"

[tests]
dir = "pengujian"

[vm]
instruction-budget = 500000
debug = true

[cache]
enabled = true
path = "build/cache.db"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Project.Name != "contoh" || m.Project.Version != "0.1.0" {
		t.Errorf("project = %+v", m.Project)
	}
	if len(m.Source.Dirs) != 1 || m.Source.Entry != "src/main.mnf" {
		t.Errorf("source = %+v", m.Source)
	}
	if m.Tests.Dir != "pengujian" {
		t.Errorf("tests dir = %q", m.Tests.Dir)
	}
	if m.VM.InstructionBudget != 500000 || !m.VM.Debug {
		t.Errorf("vm = %+v", m.VM)
	}
	if !m.Cache.Enabled {
		t.Error("cache not enabled")
	}
	if m.CachePath() != filepath.Join(dir, "build", "cache.db") {
		t.Errorf("cache path = %q", m.CachePath())
	}
	if m.Dir != dir {
		t.Errorf("dir = %q, want %q", m.Dir, dir)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "kosong"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Tests.Dir != "tests" {
		t.Errorf("default tests dir = %q", m.Tests.Dir)
	}
	if m.Cache.Enabled {
		t.Error("cache must default to disabled")
	}
	if m.Cache.Path == "" {
		t.Error("default cache path missing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestLoadBadTOML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project\nname=")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[project]
name = "induk"
`)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m.Project.Name != "induk" {
		t.Errorf("project = %q, want induk", m.Project.Name)
	}
}

func TestFindAndLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if m.Project.Name != "" || m.Tests.Dir != "tests" {
		t.Errorf("defaults wrong: %+v", m)
	}
}
