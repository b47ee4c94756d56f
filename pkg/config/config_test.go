package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name string `yaml:"name" toml:"name"`
	Port int    `yaml:"port" toml:"port"`
}

func (s *sample) Validate() error {
	if s.Port == 0 {
		return errors.New("port required")
	}
	return nil
}

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TESSERA_TEST_NAME", "corpus-a")
	var s sample
	if err := Load(write(t, "c.yaml", "name: ${TESSERA_TEST_NAME}\nport: 9000\n"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "corpus-a" || s.Port != 9000 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_TOML(t *testing.T) {
	var s sample
	if err := Load(write(t, "c.toml", "name = \"corpus-b\"\nport = 9001\n"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "corpus-b" || s.Port != 9001 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_Validates(t *testing.T) {
	var s sample
	if err := Load(write(t, "c.yaml", "name: x\n"), &s); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	def := write(t, "default.yaml", "port: 1\n")
	var s sample
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), def, &s); err != nil {
		t.Fatal(err)
	}
	if s.Port != 1 {
		t.Errorf("got %+v", s)
	}
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), "", &s); err == nil {
		t.Error("expected not found error")
	}
}
