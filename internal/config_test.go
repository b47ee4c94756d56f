package internal

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/tessera/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestCorpusConfig_IDMustFitURIHost(t *testing.T) {
	for _, id := range []string{"Case/42", "", "-x", "a b"} {
		cfg := CorpusConfig{ID: id, Path: "./corpus"}
		if err := cfg.Validate(); err == nil {
			t.Errorf("corpus id %q should fail", id)
		}
	}
	cfg := CorpusConfig{ID: "case-42.v1", Path: "./corpus"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid corpus id rejected: %v", err)
	}
}

func TestIntegrityConfig_Cron(t *testing.T) {
	cfg := IntegrityConfig{PrefixLen: 12, SweepCron: "not a cron"}
	if err := cfg.Validate(); err == nil {
		t.Error("invalid cron should fail")
	}
	cfg.SweepCron = "*/15 * * * *"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
	cfg.PrefixLen = 4
	if err := cfg.Validate(); err == nil {
		t.Error("short prefix should fail")
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("36h")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 36*time.Hour {
		t.Errorf("duration = %s", d.Duration)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_TOMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tessera.toml")
	content := `
[app]
log_level = "debug"
[app.http]
port = 9090
[corpus]
id = "case42"
path = "./mail"
[sqlite]
path = "./data/t.db"
[blobs]
path = "./data/blobs"
[pipeline]
window = "48h"
[integrity]
prefix_len = 16
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := config.Load(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.Corpus.ID != "case42" || cfg.Pipeline.Window.Duration != 48*time.Hour {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.Integrity.PrefixLen != 16 {
		t.Errorf("app = %+v, integrity = %+v", cfg.App, cfg.Integrity)
	}
	if cfg.DataDir() != "data" {
		t.Errorf("data dir = %s", cfg.DataDir())
	}
}
