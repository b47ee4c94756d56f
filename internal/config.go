package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/integrity"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

var corpusIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Duration is a time.Duration read from "90s" style strings in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app" toml:"app"`
	Corpus    CorpusConfig      `yaml:"corpus" toml:"corpus"`
	SQLite    SQLiteConfig      `yaml:"sqlite" toml:"sqlite"`
	Blobs     BlobConfig        `yaml:"blobs" toml:"blobs"`
	Auth      AuthConfig        `yaml:"auth" toml:"auth"`
	Pipeline  PipelineConfig    `yaml:"pipeline" toml:"pipeline"`
	Integrity IntegrityConfig   `yaml:"integrity" toml:"integrity"`
	Rules     canon.Rules       `yaml:"rules" toml:"rules"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Corpus, &c.SQLite, &c.Blobs, &c.Pipeline, &c.Integrity} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return c.Auth.Validate()
}

// DataDir is the directory holding the database; the process lock lives there.
func (c *Config) DataDir() string {
	return filepath.Dir(c.SQLite.Path)
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" toml:"log_level"`
	HTTP     HTTPConfig `yaml:"http" toml:"http"`
}

// Validate validates the application configuration.
func (c ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
	// VerifyRate limits verification requests per second; VerifyBurst is
	// the bucket size.
	VerifyRate  float64 `yaml:"verify_rate" toml:"verify_rate"`
	VerifyBurst int     `yaml:"verify_burst" toml:"verify_burst"`
	// MaxUpload bounds an ingest upload in bytes.
	MaxUpload int64 `yaml:"max_upload" toml:"max_upload"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.VerifyRate, validation.Min(0.0)),
		validation.Field(&c.VerifyBurst, validation.Min(0)),
		validation.Field(&c.MaxUpload, validation.Min(int64(0))),
	)
}

// CorpusConfig names the corpus and where its files live.
type CorpusConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Path string `yaml:"path" toml:"path"`
	// Watch enables the drop-directory watcher under serve.
	Watch bool `yaml:"watch" toml:"watch"`
}

// Validate validates the corpus configuration.
func (c CorpusConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required, validation.Match(corpusIDRe).Error("must be lowercase letters, digits, dot, dash or underscore")),
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Validate validates the SQLite configuration.
func (c SQLiteConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
	)
}

// BlobConfig holds the content-addressed blob store location.
type BlobConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Validate validates the blob configuration.
func (c BlobConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
	)
}

// PipelineConfig tunes ingestion, reconciliation and threading.
type PipelineConfig struct {
	Workers     int      `yaml:"workers" toml:"workers"`
	BatchSize   int      `yaml:"batch_size" toml:"batch_size"`
	NodeID      int64    `yaml:"node_id" toml:"node_id"`
	SnapshotID  int64    `yaml:"snapshot_id" toml:"snapshot_id"`
	Tolerance   Duration `yaml:"tolerance" toml:"tolerance"`
	Window      Duration `yaml:"window" toml:"window"`
	AnchorLines int      `yaml:"anchor_lines" toml:"anchor_lines"`
}

// Validate validates the pipeline configuration.
func (c PipelineConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Workers, validation.Min(0)),
		validation.Field(&c.BatchSize, validation.Min(0)),
		validation.Field(&c.NodeID, validation.Min(int64(0)), validation.Max(int64(1023))),
		validation.Field(&c.SnapshotID, validation.Min(int64(0))),
		validation.Field(&c.AnchorLines, validation.Min(0)),
	)
}

// IntegrityConfig tunes pointers and the verification sweep.
type IntegrityConfig struct {
	PrefixLen int    `yaml:"prefix_len" toml:"prefix_len"`
	SweepCron string `yaml:"sweep_cron" toml:"sweep_cron"`
	Sweep     bool   `yaml:"sweep" toml:"sweep"`
}

// Validate validates the integrity configuration.
func (c IntegrityConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PrefixLen, validation.Min(8), validation.Max(64)),
		validation.Field(&c.SweepCron, validation.By(func(v any) error {
			s, _ := v.(string)
			if s == "" {
				return nil
			}
			return integrity.ValidateCron(s)
		})),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Token string `yaml:"token" toml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:        8080,
				VerifyRate:  50,
				VerifyBurst: 100,
				MaxUpload:   32 << 20,
			},
		},
		Corpus: CorpusConfig{
			ID:    "default",
			Path:  "./corpus",
			Watch: true,
		},
		SQLite: SQLiteConfig{
			Path: "./data/tessera.db",
		},
		Blobs: BlobConfig{
			Path: "./data/blobs",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Pipeline: PipelineConfig{
			BatchSize: 200,
		},
		Integrity: IntegrityConfig{
			PrefixLen: integrity.DefaultPrefixLen,
			SweepCron: integrity.DefaultSweepCron,
			Sweep:     true,
		},
		Rules: canon.DefaultRules(),
	}
}
