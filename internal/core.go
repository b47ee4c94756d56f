package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/blobstore"
	"github.com/starford/tessera/internal/dedupe"
	"github.com/starford/tessera/internal/fingerprint"
	"github.com/starford/tessera/internal/integrity"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/pipeline"
	"github.com/starford/tessera/internal/service"
	"github.com/starford/tessera/internal/source"
	"github.com/starford/tessera/internal/sse"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/threading"
	"github.com/starford/tessera/internal/timestamp"
)

// LockFile is the process lock taken inside the data directory.
const LockFile = "tessera.lock"

// Core is an opened data directory with every component wired.
type Core struct {
	Config    *Config
	Logger    *slog.Logger
	Service   *service.Service
	Integrity *integrity.Store
	Metrics   *metrics.Metrics
	Corpus    *source.Dir

	lock  *flock.Flock
	db    *store.DB
	blobs *blobstore.Store
}

// Open applies opts, takes the data-directory lock and opens the store,
// blob store, corpus and every component on top of them. Close releases
// everything.
func Open(opts ...Option) (*Core, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := app.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
	}

	c := &Core{Config: cfg, Logger: logger}
	if err := c.open(app.events); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) open(events Notifier) error {
	cfg := c.Config
	for _, dir := range []string{cfg.DataDir(), cfg.Blobs.Path, cfg.Corpus.Path} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	lockPath := filepath.Join(cfg.DataDir(), LockFile)
	c.lock = flock.New(lockPath)
	ok, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		c.lock = nil
		return fmt.Errorf("data directory %s is held by another process: %w", cfg.DataDir(), apperr.ErrConflict)
	}

	if c.db, err = store.Open(cfg.SQLite.Path); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if c.blobs, err = blobstore.Open(cfg.Blobs.Path); err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	if c.Corpus, err = source.NewDir(cfg.Corpus.Path); err != nil {
		return fmt.Errorf("init corpus: %w", err)
	}

	c.Metrics = metrics.New()
	c.Metrics.StoreStats(c.blobs.Stats)

	ledger := audit.New(c.db)
	c.Integrity = integrity.New(c.db, ledger,
		integrity.Sources{Corpus: c.Corpus, Blobs: c.blobs},
		integrity.Options{CorpusID: cfg.Corpus.ID, PrefixLen: cfg.Integrity.PrefixLen, Rules: cfg.Rules},
		c.Logger,
		integrity.WithDriftHook(func(r integrity.DriftReport) {
			c.Metrics.Drift()
			if events != nil {
				events.PublishDecision(sse.TypeDrift, r.Item.ItemID, r)
			}
		}),
	)

	dd := dedupe.New(ledger, c.Logger)
	threads := threading.New(ledger, c.Logger, threading.Options{Window: cfg.Pipeline.Window.Duration})
	deps := pipeline.Deps{
		DB:        c.db,
		Ledger:    ledger,
		Dedupe:    dd,
		Threads:   threads,
		Integrity: c.Integrity,
		Metrics:   c.Metrics,
		Events:    events,
	}
	p, err := pipeline.New(deps, pipeline.Options{
		Workers:     cfg.Pipeline.Workers,
		BatchSize:   cfg.Pipeline.BatchSize,
		NodeID:      cfg.Pipeline.NodeID,
		Rules:       cfg.Rules,
		Timestamp:   timestamp.Options{Tolerance: cfg.Pipeline.Tolerance.Duration},
		Fingerprint: fingerprint.Options{AnchorLines: cfg.Pipeline.AnchorLines},
		SnapshotID:  cfg.Pipeline.SnapshotID,
	}, c.Logger)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	c.Service = service.New(service.Deps{
		DB:        c.db,
		Ledger:    ledger,
		Dedupe:    dd,
		Threads:   threads,
		Integrity: c.Integrity,
		Pipeline:  p,
		Corpus:    c.Corpus,
		Metrics:   c.Metrics,
	}, c.Logger)
	return nil
}

// Ready reports whether the store answers.
func (c *Core) Ready(ctx context.Context) error {
	return c.db.Ping(ctx)
}

// Close releases the store, the blob store and the lock.
func (c *Core) Close() error {
	var errs []error
	if c.blobs != nil {
		errs = append(errs, c.blobs.Close())
		c.blobs = nil
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
		c.db = nil
	}
	if c.lock != nil {
		errs = append(errs, c.lock.Unlock())
		c.lock = nil
	}
	return errors.Join(errs...)
}
