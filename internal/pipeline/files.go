package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/source"
)

// IngestFiles loads paths from the corpus and ingests them as one batch.
// A file that cannot be read or parsed is reported as MalformedInput.
func (p *Pipeline) IngestFiles(ctx context.Context, corpus source.Provider, paths []string) (*Report, error) {
	var (
		raws   []models.RawMessage
		failed []string
		errs   []error
	)
	for _, path := range paths {
		raw, err := source.Load(corpus, path)
		if err != nil {
			failed = append(failed, path)
			errs = append(errs, apperr.Wrap(apperr.MalformedInput, path, err))
			continue
		}
		raws = append(raws, raw)
	}

	rep, err := p.Ingest(ctx, raws)
	if err != nil {
		return nil, err
	}
	ctx = audit.WithRun(ctx, rep.RunID)
	for i, path := range failed {
		res := Result{Index: len(rep.Results), Source: source.Origin(path)}
		p.fail(ctx, source.Provenance(path), &res, errs[i])
		rep.Results = append(rep.Results, res)
	}
	if len(failed) > 0 {
		rep.count()
	}
	return rep, nil
}

// IngestDir ingests every .eml file under dir in batches, ordered by path.
func (p *Pipeline) IngestDir(ctx context.Context, corpus source.Provider, dir string) ([]*Report, error) {
	entries, err := corpus.List(dir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list %s: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)

	var reps []*Report
	size := p.opts.batchSize()
	for start := 0; start < len(paths); start += size {
		if err := ctx.Err(); err != nil {
			return reps, err
		}
		end := min(start+size, len(paths))
		rep, err := p.IngestFiles(ctx, corpus, paths[start:end])
		if err != nil {
			return reps, err
		}
		reps = append(reps, rep)
		p.logger.Info("directory batch done",
			slog.String("dir", dir),
			slog.Int("files", end-start),
			slog.Int("done", end),
			slog.Int("total", len(paths)))
	}
	return reps, nil
}
