// Package service exposes ingestion, verification, export and review over
// the evidence store. The HTTP API, the MCP server and the CLI share it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/audit"
	"github.com/starford/tessera/internal/dedupe"
	"github.com/starford/tessera/internal/integrity"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/pipeline"
	"github.com/starford/tessera/internal/source"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/threading"
)

// UploadDir is the corpus folder uploads land in when no mailbox is given.
const UploadDir = "uploads"

// Deps are the components a Service coordinates.
type Deps struct {
	DB        *store.DB
	Ledger    *audit.Ledger
	Dedupe    *dedupe.Deduplicator
	Threads   *threading.Builder
	Integrity *integrity.Store
	Pipeline  *pipeline.Pipeline
	Corpus    source.Provider
	Metrics   *metrics.Metrics
}

// Service coordinates the evidence components.
type Service struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a service.
func New(deps Deps, logger *slog.Logger) *Service {
	return &Service{deps: deps, logger: logger.With(slog.String("component", "service"))}
}

// MessageView is a message with everything decided about it.
type MessageView struct {
	Message models.Message        `json:"message"`
	Link    *models.Link          `json:"link,omitempty"`
	Dedupe  []models.DedupeRecord `json:"dedupe"`
	Items   []models.ItemVersion  `json:"items"`
}

// ReviewQueue lists every decision waiting for a human.
type ReviewQueue struct {
	Dedupe   []models.DedupeRecord     `json:"dedupe"`
	Links    []models.Link             `json:"links"`
	Pointers []models.IntegrityPointer `json:"pointers"`
}

// PointerRequest asks for a pointer on a line range of an item.
type PointerRequest struct {
	SourceKey string `json:"source_key"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Role      string `json:"role"`
}

// Ingest runs one batch through the pipeline.
func (s *Service) Ingest(ctx context.Context, raws []models.RawMessage) (*pipeline.Report, error) {
	return s.deps.Pipeline.Ingest(ctx, raws)
}

// IngestFiles ingests corpus paths as one batch.
func (s *Service) IngestFiles(ctx context.Context, paths []string) (*pipeline.Report, error) {
	if s.deps.Corpus == nil {
		return nil, fmt.Errorf("service: ingest files: no corpus: %w", apperr.ErrNotFound)
	}
	return s.deps.Pipeline.IngestFiles(ctx, s.deps.Corpus, paths)
}

// IngestDir ingests every .eml file under dir of the given corpus.
func (s *Service) IngestDir(ctx context.Context, corpus source.Provider, dir string) ([]*pipeline.Report, error) {
	return s.deps.Pipeline.IngestDir(ctx, corpus, dir)
}

// Upload stores data in the corpus under mailbox/name and ingests it. The
// stored file is the live origin of its evidence items.
func (s *Service) Upload(ctx context.Context, mailbox, name string, data []byte) (*pipeline.Report, error) {
	if s.deps.Corpus == nil {
		return nil, fmt.Errorf("service: upload: no corpus: %w", apperr.ErrNotFound)
	}
	rel, err := uploadPath(mailbox, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Corpus.Stat(rel); err == nil {
		existing, rerr := s.deps.Corpus.Read(rel)
		if rerr != nil {
			return nil, fmt.Errorf("service: upload %s: %w", rel, rerr)
		}
		if string(existing) != string(data) {
			return nil, fmt.Errorf("service: upload %s: %w", rel, apperr.ErrAlreadyExists)
		}
	} else if err := s.deps.Corpus.Write(rel, data); err != nil {
		return nil, fmt.Errorf("service: upload %s: %w", rel, err)
	}
	return s.IngestFiles(ctx, []string{rel})
}

func uploadPath(mailbox, name string) (string, error) {
	if mailbox == "" {
		mailbox = UploadDir
	}
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || clean != path.Base(clean) || strings.HasPrefix(clean, ".") {
		return "", apperr.New(apperr.MalformedInput, name, "invalid file name")
	}
	if !strings.EqualFold(path.Ext(clean), source.Ext) {
		return "", apperr.New(apperr.MalformedInput, name, "expected a "+source.Ext+" file")
	}
	box := path.Clean(strings.Trim(mailbox, "/"))
	if box == "." || strings.HasPrefix(box, "..") {
		return "", apperr.New(apperr.MalformedInput, mailbox, "invalid mailbox")
	}
	return box + "/" + clean, nil
}

// Verify checks each URI. A malformed URI yields unknown_pointer; only a
// storage failure aborts.
func (s *Service) Verify(ctx context.Context, uris []string) ([]models.VerifyResult, error) {
	out := make([]models.VerifyResult, 0, len(uris))
	for _, u := range uris {
		res, err := s.deps.Integrity.VerifyURI(ctx, u)
		if err != nil && !apperr.IsItemScoped(err) {
			return nil, fmt.Errorf("service: verify: %w", err)
		}
		s.deps.Metrics.Verified(res.Reason)
		out = append(out, res)
	}
	return out, nil
}

// VerifyPointer verifies a stored pointer by ID.
func (s *Service) VerifyPointer(ctx context.Context, id int64) (models.VerifyResult, error) {
	p, err := s.deps.DB.GetPointer(ctx, id)
	if err != nil {
		return models.VerifyResult{}, fmt.Errorf("service: pointer %d: %w", id, err)
	}
	res := s.deps.Integrity.Verify(ctx, p)
	s.deps.Metrics.Verified(res.Reason)
	return res, nil
}

// IssuePointer issues a pointer on the current version of an item.
func (s *Service) IssuePointer(ctx context.Context, req PointerRequest) (*models.IntegrityPointer, error) {
	if req.Role == "" {
		req.Role = models.RoleSupport
	}
	p, err := s.deps.Integrity.IssuePointer(ctx, req.SourceKey, req.StartLine, req.EndLine, req.Role)
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.PointerIssued(p.Role)
	return p, nil
}

// Message returns id with its link, dedupe records and evidence items.
func (s *Service) Message(ctx context.Context, id string) (*MessageView, error) {
	m, err := s.deps.DB.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: message %s: %w", id, err)
	}
	view := &MessageView{Message: *m}
	l, err := s.deps.DB.CurrentLink(ctx, m.CanonicalID)
	switch {
	case err == nil:
		view.Link = l
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("service: message %s: %w", id, err)
	}
	if view.Dedupe, err = s.deps.DB.DedupeRecordsFor(ctx, id); err != nil {
		return nil, fmt.Errorf("service: message %s: %w", id, err)
	}
	if view.Items, err = s.deps.DB.ItemsForMessage(ctx, id); err != nil {
		return nil, fmt.Errorf("service: message %s: %w", id, err)
	}
	return view, nil
}

// Thread returns the thread containing id.
func (s *Service) Thread(ctx context.Context, id string) (*models.Thread, error) {
	return threading.Thread(ctx, s.deps.DB, id)
}

// ExplainLink returns the story behind child's parent assignment.
func (s *Service) ExplainLink(ctx context.Context, child string) (*audit.Explanation, error) {
	return s.deps.Ledger.ExplainLink(ctx, child)
}

// Dedupe returns every dedupe record naming id.
func (s *Service) Dedupe(ctx context.Context, id string) ([]models.DedupeRecord, error) {
	recs, err := s.deps.DB.DedupeRecordsFor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: dedupe %s: %w", id, err)
	}
	if len(recs) == 0 {
		if _, err := s.deps.DB.GetMessage(ctx, id); err != nil {
			return nil, fmt.Errorf("service: dedupe %s: %w", id, err)
		}
	}
	return recs, nil
}

// Audit returns the entries about subject in append order.
func (s *Service) Audit(ctx context.Context, subject string) ([]models.AuditEntry, error) {
	if subject == "" {
		return nil, apperr.New(apperr.MalformedInput, "subject", "subject is required")
	}
	return s.deps.Ledger.BySubject(ctx, subject)
}

// Review returns the review queue.
func (s *Service) Review(ctx context.Context) (*ReviewQueue, error) {
	var (
		q   ReviewQueue
		err error
	)
	if q.Dedupe, err = dedupe.Review(ctx, s.deps.DB); err != nil {
		return nil, fmt.Errorf("service: review: %w", err)
	}
	if q.Links, err = threading.Review(ctx, s.deps.DB); err != nil {
		return nil, fmt.Errorf("service: review: %w", err)
	}
	if q.Pointers, err = s.deps.Integrity.Review(ctx); err != nil {
		return nil, fmt.Errorf("service: review: %w", err)
	}
	return &q, nil
}

// ResolveDedupe settles an ambiguous dedupe record. When the record folds
// into another canonical, the loser's children move to the winner in the
// same transaction.
func (s *Service) ResolveDedupe(ctx context.Context, recordID int64, winner, actor string) (*models.DedupeRecord, error) {
	unlock := s.deps.Threads.Lock()
	defer unlock()

	var rec *models.DedupeRecord
	err := s.deps.DB.InTx(ctx, func(q *store.Queries) error {
		var err error
		if rec, err = s.deps.Dedupe.ResolveTx(ctx, q, recordID, winner, actor); err != nil {
			return err
		}
		if rec.WinnerID == rec.LoserID {
			return nil
		}
		_, err = s.deps.Threads.Redirect(ctx, q, rec.LoserID, rec.WinnerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResolveLink records a reviewer's parent choice.
func (s *Service) ResolveLink(ctx context.Context, child, parent, actor string) (models.Link, error) {
	return s.deps.Threads.ResolveLink(ctx, s.deps.DB, child, parent, actor)
}

// ThreadIDs returns the root of every thread in the store, sorted.
func (s *Service) ThreadIDs(ctx context.Context) ([]string, error) {
	ids, err := s.deps.DB.CanonicalIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: threads: %w", err)
	}
	seen := make(map[string]bool)
	var roots []string
	for _, id := range ids {
		root, err := threading.Root(ctx, s.deps.DB, id)
		if err != nil {
			return nil, fmt.Errorf("service: threads: %w", err)
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

// ExportFile is one exported thread document.
type ExportFile struct {
	Thread *models.Thread       `json:"thread"`
	Audit  []models.AuditEntry  `json:"audit"`
	Items  []models.ItemVersion `json:"items"`
}

// Export writes one JSON document per thread to out and returns the thread
// IDs written. Writes are atomic per file; the store is only read.
func (s *Service) Export(ctx context.Context, out source.Provider) ([]string, error) {
	roots, err := s.ThreadIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.exportThread(ctx, root)
		if err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("service: export %s: %w", root, err)
		}
		if err := out.Write("thread-"+root+".json", append(data, '\n')); err != nil {
			return nil, fmt.Errorf("service: export %s: %w", root, err)
		}
	}
	s.logger.Info("export finished", slog.Int("threads", len(roots)))
	return roots, nil
}

func (s *Service) exportThread(ctx context.Context, root string) (*ExportFile, error) {
	th, err := s.Thread(ctx, root)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Ledger.ByThread(ctx, root)
	if err != nil {
		return nil, err
	}
	doc := &ExportFile{Thread: th, Audit: entries, Items: []models.ItemVersion{}}
	for _, m := range th.Members {
		items, err := s.deps.DB.ItemsForMessage(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("service: export %s: %w", root, err)
		}
		doc.Items = append(doc.Items, items...)
	}
	return doc, nil
}
