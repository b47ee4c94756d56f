package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/starford/tessera/internal/models"
)

// InsertDedupeRecord appends a dedupe record. When rec.Supersedes is set the
// superseded record is flagged deprecated in the same call.
func (q *Queries) InsertDedupeRecord(ctx context.Context, rec models.DedupeRecord) (int64, error) {
	hashes, err := json.Marshal(rec.Hashes)
	if err != nil {
		return 0, fmt.Errorf("store: marshal hashes: %w", err)
	}
	candidates, err := json.Marshal(nonNilStrings(rec.Candidates))
	if err != nil {
		return 0, fmt.Errorf("store: marshal candidates: %w", err)
	}
	if rec.Supersedes != 0 {
		if _, err := q.q.ExecContext(ctx, `UPDATE dedupe_records SET deprecated = 1 WHERE id = ? AND deprecated = 0`, rec.Supersedes); err != nil {
			return 0, mapErr("deprecate dedupe record", err)
		}
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO dedupe_records (winner_id, loser_id, level, status, hashes, candidates, provenance, reason, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.WinnerID, rec.LoserID, string(rec.Level), rec.Status, string(hashes), string(candidates),
		rec.Provenance, rec.Reason, nullInt(rec.Supersedes), formatTime(rec.CreatedAt))
	if err != nil {
		return 0, mapErr("insert dedupe record", err)
	}
	return res.LastInsertId()
}

const dedupeSelect = `
	SELECT id, winner_id, loser_id, level, status, hashes, candidates, provenance, reason,
		COALESCE(supersedes, 0), deprecated, created_at
	FROM dedupe_records`

func scanDedupe(sc interface{ Scan(...any) error }) (*models.DedupeRecord, error) {
	var (
		r                  models.DedupeRecord
		level, created     string
		hashes, candidates string
	)
	if err := sc.Scan(&r.ID, &r.WinnerID, &r.LoserID, &level, &r.Status, &hashes, &candidates,
		&r.Provenance, &r.Reason, &r.Supersedes, &r.Deprecated, &created); err != nil {
		return nil, err
	}
	r.Level = models.DedupeLevel(level)
	r.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(hashes), &r.Hashes); err != nil {
		return nil, fmt.Errorf("decode hashes: %w", err)
	}
	if err := json.Unmarshal([]byte(candidates), &r.Candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return &r, nil
}

func (q *Queries) queryDedupe(ctx context.Context, op, where string, args ...any) ([]models.DedupeRecord, error) {
	rows, err := q.q.QueryContext(ctx, dedupeSelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	out := []models.DedupeRecord{}
	for rows.Next() {
		r, err := scanDedupe(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, *r)
	}
	return out, mapErr(op, rows.Err())
}

// GetDedupeRecord returns one record by id, deprecated or not.
func (q *Queries) GetDedupeRecord(ctx context.Context, id int64) (*models.DedupeRecord, error) {
	r, err := scanDedupe(q.q.QueryRowContext(ctx, dedupeSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, mapErr("get dedupe record", err)
	}
	return r, nil
}

// DedupeRecordsFor returns every record naming messageID as winner or loser,
// including superseded ones, oldest first.
func (q *Queries) DedupeRecordsFor(ctx context.Context, messageID string) ([]models.DedupeRecord, error) {
	return q.queryDedupe(ctx, "dedupe records for", `WHERE winner_id = ? OR loser_id = ? ORDER BY id`, messageID, messageID)
}

// AmbiguousDedupe returns current records awaiting review.
func (q *Queries) AmbiguousDedupe(ctx context.Context) ([]models.DedupeRecord, error) {
	return q.queryDedupe(ctx, "ambiguous dedupe", `WHERE status = ? AND deprecated = 0 ORDER BY id`, models.DedupeAmbiguous)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

