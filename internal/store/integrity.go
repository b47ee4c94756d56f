package store

import (
	"context"

	"github.com/starford/tessera/internal/models"
)

// InsertItemVersion appends v and deprecates the previous current version.
func (q *Queries) InsertItemVersion(ctx context.Context, v models.ItemVersion) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE item_versions SET deprecated = 1 WHERE item_id = ? AND deprecated = 0`, v.ItemID); err != nil {
		return mapErr("deprecate item version", err)
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO item_versions (item_id, version, message_id, part, origin, source_hash, normalized_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ItemID, v.Version, v.MessageID, v.Part, v.Origin, v.SourceHash, v.NormalizedHash, formatTime(v.CreatedAt))
	return mapErr("insert item version", err)
}

const itemSelect = `
	SELECT item_id, version, message_id, part, origin, source_hash, normalized_hash, deprecated, created_at
	FROM item_versions`

func scanItem(sc interface{ Scan(...any) error }) (*models.ItemVersion, error) {
	var (
		v       models.ItemVersion
		created string
	)
	if err := sc.Scan(&v.ItemID, &v.Version, &v.MessageID, &v.Part, &v.Origin, &v.SourceHash,
		&v.NormalizedHash, &v.Deprecated, &created); err != nil {
		return nil, err
	}
	v.CreatedAt = parseTime(created)
	return &v, nil
}

// CurrentItemVersion returns the non-deprecated version of itemID.
func (q *Queries) CurrentItemVersion(ctx context.Context, itemID string) (*models.ItemVersion, error) {
	v, err := scanItem(q.q.QueryRowContext(ctx, itemSelect+` WHERE item_id = ? AND deprecated = 0`, itemID))
	if err != nil {
		return nil, mapErr("current item version", err)
	}
	return v, nil
}

// ItemVersion returns one specific version.
func (q *Queries) ItemVersion(ctx context.Context, itemID string, version int) (*models.ItemVersion, error) {
	v, err := scanItem(q.q.QueryRowContext(ctx, itemSelect+` WHERE item_id = ? AND version = ?`, itemID, version))
	if err != nil {
		return nil, mapErr("item version", err)
	}
	return v, nil
}

// ItemVersions returns every version of itemID, oldest first.
func (q *Queries) ItemVersions(ctx context.Context, itemID string) ([]models.ItemVersion, error) {
	return q.queryItems(ctx, "item versions", `WHERE item_id = ? ORDER BY version`, itemID)
}

// ItemsForMessage returns the current items registered for a message.
func (q *Queries) ItemsForMessage(ctx context.Context, messageID string) ([]models.ItemVersion, error) {
	return q.queryItems(ctx, "items for message", `WHERE message_id = ? AND deprecated = 0 ORDER BY item_id`, messageID)
}

func (q *Queries) queryItems(ctx context.Context, op, where string, args ...any) ([]models.ItemVersion, error) {
	rows, err := q.q.QueryContext(ctx, itemSelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	out := []models.ItemVersion{}
	for rows.Next() {
		v, err := scanItem(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, *v)
	}
	return out, mapErr(op, rows.Err())
}

// InsertPointer stores p. Issuing the same range and role twice for the
// same item version returns the existing pointer.
func (q *Queries) InsertPointer(ctx context.Context, p models.IntegrityPointer) (*models.IntegrityPointer, error) {
	_, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO pointers (corpus_id, source_key, item_version, start_line, end_line, hash_full, hash_prefix, role, ruleset_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.CorpusID, p.SourceKey, p.ItemVersion, p.StartLine, p.EndLine, p.HashFull, p.HashPrefix, p.Role,
		p.RulesetHash, models.PointerActive, formatTime(p.CreatedAt))
	if err != nil {
		return nil, mapErr("insert pointer", err)
	}
	got, err := scanPointer(q.q.QueryRowContext(ctx, pointerSelect+`
		WHERE corpus_id = ? AND source_key = ? AND item_version = ? AND start_line = ? AND end_line = ? AND role = ?`,
		p.CorpusID, p.SourceKey, p.ItemVersion, p.StartLine, p.EndLine, p.Role))
	if err != nil {
		return nil, mapErr("reload pointer", err)
	}
	return got, nil
}

const pointerSelect = `
	SELECT id, corpus_id, source_key, item_version, start_line, end_line, hash_full, hash_prefix, role, ruleset_hash, status, created_at
	FROM pointers`

func scanPointer(sc interface{ Scan(...any) error }) (*models.IntegrityPointer, error) {
	var (
		p       models.IntegrityPointer
		created string
	)
	if err := sc.Scan(&p.ID, &p.CorpusID, &p.SourceKey, &p.ItemVersion, &p.StartLine, &p.EndLine,
		&p.HashFull, &p.HashPrefix, &p.Role, &p.RulesetHash, &p.Status, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (q *Queries) queryPointers(ctx context.Context, op, where string, args ...any) ([]models.IntegrityPointer, error) {
	rows, err := q.q.QueryContext(ctx, pointerSelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	out := []models.IntegrityPointer{}
	for rows.Next() {
		p, err := scanPointer(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, *p)
	}
	return out, mapErr(op, rows.Err())
}

// GetPointer returns one pointer by id.
func (q *Queries) GetPointer(ctx context.Context, id int64) (*models.IntegrityPointer, error) {
	p, err := scanPointer(q.q.QueryRowContext(ctx, pointerSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, mapErr("get pointer", err)
	}
	return p, nil
}

// FindPointers returns pointers on a line range whose full hash starts with
// prefix, newest item version first.
func (q *Queries) FindPointers(ctx context.Context, corpusID, sourceKey string, start, end int, prefix string) ([]models.IntegrityPointer, error) {
	return q.queryPointers(ctx, "find pointers", `
		WHERE corpus_id = ? AND source_key = ? AND start_line = ? AND end_line = ? AND substr(hash_full, 1, ?) = ?
		ORDER BY item_version DESC, id`, corpusID, sourceKey, start, end, len(prefix), prefix)
}

// PointersForItem returns every pointer on sourceKey.
func (q *Queries) PointersForItem(ctx context.Context, sourceKey string) ([]models.IntegrityPointer, error) {
	return q.queryPointers(ctx, "pointers for item", `WHERE source_key = ? ORDER BY id`, sourceKey)
}

// ActivePointers returns pointers not yet flagged for review, after afterID.
func (q *Queries) ActivePointers(ctx context.Context, afterID int64, limit int) ([]models.IntegrityPointer, error) {
	return q.queryPointers(ctx, "active pointers", `WHERE status = ? AND id > ? ORDER BY id LIMIT ?`,
		models.PointerActive, afterID, limit)
}

// ReviewPointers returns pointers flagged for review.
func (q *Queries) ReviewPointers(ctx context.Context) ([]models.IntegrityPointer, error) {
	return q.queryPointers(ctx, "review pointers", `WHERE status = ? ORDER BY id`, models.PointerReview)
}

// FlagPointersForReview flags active pointers on sourceKey issued against a
// version older than version. It returns the flagged pointer IDs.
func (q *Queries) FlagPointersForReview(ctx context.Context, sourceKey string, version int) ([]int64, error) {
	ps, err := q.queryPointers(ctx, "pointers to flag", `WHERE source_key = ? AND item_version < ? AND status = ? ORDER BY id`,
		sourceKey, version, models.PointerActive)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(ps))
	for _, p := range ps {
		if _, err := q.q.ExecContext(ctx, `UPDATE pointers SET status = ? WHERE id = ? AND status = ?`,
			models.PointerReview, p.ID, models.PointerActive); err != nil {
			return nil, mapErr("flag pointer", err)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// FlagPointer moves one active pointer to review. It reports whether the
// pointer was active.
func (q *Queries) FlagPointer(ctx context.Context, id int64) (bool, error) {
	res, err := q.q.ExecContext(ctx, `UPDATE pointers SET status = ? WHERE id = ? AND status = ?`,
		models.PointerReview, id, models.PointerActive)
	if err != nil {
		return false, mapErr("flag pointer", err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapErr("flag pointer", err)
}

// InsertContextHash registers a Layer 3 hash. Re-registering the same
// aggregate is a no-op.
func (q *Queries) InsertContextHash(ctx context.Context, c models.ContextHash) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO context_hashes (item_id, version, consumer, aggregate_id, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ItemID, c.Version, c.Consumer, c.AggregateID, c.Hash, formatTime(c.CreatedAt))
	return mapErr("insert context hash", err)
}

// ContextHashes returns Layer 3 hashes registered for itemID.
func (q *Queries) ContextHashes(ctx context.Context, itemID string) ([]models.ContextHash, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT item_id, version, consumer, aggregate_id, hash, created_at
		FROM context_hashes WHERE item_id = ? ORDER BY version, consumer, aggregate_id`, itemID)
	if err != nil {
		return nil, mapErr("context hashes", err)
	}
	defer rows.Close()
	out := []models.ContextHash{}
	for rows.Next() {
		var (
			c       models.ContextHash
			created string
		)
		if err := rows.Scan(&c.ItemID, &c.Version, &c.Consumer, &c.AggregateID, &c.Hash, &created); err != nil {
			return nil, mapErr("scan context hash", err)
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, mapErr("context hashes", rows.Err())
}

