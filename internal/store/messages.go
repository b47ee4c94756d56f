package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/starford/tessera/internal/models"
)

// MessageRecord is everything written for one newly ingested record.
type MessageRecord struct {
	ID         string
	IngestKey  string
	SourceHash string
	Raw        models.RawMessage
	IngestedAt time.Time
	Derived    Derived
}

// Derived is one version of a message's derived fields.
type Derived struct {
	Canonical    models.CanonicalMessage
	SentTS       time.Time
	TSReason     models.TSReason
	TSEvidence   models.TSEvidence
	SnapshotID   int64
	SenderDomain string
	// Lag is set for header_accepted messages and feeds later skew snapshots.
	Lag          *time.Duration
	Fingerprints models.Fingerprints
}

// InsertMessage writes the immutable raw record, its attachments and
// derived version 1.
func (q *Queries) InsertMessage(ctx context.Context, rec MessageRecord) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO messages (id, ingest_key, source_hash, provenance, origin, headers_raw, body_raw, body_html_raw, file_time, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.IngestKey, rec.SourceHash, rec.Raw.Provenance, rec.Raw.Origin,
		nonNilBytes(rec.Raw.HeadersRaw), nonNilBytes(rec.Raw.BodyText), nonNilBytes(rec.Raw.BodyHTML),
		formatTime(rec.Raw.FileTime), formatTime(rec.IngestedAt))
	if err != nil {
		return mapErr("insert message", err)
	}
	for i, a := range rec.Derived.Canonical.Attachments {
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO attachments (message_id, ordinal, name, content_type, content_hash, size)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ID, i, a.Name, a.ContentType, a.ContentHash, a.Size); err != nil {
			return mapErr("insert attachment", err)
		}
	}
	return q.insertVersion(ctx, rec.ID, 1, rec.Derived, rec.IngestedAt)
}

// AppendVersion deprecates the current derived version of id and writes a
// new one. Raw fields are untouched.
func (q *Queries) AppendVersion(ctx context.Context, id string, d Derived, at time.Time) (int, error) {
	var cur int
	err := q.q.QueryRowContext(ctx, `SELECT version FROM message_versions WHERE message_id = ? AND deprecated = 0`, id).Scan(&cur)
	if err != nil {
		return 0, mapErr("current version", err)
	}
	if _, err := q.q.ExecContext(ctx, `UPDATE message_versions SET deprecated = 1 WHERE message_id = ? AND deprecated = 0`, id); err != nil {
		return 0, mapErr("deprecate version", err)
	}
	if err := q.insertVersion(ctx, id, cur+1, d, at); err != nil {
		return 0, err
	}
	return cur + 1, nil
}

func (q *Queries) insertVersion(ctx context.Context, id string, version int, d Derived, at time.Time) error {
	canonical, err := json.Marshal(d.Canonical)
	if err != nil {
		return fmt.Errorf("store: marshal canonical: %w", err)
	}
	evidence, err := json.Marshal(d.TSEvidence)
	if err != nil {
		return fmt.Errorf("store: marshal ts evidence: %w", err)
	}
	var lag sql.NullInt64
	if d.Lag != nil {
		lag = sql.NullInt64{Int64: int64(*d.Lag), Valid: true}
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO message_versions (
			message_id, version, canonical, sent_ts, ts_reason, ts_evidence, skew_snapshot_id,
			sender_domain, lag_ns, message_id_norm, subject_key, is_forward,
			strict_hash, relaxed_hash, quoted_hash, head_anchor, tail_anchor, ruleset_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, version, string(canonical), formatTime(d.SentTS), string(d.TSReason), string(evidence), nullInt(d.SnapshotID),
		d.SenderDomain, lag, d.Canonical.MessageID, d.Canonical.SubjectKey, boolInt(d.Canonical.IsForward),
		d.Fingerprints.Strict, d.Fingerprints.Relaxed, d.Fingerprints.Quoted,
		d.Fingerprints.HeadAnchor, d.Fingerprints.TailAnchor, d.Canonical.RulesetHash, formatTime(at))
	return mapErr("insert version", err)
}

// MessageIDByIngestKey returns the record already ingested under key.
func (q *Queries) MessageIDByIngestKey(ctx context.Context, key string) (string, error) {
	var id string
	err := q.q.QueryRowContext(ctx, `SELECT id FROM messages WHERE ingest_key = ?`, key).Scan(&id)
	if err != nil {
		return "", mapErr("message by ingest key", err)
	}
	return id, nil
}

const messageSelect = `
	SELECT m.id, m.ingest_key, m.source_hash, m.provenance, m.origin, m.headers_raw, m.body_raw, m.body_html_raw,
		m.file_time, m.ingested_at, v.version, v.canonical, v.sent_ts, v.ts_reason, v.ts_evidence,
		v.strict_hash, v.relaxed_hash, v.quoted_hash, v.head_anchor, v.tail_anchor,
		COALESCE(a.canonical_id, m.id), COALESCE(a.status, '')
	FROM messages m
	JOIN message_versions v ON v.message_id = m.id AND v.deprecated = 0
	LEFT JOIN assignments a ON a.message_id = m.id AND a.deprecated = 0`

func scanMessage(sc interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m                        models.Message
		headers, body, bodyHTML  []byte
		fileTime, ingested, sent string
		canonical, evidence      string
		reason                   string
	)
	err := sc.Scan(&m.ID, &m.IngestKey, &m.SourceHash, &m.Provenance, &m.Origin, &headers, &body, &bodyHTML,
		&fileTime, &ingested, &m.Version, &canonical, &sent, &reason, &evidence,
		&m.Fingerprints.Strict, &m.Fingerprints.Relaxed, &m.Fingerprints.Quoted,
		&m.Fingerprints.HeadAnchor, &m.Fingerprints.TailAnchor, &m.CanonicalID, &m.Status)
	if err != nil {
		return nil, err
	}
	m.HeadersRaw, m.BodyRaw, m.BodyHTMLRaw = string(headers), string(body), string(bodyHTML)
	m.FileTime, m.IngestedAt, m.SentTS = parseTime(fileTime), parseTime(ingested), parseTime(sent)
	m.TSReason = models.TSReason(reason)
	if err := json.Unmarshal([]byte(canonical), &m.Canonical); err != nil {
		return nil, fmt.Errorf("decode canonical: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &m.TSEvidence); err != nil {
		return nil, fmt.Errorf("decode ts evidence: %w", err)
	}
	return &m, nil
}

// GetMessage returns a record with its current derived version, canonical
// assignment and, for canonical records, its variants.
func (q *Queries) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(q.q.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if err != nil {
		return nil, mapErr("get message", err)
	}
	if m.CanonicalID == m.ID {
		if m.VariantIDs, err = q.Variants(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GetMessages returns the records for ids, skipping unknown ones.
func (q *Queries) GetMessages(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, messageSelect+` WHERE m.id IN (`+placeholders(len(ids))+`) ORDER BY v.sent_ts, m.id`, stringArgs(ids)...)
	if err != nil {
		return nil, mapErr("get messages", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("scan message", err)
		}
		out = append(out, *m)
	}
	return out, mapErr("get messages", rows.Err())
}

// Variants returns records currently redirected to canonicalID.
func (q *Queries) Variants(ctx context.Context, canonicalID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT message_id FROM assignments
		WHERE canonical_id = ? AND deprecated = 0 AND message_id != canonical_id
		ORDER BY message_id`, canonicalID)
	if err != nil {
		return nil, mapErr("variants", err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("variants", err)
}

// Assignment is the current canonical mapping of one record.
type Assignment struct {
	ID             int64
	MessageID      string
	CanonicalID    string
	Status         string
	DedupeRecordID int64
}

// Assign supersedes the current assignment of messageID, if any.
func (q *Queries) Assign(ctx context.Context, a Assignment, at time.Time) (int64, error) {
	var prev sql.NullInt64
	err := q.q.QueryRowContext(ctx, `SELECT id FROM assignments WHERE message_id = ? AND deprecated = 0`, a.MessageID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, mapErr("current assignment", err)
	}
	if prev.Valid {
		if _, err := q.q.ExecContext(ctx, `UPDATE assignments SET deprecated = 1 WHERE id = ?`, prev.Int64); err != nil {
			return 0, mapErr("deprecate assignment", err)
		}
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO assignments (message_id, canonical_id, status, dedupe_record_id, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.MessageID, a.CanonicalID, a.Status, nullInt(a.DedupeRecordID), prev, formatTime(at))
	if err != nil {
		return 0, mapErr("insert assignment", err)
	}
	return res.LastInsertId()
}

// CurrentAssignment returns the current canonical mapping of messageID.
func (q *Queries) CurrentAssignment(ctx context.Context, messageID string) (*Assignment, error) {
	var (
		a   Assignment
		rec sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, message_id, canonical_id, status, dedupe_record_id
		FROM assignments WHERE message_id = ? AND deprecated = 0`, messageID).
		Scan(&a.ID, &a.MessageID, &a.CanonicalID, &a.Status, &rec)
	if err != nil {
		return nil, mapErr("current assignment", err)
	}
	a.DedupeRecordID = rec.Int64
	return &a, nil
}

// Candidate lookups return canonical IDs whose current version carries the
// given value. Variants resolve to their canonical record.
var candidateColumns = map[string]string{
	"message_id": "v.message_id_norm = ?",
	"strict":     "v.strict_hash = ?",
	"relaxed":    "v.relaxed_hash = ?",
	"anchor":     "(v.head_anchor = ? OR v.tail_anchor = ?)",
	"quoted":     "v.quoted_hash = ?",
}

// CanonicalsBy returns the distinct canonical IDs matching value in the
// named fingerprint column, excluding exclude.
func (q *Queries) CanonicalsBy(ctx context.Context, column, value, exclude string) ([]string, error) {
	cond, ok := candidateColumns[column]
	if !ok {
		return nil, fmt.Errorf("store: unknown candidate column %q", column)
	}
	if value == "" {
		return nil, nil
	}
	args := []any{value}
	if column == "anchor" {
		args = append(args, value)
	}
	args = append(args, exclude)
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT a.canonical_id
		FROM message_versions v
		JOIN assignments a ON a.message_id = v.message_id AND a.deprecated = 0
		WHERE v.deprecated = 0 AND `+cond+` AND a.canonical_id != ?
		ORDER BY a.canonical_id`, args...)
	if err != nil {
		return nil, mapErr("candidates by "+column, err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("candidates by "+column, err)
}

// CanonicalsBySubject returns canonical records with subject key sent in
// [from, to], ordered by canonical time.
func (q *Queries) CanonicalsBySubject(ctx context.Context, subjectKey string, from, to time.Time) ([]models.Message, error) {
	if subjectKey == "" {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, messageSelect+`
		WHERE v.subject_key = ? AND v.sent_ts != '' AND v.sent_ts >= ? AND v.sent_ts <= ?
			AND a.canonical_id = m.id
		ORDER BY v.sent_ts, m.id`, subjectKey, formatTime(from), formatTime(to))
	if err != nil {
		return nil, mapErr("candidates by subject", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("scan message", err)
		}
		out = append(out, *m)
	}
	return out, mapErr("candidates by subject", rows.Err())
}

// CanonicalsSentBetween returns up to limit canonical records sent in
// [from, to], newest first.
func (q *Queries) CanonicalsSentBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Message, error) {
	rows, err := q.q.QueryContext(ctx, messageSelect+`
		WHERE v.sent_ts != '' AND v.sent_ts >= ? AND v.sent_ts <= ? AND a.canonical_id = m.id
		ORDER BY v.sent_ts DESC, m.id LIMIT ?`, formatTime(from), formatTime(to), limit)
	if err != nil {
		return nil, mapErr("canonicals between", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("scan message", err)
		}
		out = append(out, *m)
	}
	return out, mapErr("canonicals between", rows.Err())
}

// CanonicalIDs returns every canonical record ID in canonical time order.
func (q *Queries) CanonicalIDs(ctx context.Context) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT a.message_id FROM assignments a
		JOIN message_versions v ON v.message_id = a.message_id AND v.deprecated = 0
		WHERE a.deprecated = 0 AND a.canonical_id = a.message_id
		ORDER BY v.sent_ts, a.message_id`)
	if err != nil {
		return nil, mapErr("canonical ids", err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("canonical ids", err)
}

// LagSample is one observed transit lag.
type LagSample struct {
	Domain string
	Lag    time.Duration
}

// LagSamples returns the lags of every header_accepted current version.
func (q *Queries) LagSamples(ctx context.Context) ([]LagSample, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT sender_domain, lag_ns FROM message_versions
		WHERE deprecated = 0 AND lag_ns IS NOT NULL
		ORDER BY message_id`)
	if err != nil {
		return nil, mapErr("lag samples", err)
	}
	defer rows.Close()
	var out []LagSample
	for rows.Next() {
		var (
			s  LagSample
			ns int64
		)
		if err := rows.Scan(&s.Domain, &ns); err != nil {
			return nil, mapErr("scan lag sample", err)
		}
		s.Lag = time.Duration(ns)
		out = append(out, s)
	}
	return out, mapErr("lag samples", rows.Err())
}

// CorpusVersion identifies the corpus state: record count and highest ID.
func (q *Queries) CorpusVersion(ctx context.Context) (string, error) {
	var (
		n   int64
		max sql.NullString
	)
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*), MAX(id) FROM messages`).Scan(&n, &max); err != nil {
		return "", mapErr("corpus version", err)
	}
	return strconv.FormatInt(n, 10) + ":" + max.String, nil
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
