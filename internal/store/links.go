package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/tessera/internal/models"
)

// InsertLink appends a link version for l.ChildID, deprecating the current
// one. It returns the stored link with its id and version filled in.
func (q *Queries) InsertLink(ctx context.Context, l models.Link) (models.Link, error) {
	prev, err := q.CurrentLink(ctx, l.ChildID)
	switch {
	case err == nil:
		l.Supersedes = prev.ID
		l.Version = prev.Version + 1
		if _, err := q.q.ExecContext(ctx, `UPDATE links SET deprecated = 1 WHERE id = ?`, prev.ID); err != nil {
			return l, mapErr("deprecate link", err)
		}
	case isNotFound(err):
		l.Version = 1
	default:
		return l, err
	}

	methods, _ := json.Marshal(nonNilMethods(l.Methods))
	evidence, err := json.Marshal(l.Evidence)
	if err != nil {
		return l, fmt.Errorf("store: marshal link evidence: %w", err)
	}
	alts, _ := json.Marshal(nonNilAlternatives(l.Alternatives))
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO links (child_id, parent_id, state, methods, evidence, confidence, alternatives, version, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ChildID, l.ParentID, string(l.State), string(methods), string(evidence), string(l.Confidence),
		string(alts), l.Version, nullInt(l.Supersedes), formatTime(l.CreatedAt))
	if err != nil {
		return l, mapErr("insert link", err)
	}
	l.ID, err = res.LastInsertId()
	return l, err
}

const linkSelect = `
	SELECT id, child_id, parent_id, state, methods, evidence, confidence, alternatives, version,
		COALESCE(supersedes, 0), deprecated, created_at
	FROM links`

func scanLink(sc interface{ Scan(...any) error }) (*models.Link, error) {
	var (
		l                               models.Link
		state, conf, created            string
		methods, evidence, alternatives string
	)
	if err := sc.Scan(&l.ID, &l.ChildID, &l.ParentID, &state, &methods, &evidence, &conf, &alternatives,
		&l.Version, &l.Supersedes, &l.Deprecated, &created); err != nil {
		return nil, err
	}
	l.State = models.LinkState(state)
	l.Confidence = models.Confidence(conf)
	l.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(methods), &l.Methods); err != nil {
		return nil, fmt.Errorf("decode methods: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &l.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	if err := json.Unmarshal([]byte(alternatives), &l.Alternatives); err != nil {
		return nil, fmt.Errorf("decode alternatives: %w", err)
	}
	return &l, nil
}

func (q *Queries) queryLinks(ctx context.Context, op, where string, args ...any) ([]models.Link, error) {
	rows, err := q.q.QueryContext(ctx, linkSelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	out := []models.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, *l)
	}
	return out, mapErr(op, rows.Err())
}

// CurrentLink returns the non-deprecated link of child.
func (q *Queries) CurrentLink(ctx context.Context, child string) (*models.Link, error) {
	l, err := scanLink(q.q.QueryRowContext(ctx, linkSelect+` WHERE child_id = ? AND deprecated = 0`, child))
	if err != nil {
		return nil, mapErr("current link", err)
	}
	return l, nil
}

// RetireLink deprecates the current link of child without a successor. It
// reports whether there was one.
func (q *Queries) RetireLink(ctx context.Context, child string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `UPDATE links SET deprecated = 1 WHERE child_id = ? AND deprecated = 0`, child)
	if err != nil {
		return false, mapErr("retire link", err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapErr("retire link", err)
}

// LinkHistory returns every link version of child, oldest first.
func (q *Queries) LinkHistory(ctx context.Context, child string) ([]models.Link, error) {
	return q.queryLinks(ctx, "link history", `WHERE child_id = ? ORDER BY version`, child)
}

// CurrentLinks returns the current links of children.
func (q *Queries) CurrentLinks(ctx context.Context, children []string) ([]models.Link, error) {
	if len(children) == 0 {
		return nil, nil
	}
	return q.queryLinks(ctx, "current links",
		`WHERE deprecated = 0 AND child_id IN (`+placeholders(len(children))+`) ORDER BY child_id`, stringArgs(children)...)
}

// Children returns the IDs currently linked under parent.
func (q *Queries) Children(ctx context.Context, parent string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT child_id FROM links WHERE parent_id = ? AND deprecated = 0 ORDER BY child_id`, parent)
	if err != nil {
		return nil, mapErr("children", err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("children", err)
}

// LinksInState returns current links in state.
func (q *Queries) LinksInState(ctx context.Context, state models.LinkState) ([]models.Link, error) {
	return q.queryLinks(ctx, "links in state", `WHERE deprecated = 0 AND state = ? ORDER BY child_id`, string(state))
}

// AddPendingRef records that child referenced an absent Message-ID.
func (q *Queries) AddPendingRef(ctx context.Context, messageID, child string, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_refs (message_id_norm, child_id, created_at) VALUES (?, ?, ?)
	`, messageID, child, formatTime(at))
	return mapErr("add pending ref", err)
}

// PendingChildren returns children that referenced messageID while it was absent.
func (q *Queries) PendingChildren(ctx context.Context, messageID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT child_id FROM pending_refs WHERE message_id_norm = ? ORDER BY child_id`, messageID)
	if err != nil {
		return nil, mapErr("pending children", err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("pending children", err)
}

// UnlinkedByQuoted returns orphan or ambiguous canonical records whose quoted
// anchor equals one of hashes.
func (q *Queries) UnlinkedByQuoted(ctx context.Context, hashes ...string) ([]string, error) {
	var keep []any
	for _, h := range hashes {
		if h != "" {
			keep = append(keep, h)
		}
	}
	if len(keep) == 0 {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT l.child_id FROM links l
		JOIN message_versions v ON v.message_id = l.child_id AND v.deprecated = 0
		WHERE l.deprecated = 0 AND l.state IN ('orphan', 'ambiguous')
			AND v.quoted_hash IN (`+placeholders(len(keep))+`)
		ORDER BY l.child_id`, keep...)
	if err != nil {
		return nil, mapErr("unlinked by quoted", err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("unlinked by quoted", err)
}

// UnlinkedBySubject returns orphan or ambiguous canonical records with
// subjectKey sent in [from, to].
func (q *Queries) UnlinkedBySubject(ctx context.Context, subjectKey string, from, to time.Time) ([]string, error) {
	if subjectKey == "" {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT l.child_id FROM links l
		JOIN message_versions v ON v.message_id = l.child_id AND v.deprecated = 0
		WHERE l.deprecated = 0 AND l.state IN ('orphan', 'ambiguous')
			AND v.subject_key = ? AND v.sent_ts >= ? AND v.sent_ts <= ?
		ORDER BY l.child_id`, subjectKey, formatTime(from), formatTime(to))
	if err != nil {
		return nil, mapErr("unlinked by subject", err)
	}
	ids, err := scanStrings(rows)
	return ids, mapErr("unlinked by subject", err)
}

func nonNilMethods(m []models.Method) []models.Method {
	if m == nil {
		return []models.Method{}
	}
	return m
}

func nonNilAlternatives(a []models.Alternative) []models.Alternative {
	if a == nil {
		return []models.Alternative{}
	}
	return a
}
