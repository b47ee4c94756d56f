package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/starford/tessera/internal/models"
)

// AppendAudit appends e and indexes it under its subject and related IDs.
func (q *Queries) AppendAudit(ctx context.Context, e models.AuditEntry) (int64, error) {
	related, _ := json.Marshal(nonNilStrings(e.RelatedIDs))
	alts, _ := json.Marshal(nonNilAlternatives(e.Alternatives))
	evidence := e.Evidence
	if len(evidence) == 0 {
		evidence = json.RawMessage("{}")
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO audit_entries (actor, decision, subject_id, related_ids, evidence, alternatives, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Actor, e.Decision, e.SubjectID, string(related), string(evidence), string(alts), e.RunID, formatTime(e.CreatedAt))
	if err != nil {
		return 0, mapErr("append audit", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: audit seq: %w", err)
	}
	refs := append([]string{e.SubjectID}, e.RelatedIDs...)
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO audit_refs (ref_id, seq) VALUES (?, ?)`, ref, seq); err != nil {
			return 0, mapErr("append audit ref", err)
		}
	}
	return seq, nil
}

const auditSelect = `
	SELECT e.seq, e.actor, e.decision, e.subject_id, e.related_ids, e.evidence, e.alternatives, e.run_id, e.created_at
	FROM audit_entries e`

// AuditFor returns entries whose subject or related IDs include any of ids,
// in append order.
func (q *Queries) AuditFor(ctx context.Context, ids ...string) ([]models.AuditEntry, error) {
	if len(ids) == 0 {
		return []models.AuditEntry{}, nil
	}
	return q.queryAudit(ctx, "audit for", `
		WHERE e.seq IN (SELECT seq FROM audit_refs WHERE ref_id IN (`+placeholders(len(ids))+`))
		ORDER BY e.seq`, stringArgs(ids)...)
}

// AuditBySubject returns entries whose subject is id, optionally limited to
// one decision.
func (q *Queries) AuditBySubject(ctx context.Context, id, decision string) ([]models.AuditEntry, error) {
	if decision == "" {
		return q.queryAudit(ctx, "audit by subject", `WHERE e.subject_id = ? ORDER BY e.seq`, id)
	}
	return q.queryAudit(ctx, "audit by subject", `WHERE e.subject_id = ? AND e.decision = ? ORDER BY e.seq`, id, decision)
}

// AuditByDecision returns entries with the given decision, newest first.
func (q *Queries) AuditByDecision(ctx context.Context, decision string, limit int) ([]models.AuditEntry, error) {
	return q.queryAudit(ctx, "audit by decision", `WHERE e.decision = ? ORDER BY e.seq DESC LIMIT ?`, decision, limit)
}

// AuditRun returns every entry written by one run.
func (q *Queries) AuditRun(ctx context.Context, runID string) ([]models.AuditEntry, error) {
	return q.queryAudit(ctx, "audit run", `WHERE e.run_id = ? ORDER BY e.seq`, runID)
}

func (q *Queries) queryAudit(ctx context.Context, op, where string, args ...any) ([]models.AuditEntry, error) {
	rows, err := q.q.QueryContext(ctx, auditSelect+" "+where, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	out := []models.AuditEntry{}
	for rows.Next() {
		var (
			e                     models.AuditEntry
			related, alts, ev, ts string
		)
		if err := rows.Scan(&e.Seq, &e.Actor, &e.Decision, &e.SubjectID, &related, &ev, &alts, &e.RunID, &ts); err != nil {
			return nil, mapErr(op, err)
		}
		e.Evidence = json.RawMessage(ev)
		e.CreatedAt = parseTime(ts)
		if err := json.Unmarshal([]byte(related), &e.RelatedIDs); err != nil {
			return nil, fmt.Errorf("store: decode related ids: %w", err)
		}
		if err := json.Unmarshal([]byte(alts), &e.Alternatives); err != nil {
			return nil, fmt.Errorf("store: decode alternatives: %w", err)
		}
		out = append(out, e)
	}
	return out, mapErr(op, rows.Err())
}
