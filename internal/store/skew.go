package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/starford/tessera/internal/models"
)

type snapshotStats struct {
	Domains map[string]models.LagStat `json:"domains"`
	Global  models.LagStat            `json:"global"`
}

// InsertSnapshot persists a skew snapshot and returns it with its ID.
func (q *Queries) InsertSnapshot(ctx context.Context, s models.SkewSnapshot) (models.SkewSnapshot, error) {
	stats, err := json.Marshal(snapshotStats{Domains: s.Domains, Global: s.Global})
	if err != nil {
		return s, fmt.Errorf("store: marshal snapshot: %w", err)
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO skew_snapshots (corpus_version, stats, computed_at) VALUES (?, ?, ?)
	`, s.CorpusVersion, string(stats), formatTime(s.ComputedAt))
	if err != nil {
		return s, mapErr("insert snapshot", err)
	}
	s.ID, err = res.LastInsertId()
	return s, err
}

// GetSnapshot returns a snapshot by ID.
func (q *Queries) GetSnapshot(ctx context.Context, id int64) (*models.SkewSnapshot, error) {
	var (
		s            models.SkewSnapshot
		stats, at    string
		decodedStats snapshotStats
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, corpus_version, stats, computed_at FROM skew_snapshots WHERE id = ?`, id).
		Scan(&s.ID, &s.CorpusVersion, &stats, &at)
	if err != nil {
		return nil, mapErr("get snapshot", err)
	}
	if err := json.Unmarshal([]byte(stats), &decodedStats); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	s.Domains, s.Global = decodedStats.Domains, decodedStats.Global
	s.ComputedAt = parseTime(at)
	return &s, nil
}
