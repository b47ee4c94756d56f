package threading

import (
	"context"
	"errors"
	"fmt"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// Reader is the read side of the record store used to walk threads.
type Reader interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessages(ctx context.Context, ids []string) ([]models.Message, error)
	CurrentLink(ctx context.Context, child string) (*models.Link, error)
	CurrentLinks(ctx context.Context, children []string) ([]models.Link, error)
	Children(ctx context.Context, parent string) ([]string, error)
	LinksInState(ctx context.Context, state models.LinkState) ([]models.Link, error)
}

// Root returns the thread ID of id: the canonical ID of the topmost
// ancestor reachable over current links.
func Root(ctx context.Context, r Reader, id string) (string, error) {
	m, err := r.GetMessage(ctx, id)
	if err != nil {
		return "", fmt.Errorf("threading: root of %s: %w", id, err)
	}
	cur := m.CanonicalID
	seen := map[string]bool{cur: true}
	for {
		l, err := r.CurrentLink(ctx, cur)
		if errors.Is(err, apperr.ErrNotFound) {
			return cur, nil
		}
		if err != nil {
			return "", fmt.Errorf("threading: root of %s: %w", id, err)
		}
		if l.ParentID == "" || seen[l.ParentID] {
			return cur, nil
		}
		seen[l.ParentID] = true
		cur = l.ParentID
	}
}

// Thread returns the thread containing id, members ordered by canonical
// timestamp.
func Thread(ctx context.Context, r Reader, id string) (*models.Thread, error) {
	root, err := Root(ctx, r, id)
	if err != nil {
		return nil, err
	}
	ids := []string{root}
	seen := map[string]bool{root: true}
	for i := 0; i < len(ids); i++ {
		kids, err := r.Children(ctx, ids[i])
		if err != nil {
			return nil, fmt.Errorf("threading: thread %s: %w", root, err)
		}
		for _, k := range kids {
			if !seen[k] {
				seen[k] = true
				ids = append(ids, k)
			}
		}
	}
	members, err := r.GetMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("threading: thread %s: %w", root, err)
	}
	links, err := r.CurrentLinks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("threading: thread %s: %w", root, err)
	}
	t := &models.Thread{ID: root, Members: members, Links: links}
	for _, l := range links {
		if l.State == models.StateAmbiguous {
			t.Ambiguous++
		}
	}
	return t, nil
}
