package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/actionlog"
	"github.com/wolfeidau/actionlog/store/logdb"
)

// ActionGroup pairs an action with its undo metadata, when any was
// recorded.
type ActionGroup struct {
	Bundle *actionlog.ActionBundle
	Undo   *logdb.UndoInfo
}

// MinimalActionGroup is the lightweight projection of an action used by
// listings that do not need the payload.
type MinimalActionGroup struct {
	ActionNum  uint64
	ActionHash actionlog.Hash
	ClientID   string
	IsUndo     bool
}

// RecentActionGroups returns up to max of the most recent actions with
// their undo metadata attached, oldest first.
func (h *History) RecentActionGroups(ctx context.Context, max int) ([]*ActionGroup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}

	var groups []*ActionGroup
	err := h.log.View(ctx, h.doc, func(tx *logdb.Tx) error {
		bundles, err := tx.Recent(max)
		if err != nil {
			return err
		}
		for _, b := range bundles {
			info, err := tx.GetUndoInfo(b.ActionHash)
			if err != nil && !errors.Is(err, logdb.ErrNotFound) {
				return err
			}
			groups = append(groups, &ActionGroup{Bundle: b, Undo: info})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching recent action groups: %w", err)
	}
	return groups, nil
}

// RecentMinimalActionGroups returns up to max of the most recent
// actions as payload-free projections, oldest first.
func (h *History) RecentMinimalActionGroups(ctx context.Context, max int) ([]*MinimalActionGroup, error) {
	groups, err := h.RecentActionGroups(ctx, max)
	if err != nil {
		return nil, err
	}

	out := make([]*MinimalActionGroup, 0, len(groups))
	for _, g := range groups {
		m := &MinimalActionGroup{
			ActionNum:  g.Bundle.ActionNum,
			ActionHash: g.Bundle.ActionHash,
		}
		if g.Undo != nil {
			m.ClientID = g.Undo.ClientID
			m.IsUndo = g.Undo.IsUndo
		}
		out = append(out, m)
	}
	return out, nil
}
