// Package logdb provides durable ordered storage for a document's action
// log using bbolt. Actions are keyed by action number, so cursor order in
// the backing store equals log order. Alongside the log it persists the
// partition counters and the undo-info side table.
package logdb

import (
	"errors"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("logdb: not found")

// ErrOutOfOrder is returned when an append would break the monotonic
// ordering of the log.
var ErrOutOfOrder = errors.New("logdb: out of order append")

// Counters are the persisted partition boundaries for one document.
// They are written in the same transaction as the content writes they
// accompany, so a crash leaves either the pre- or post-state.
//
// The partitions are index ranges over the physically ordered log:
// shared is everything below Hub, sent is [Hub, Sent), unsent is
// [Sent, Local). Invariant: Hub <= Sent <= Local.
type Counters struct {
	// Hub is the next action number expected from the hub: one past the
	// newest shared action.
	Hub uint64

	// Sent is the action number of the first unsent action: the boundary
	// between the sent and unsent partitions.
	Sent uint64

	// Local is the next action number for a locally created action: one
	// past the newest action in any partition.
	Local uint64
}

// UndoInfo records the ownership and undo metadata for one action, keyed
// by the action's hash. Entries are set once and read many times.
type UndoInfo struct {
	ClientID  string `json:"client_id"`
	LinkID    string `json:"link_id,omitempty"`
	OtherID   string `json:"other_id,omitempty"`
	IsUndo    bool   `json:"is_undo,omitempty"`
	RowIDHint int64  `json:"row_id_hint,omitempty"`
}

// Stats summarises the stored footprint of one document's log.
type Stats struct {
	// Rows is the number of stored actions.
	Rows int

	// Bytes is the total encoded size of the stored rows, the measure
	// retention budgets apply to.
	Bytes int64
}
