// Package history tracks the action history of a single document as an
// append-only, hash-chained log split into three partitions over one
// physically ordered store: shared actions acknowledged by the hub,
// local actions already sent, and local actions not yet sent. The
// partitions are boundaries, not separate stores; three counters mark
// where one ends and the next begins.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/actionlog"
	"github.com/wolfeidau/actionlog/retention"
	"github.com/wolfeidau/actionlog/store/logdb"
	"github.com/wolfeidau/actionlog/telemetry"
)

var (
	// ErrNotInitialized is returned when a method is called before Initialize.
	ErrNotInitialized = errors.New("history: not initialized")

	// ErrOutOfOrder is returned when a recorded action's number does not
	// match the next expected number for its partition.
	ErrOutOfOrder = errors.New("history: action out of order")

	// ErrUnexpectedAction is returned when an action's chain linkage or
	// hash does not match what the log expects.
	ErrUnexpectedAction = errors.New("history: unexpected action")

	// ErrNothingUnsent is returned by MarkAsSent when no unsent actions exist.
	ErrNothingUnsent = errors.New("history: nothing unsent")

	// ErrPendingActions is returned by SkipActionNum while local actions
	// are still pending.
	ErrPendingActions = errors.New("history: local actions pending")
)

// IsProtocolViolation reports whether err is a caller protocol error
// rather than a storage failure.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrUnexpectedAction) ||
		errors.Is(err, ErrNothingUnsent) ||
		errors.Is(err, ErrPendingActions)
}

// StateCursor identifies a historical document state by the action that
// produced it. Cursors are not stable across pruning.
type StateCursor struct {
	ActionNum  uint64
	ActionHash actionlog.Hash
}

// History is the per-document view over the action log. All methods are
// safe for concurrent use, but the log itself assumes a single writer
// per document; two History instances over the same document will
// corrupt each other's counters.
type History struct {
	log    *logdb.BoltLog
	doc    string
	logger *slog.Logger
	policy retention.Policy

	mu          sync.Mutex
	initialized bool
	counters    logdb.Counters
	sinceCheck  int
}

// Option configures a History.
type Option func(*History)

// WithLogger sets the logger for history operations.
func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		h.logger = logger
	}
}

// WithRetention sets the retention policy applied after appends and by
// CompactNow. The zero policy disables pruning.
func WithRetention(policy retention.Policy) Option {
	return func(h *History) {
		h.policy = policy
	}
}

// New creates a History for one document over the given log. Initialize
// must be called before any other method.
func New(log *logdb.BoltLog, doc string, opts ...Option) *History {
	h := &History{
		log:    log,
		doc:    doc,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Initialize loads the persisted counters, recovering them from the
// stored actions when absent. Recovery treats every stored action as
// shared.
func (h *History) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	counters, err := h.log.RecoverCounters(ctx, h.doc)
	if err != nil {
		return fmt.Errorf("initializing %s: %w", h.doc, err)
	}

	h.counters = counters
	h.initialized = true

	h.logger.Debug("history initialized",
		slog.String("doc", h.doc),
		slog.Uint64("next_hub", counters.Hub),
		slog.Uint64("next_local", counters.Local))

	return nil
}

// NextHubActionNum returns the number the next shared action must carry.
func (h *History) NextHubActionNum() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return 0, ErrNotInitialized
	}
	return h.counters.Hub, nil
}

// NextLocalActionNum returns the number the next local action must carry.
func (h *History) NextLocalActionNum() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return 0, ErrNotInitialized
	}
	return h.counters.Local, nil
}

// SkipActionNum advances all counters past num, so the next action of
// either kind carries num+1. It refuses to skip while local actions are
// pending, and never moves counters backwards: stored rows sit below
// the current counters, so a lowered floor would collide with them on
// the next append.
func (h *History) SkipActionNum(ctx context.Context, num uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}

	if h.counters.Hub < h.counters.Local {
		telemetry.RecordProtocolViolation(ctx, "skip_action_num")
		return fmt.Errorf("%w: cannot skip to %d", ErrPendingActions, num)
	}
	if num+1 < h.counters.Hub {
		telemetry.RecordProtocolViolation(ctx, "skip_action_num")
		return fmt.Errorf("%w: skip to %d behind next %d", ErrOutOfOrder, num, h.counters.Hub)
	}

	next := logdb.Counters{Hub: num + 1, Sent: num + 1, Local: num + 1}
	if err := h.log.SetCounters(ctx, h.doc, next); err != nil {
		return fmt.Errorf("skipping to %d: %w", num, err)
	}
	h.counters = next
	return nil
}

// RecordNextLocalUnsent appends a local, not yet sent action. The
// bundle must carry the next local action number. A zero ActionHash is
// filled in by chaining onto the newest stored action; a non-zero one
// must match that chain exactly.
func (h *History) RecordNextLocalUnsent(ctx context.Context, b *actionlog.ActionBundle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}

	if b.ActionNum != h.counters.Local {
		telemetry.RecordProtocolViolation(ctx, "record_next_local_unsent")
		return fmt.Errorf("%w: local action %d, expected %d", ErrOutOfOrder, b.ActionNum, h.counters.Local)
	}

	next := h.counters
	next.Local++

	if err := h.appendChained(ctx, b, next); err != nil {
		return err
	}
	h.counters = next

	telemetry.RecordAppend(ctx, "unsent", len(b.Payload))
	h.maybePrune(ctx)
	return nil
}

// RecordNextShared appends an action already acknowledged by the hub.
// The bundle must carry the next hub action number, and no local
// actions may be pending; a pending local action occupies the slot the
// shared action would take.
func (h *History) RecordNextShared(ctx context.Context, b *actionlog.ActionBundle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}

	if b.ActionNum != h.counters.Hub {
		telemetry.RecordProtocolViolation(ctx, "record_next_shared")
		return fmt.Errorf("%w: shared action %d, expected %d", ErrOutOfOrder, b.ActionNum, h.counters.Hub)
	}
	if h.counters.Hub < h.counters.Local {
		telemetry.RecordProtocolViolation(ctx, "record_next_shared")
		return fmt.Errorf("%w: shared action %d while local actions pending", ErrUnexpectedAction, b.ActionNum)
	}

	next := logdb.Counters{Hub: b.ActionNum + 1, Sent: b.ActionNum + 1, Local: b.ActionNum + 1}

	if err := h.appendChained(ctx, b, next); err != nil {
		return err
	}
	h.counters = next

	telemetry.RecordAppend(ctx, "shared", len(b.Payload))
	h.maybePrune(ctx)
	return nil
}

// appendChained resolves the chain tip, validates or completes the
// bundle's linkage, and appends it together with the new counters in
// one transaction.
func (h *History) appendChained(ctx context.Context, b *actionlog.ActionBundle, next logdb.Counters) error {
	err := h.log.Update(ctx, h.doc, func(tx *logdb.Tx) error {
		tip, err := chainTip(tx)
		if err != nil {
			return err
		}

		if b.ActionHash.IsZero() {
			b.Chain(tip)
		} else {
			if b.ParentHash != tip {
				telemetry.RecordProtocolViolation(ctx, "record")
				return fmt.Errorf("%w: action %d parent %s, log tip %s",
					ErrUnexpectedAction, b.ActionNum, b.ParentHash.ShortString(), tip.ShortString())
			}
			if want := actionlog.ComputeActionHash(tip, b.Payload); b.ActionHash != want {
				telemetry.RecordProtocolViolation(ctx, "record")
				return fmt.Errorf("%w: action %d hash %s does not match payload",
					ErrUnexpectedAction, b.ActionNum, b.ActionHash.ShortString())
			}
		}

		if err := tx.Append(b); err != nil {
			return err
		}
		return tx.SetCounters(next)
	})
	if err != nil {
		return fmt.Errorf("recording action %d: %w", b.ActionNum, err)
	}
	return nil
}

// chainTip returns the hash of the newest stored action, or the zero
// hash for an empty log.
func chainTip(tx *logdb.Tx) (actionlog.Hash, error) {
	max, ok, err := tx.Max()
	if err != nil || !ok {
		return actionlog.Hash{}, err
	}
	b, err := tx.Get(max)
	if err != nil {
		return actionlog.Hash{}, err
	}
	return b.ActionHash, nil
}

// FetchAllLocalUnsent returns the local actions not yet sent, in order.
func (h *History) FetchAllLocalUnsent(ctx context.Context) ([]*actionlog.ActionBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}
	return h.fetchRange(ctx, h.counters.Sent, h.counters.Local)
}

// FetchAllLocal returns all local actions, sent and unsent, in order.
func (h *History) FetchAllLocal(ctx context.Context) ([]*actionlog.ActionBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}
	return h.fetchRange(ctx, h.counters.Hub, h.counters.Local)
}

func (h *History) fetchRange(ctx context.Context, from, to uint64) ([]*actionlog.ActionBundle, error) {
	var out []*actionlog.ActionBundle
	err := h.log.View(ctx, h.doc, func(tx *logdb.Tx) error {
		return tx.Scan(from, to, func(b *actionlog.ActionBundle) error {
			out = append(out, b)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetching actions [%d,%d): %w", from, to, err)
	}
	return out, nil
}

// HaveLocalUnsent reports whether any local unsent actions exist.
func (h *History) HaveLocalUnsent() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return false, ErrNotInitialized
	}
	return h.counters.Sent < h.counters.Local, nil
}

// HaveLocalSent reports whether any sent but unacknowledged actions exist.
func (h *History) HaveLocalSent() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return false, ErrNotInitialized
	}
	return h.counters.Hub < h.counters.Sent, nil
}

// HaveLocalActions reports whether any local actions exist at all.
func (h *History) HaveLocalActions() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return false, ErrNotInitialized
	}
	return h.counters.Hub < h.counters.Local, nil
}

// MarkAsSent records that the given unsent actions were handed to the
// hub, in the order given, which must match the head of the unsent
// partition exactly. An empty slice is a no-op as long as unsent
// actions exist.
func (h *History) MarkAsSent(ctx context.Context, bundles []*actionlog.ActionBundle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}

	unsent := h.counters.Local - h.counters.Sent
	if unsent == 0 {
		telemetry.RecordProtocolViolation(ctx, "mark_as_sent")
		return ErrNothingUnsent
	}
	if len(bundles) == 0 {
		return nil
	}
	if uint64(len(bundles)) > unsent {
		telemetry.RecordProtocolViolation(ctx, "mark_as_sent")
		return fmt.Errorf("%w: marking %d actions sent, only %d unsent", ErrUnexpectedAction, len(bundles), unsent)
	}

	next := h.counters
	err := h.log.Update(ctx, h.doc, func(tx *logdb.Tx) error {
		for i, b := range bundles {
			num := h.counters.Sent + uint64(i)
			stored, err := tx.Get(num)
			if err != nil {
				return err
			}
			if b.ActionNum != num || b.ActionHash != stored.ActionHash {
				telemetry.RecordProtocolViolation(ctx, "mark_as_sent")
				return fmt.Errorf("%w: sent action %d does not match stored action %d",
					ErrUnexpectedAction, b.ActionNum, num)
			}
		}
		next.Sent += uint64(len(bundles))
		return tx.SetCounters(next)
	})
	if err != nil {
		return fmt.Errorf("marking %d actions sent: %w", len(bundles), err)
	}
	h.counters = next
	return nil
}

// AcceptNextSharedAction promotes the oldest sent action to shared,
// reporting whether a promotion happened. When expected is non-nil the
// promotion only happens if the action's hash matches; a mismatch is
// not an error, just a refusal, since the hub may have interleaved
// another client's action.
func (h *History) AcceptNextSharedAction(ctx context.Context, expected *actionlog.Hash) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return false, ErrNotInitialized
	}

	if h.counters.Hub >= h.counters.Sent {
		return false, nil
	}

	matched := false
	next := h.counters
	err := h.log.Update(ctx, h.doc, func(tx *logdb.Tx) error {
		stored, err := tx.Get(h.counters.Hub)
		if err != nil {
			return err
		}
		if expected != nil && *expected != stored.ActionHash {
			return nil
		}
		matched = true
		next.Hub++
		return tx.SetCounters(next)
	})
	if err != nil {
		return false, fmt.Errorf("accepting shared action %d: %w", h.counters.Hub, err)
	}
	if matched {
		h.counters = next
		telemetry.RecordPromotion(ctx)
	}
	return matched, nil
}

// ClearLocalActions removes every local action, sent and unsent, and
// rewinds the local counters to the hub counter. The shared prefix is
// untouched.
func (h *History) ClearLocalActions(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}

	next := logdb.Counters{Hub: h.counters.Hub, Sent: h.counters.Hub, Local: h.counters.Hub}
	err := h.log.Update(ctx, h.doc, func(tx *logdb.Tx) error {
		if _, _, err := tx.DeleteRange(h.counters.Hub, h.counters.Local); err != nil {
			return err
		}
		return tx.SetCounters(next)
	})
	if err != nil {
		return fmt.Errorf("clearing local actions: %w", err)
	}
	h.counters = next
	return nil
}

// RecentActions returns up to max of the most recent actions across all
// partitions, oldest first. A max <= 0 returns everything stored.
func (h *History) RecentActions(ctx context.Context, max int) ([]*actionlog.ActionBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}

	bundles, err := h.log.Recent(ctx, h.doc, max)
	if err != nil {
		return nil, fmt.Errorf("fetching recent actions: %w", err)
	}
	return bundles, nil
}

// RecentStates returns cursors for up to max of the most recent
// document states, newest first.
func (h *History) RecentStates(ctx context.Context, max int) ([]StateCursor, error) {
	bundles, err := h.RecentActions(ctx, max)
	if err != nil {
		return nil, err
	}

	states := make([]StateCursor, 0, len(bundles))
	for i := len(bundles) - 1; i >= 0; i-- {
		states = append(states, StateCursor{
			ActionNum:  bundles[i].ActionNum,
			ActionHash: bundles[i].ActionHash,
		})
	}
	return states, nil
}

// SetActionUndoInfo attaches undo metadata to the action with the given hash.
func (h *History) SetActionUndoInfo(ctx context.Context, hash actionlog.Hash, info *logdb.UndoInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}
	return h.log.PutUndoInfo(ctx, h.doc, hash, info)
}

// GetActionUndoInfo returns the undo metadata for the action with the
// given hash, or logdb.ErrNotFound when none was recorded.
func (h *History) GetActionUndoInfo(ctx context.Context, hash actionlog.Hash) (*logdb.UndoInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}
	return h.log.GetUndoInfo(ctx, h.doc, hash)
}

// DeleteActions removes shared actions from the oldest end, keeping at
// least keep of the newest shared actions. Local actions are never
// deleted, and the newest shared action always survives so the chain
// tip stays resolvable.
func (h *History) DeleteActions(ctx context.Context, keep int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}
	if keep < 1 {
		keep = 1
	}

	err := h.log.Update(ctx, h.doc, func(tx *logdb.Tx) error {
		var nums []uint64
		err := tx.ScanSizes(0, h.counters.Hub, func(num uint64, _ int64) error {
			nums = append(nums, num)
			return nil
		})
		if err != nil {
			return err
		}
		if len(nums) <= keep {
			return nil
		}
		_, _, err = tx.DeleteRange(nums[0], nums[len(nums)-keep])
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting old actions: %w", err)
	}
	return nil
}

// maybePrune runs retention after every CheckPeriod appends. A zero
// CheckPeriod leaves pruning to CompactNow or a retention.Manager. The
// prune runs in its own transaction; if it fails or the process dies
// first, the appended action is already durable and the prune happens
// later.
func (h *History) maybePrune(ctx context.Context) {
	if !h.policy.Enabled() || h.policy.CheckPeriod <= 0 {
		return
	}
	h.sinceCheck++
	if h.sinceCheck < h.policy.CheckPeriod {
		return
	}
	h.sinceCheck = 0

	if _, err := h.compactNow(ctx); err != nil {
		h.logger.Error("retention prune failed", slog.String("doc", h.doc), slog.Any("error", err))
	}
}

// CompactNow applies the retention policy immediately, regardless of
// the check period, and returns what was pruned. It satisfies
// retention.Compactor so a retention.Manager can drive it on a timer.
func (h *History) CompactNow(ctx context.Context) (*retention.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}
	return h.compactNow(ctx)
}

// compactNow expects h.mu held.
func (h *History) compactNow(ctx context.Context) (*retention.Result, error) {
	start := time.Now()
	result := &retention.Result{}

	err := h.log.Update(ctx, h.doc, func(tx *logdb.Tx) error {
		stats, err := tx.Stats()
		if err != nil {
			return err
		}
		result.RowsRemaining = stats.Rows
		result.BytesRemaining = stats.Bytes

		if !h.policy.Triggered(stats.Rows, stats.Bytes) {
			return nil
		}

		// Only shared actions below the hub counter are candidates,
		// and the newest shared action is pinned.
		var nums []uint64
		var sizes []int64
		err = tx.ScanSizes(0, h.counters.Hub, func(num uint64, size int64) error {
			nums = append(nums, num)
			sizes = append(sizes, size)
			return nil
		})
		if err != nil {
			return err
		}

		drop := h.policy.Cut(sizes)
		if drop > len(nums)-1 {
			drop = len(nums) - 1
		}
		if drop <= 0 {
			return nil
		}

		rows, bytes, err := tx.DeleteRange(nums[0], nums[drop])
		if err != nil {
			return err
		}
		result.PrunedRows = rows
		result.PrunedBytes = bytes
		result.RowsRemaining = stats.Rows - rows
		result.BytesRemaining = stats.Bytes - bytes
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compacting %s: %w", h.doc, err)
	}

	result.Duration = time.Since(start)
	if result.PrunedRows > 0 {
		telemetry.RecordPruneRun(ctx, result.PrunedRows, result.PrunedBytes, result.Duration)
		h.logger.Info("pruned shared actions",
			slog.String("doc", h.doc),
			slog.Int("rows", result.PrunedRows),
			slog.Int64("bytes", result.PrunedBytes))
	}
	telemetry.UpdateStoreState(ctx, result.RowsRemaining, result.BytesRemaining)
	return result, nil
}
