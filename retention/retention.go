// Package retention bounds the stored size of an action log by row count
// and byte size with hysteresis: the log may exceed its budget by up to a
// grace factor before a prune collapses it back to exactly the budget,
// amortising the cost of resizing.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Policy holds the retention budgets for one document's log.
type Policy struct {
	// MaxRows is the target maximum number of stored shared actions.
	// Zero means no row limit.
	MaxRows int

	// MaxBytes is the target maximum encoded size of stored shared
	// actions in bytes. Zero means no byte limit.
	MaxBytes int64

	// GraceFactor is the multiplicative slack above a budget before a
	// prune triggers. Values below 1 are treated as 1.
	GraceFactor float64

	// CheckPeriod is how many appended rows may pass between size
	// checks. One checks on every append; zero disables append-driven
	// checks, leaving pruning to explicit compaction or a Manager.
	CheckPeriod int
}

// DefaultPolicy returns a default retention policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRows:     10000,
		MaxBytes:    64 * 1024 * 1024, // 64 MB
		GraceFactor: 1.5,
		CheckPeriod: 64,
	}
}

func (p Policy) grace() float64 {
	if p.GraceFactor < 1 {
		return 1
	}
	return p.GraceFactor
}

// Enabled reports whether the policy has any budget to enforce.
func (p Policy) Enabled() bool {
	return p.MaxRows > 0 || p.MaxBytes > 0
}

// Triggered reports whether usage has exceeded budget times grace on
// either axis.
func (p Policy) Triggered(rows int, bytes int64) bool {
	if p.MaxRows > 0 && float64(rows) > float64(p.MaxRows)*p.grace() {
		return true
	}
	if p.MaxBytes > 0 && float64(bytes) > float64(p.MaxBytes)*p.grace() {
		return true
	}
	return false
}

// Cut returns how many of the oldest rows to drop so the remainder fits
// exactly within the budget. sizes are the encoded row sizes, oldest
// first. Cut does not apply the grace factor; callers gate on Triggered.
func (p Policy) Cut(sizes []int64) int {
	rows := len(sizes)
	var bytes int64
	for _, s := range sizes {
		bytes += s
	}

	drop := 0
	for drop < rows {
		overRows := p.MaxRows > 0 && rows-drop > p.MaxRows
		overBytes := p.MaxBytes > 0 && bytes > p.MaxBytes
		if !overRows && !overBytes {
			break
		}
		bytes -= sizes[drop]
		drop++
	}
	return drop
}

// Result contains the outcome of one prune run.
type Result struct {
	PrunedRows     int
	PrunedBytes    int64
	RowsRemaining  int
	BytesRemaining int64
	Duration       time.Duration
}

// Compactor applies a retention policy to a log. Implemented by
// history.History; the manager calls it so pruning serialises with the
// document's other mutations.
type Compactor interface {
	CompactNow(ctx context.Context) (*Result, error)
}

// Config holds background manager configuration.
type Config struct {
	// CheckInterval is how often the background safety-net check runs.
	// Default is 5 minutes.
	CheckInterval time.Duration

	// Logger for prune events.
	Logger *slog.Logger
}

// Manager runs periodic retention checks in the background. The
// synchronous per-append check in the history is the primary enforcement;
// the manager catches documents that stop appending while over budget.
type Manager struct {
	config    Config
	compactor Compactor
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new retention manager.
func NewManager(c Compactor, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:    cfg,
		compactor: c,
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins background retention checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background retention checks and waits for any in-flight
// prune to finish, so shutdown never leaves a partial prune.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single retention check.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	result, err := m.compactor.CompactNow(ctx)
	if err != nil {
		m.logger.Error("retention check failed", "error", err)
		return nil
	}

	if result.PrunedRows > 0 {
		m.logger.Info("retention prune complete",
			"pruned_rows", result.PrunedRows,
			"pruned_bytes", result.PrunedBytes,
			"rows_remaining", result.RowsRemaining,
			"bytes_remaining", result.BytesRemaining,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("retention check complete, nothing to prune")
	}

	return result
}
