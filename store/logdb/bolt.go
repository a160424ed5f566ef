package logdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	actionlog "github.com/wolfeidau/actionlog"
)

// storedAction is the persisted row format. Payloads above the compression
// threshold are stored zstd-compressed with a digest of the original bytes.
type storedAction struct {
	ActionNum   uint64         `json:"action_num"`
	ParentHash  actionlog.Hash `json:"parent_hash"`
	ActionHash  actionlog.Hash `json:"action_hash"`
	Payload     []byte         `json:"payload"`
	Encoding    string         `json:"encoding,omitempty"`
	PayloadSize uint64         `json:"payload_size"`
	Digest      string         `json:"digest,omitempty"`
}

// BoltLog is a durable ordered action log backed by bbolt. A single BoltLog
// can hold the logs of multiple documents, each under its own key prefix;
// documents are fully independent of each other.
type BoltLog struct {
	db     *bbolt.DB
	codec  *PayloadCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a BoltLog instance.
type Option func(*BoltLog)

// WithLogger sets the logger for the log store.
func WithLogger(logger *slog.Logger) Option {
	return func(l *BoltLog) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *BoltLog) {
		l.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(l *BoltLog) {
		l.noSync = noSync
	}
}

// NewBoltLog creates a new BoltLog instance with options.
func NewBoltLog(opts ...Option) *BoltLog {
	l := &BoltLog{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open opens the database at the given path.
func (l *BoltLog) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  l.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	l.db = db

	if err := l.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	l.codec = codec

	l.logger.Debug("opened logdb", "path", path, "noSync", l.noSync)
	return nil
}

func (l *BoltLog) createBuckets() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketActions,
			bucketLogState,
			bucketUndoInfo,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (l *BoltLog) Close() error {
	if l.codec != nil {
		l.codec.Close()
		l.codec = nil
	}
	if l.db == nil {
		return nil
	}
	l.logger.Debug("closing logdb")
	return l.db.Close()
}

// Codec returns the shared payload codec.
func (l *BoltLog) Codec() *PayloadCodec {
	return l.codec
}

// Update runs fn against one document's log in a single read-write
// transaction. Either every mutation fn makes is persisted or none is.
func (l *BoltLog) Update(_ context.Context, doc string, fn func(*Tx) error) error {
	return l.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx, doc: doc, codec: l.codec})
	})
}

// View runs fn against one document's log in a single read-only transaction.
func (l *BoltLog) View(_ context.Context, doc string, fn func(*Tx) error) error {
	return l.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx, doc: doc, codec: l.codec})
	})
}

// Append appends a single action in its own transaction. The action number
// must be greater than every stored action number for the document;
// exact-successor enforcement against the counters is the orchestrator's job.
func (l *BoltLog) Append(ctx context.Context, doc string, b *actionlog.ActionBundle) error {
	return l.Update(ctx, doc, func(tx *Tx) error {
		return tx.Append(b)
	})
}

// Range returns the actions with the given numbers, in the given order.
// Missing numbers yield nil entries, never an error: holes are expected
// once pruning has occurred.
func (l *BoltLog) Range(ctx context.Context, doc string, nums []uint64) ([]*actionlog.ActionBundle, error) {
	out := make([]*actionlog.ActionBundle, len(nums))
	err := l.View(ctx, doc, func(tx *Tx) error {
		for i, num := range nums {
			b, err := tx.Get(num)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out[i] = b
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Recent returns up to limit of the most recent actions in ascending
// order. A limit <= 0 returns all stored actions.
func (l *BoltLog) Recent(ctx context.Context, doc string, limit int) ([]*actionlog.ActionBundle, error) {
	var out []*actionlog.ActionBundle
	err := l.View(ctx, doc, func(tx *Tx) error {
		var err error
		out, err = tx.Recent(limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOldest trims all but the newest keep actions for the document,
// removing the undo-info entries of the pruned rows in the same
// transaction. Returns the number of rows and encoded bytes removed.
func (l *BoltLog) DeleteOldest(ctx context.Context, doc string, keep int) (int, int64, error) {
	var rows int
	var reclaimed int64
	err := l.Update(ctx, doc, func(tx *Tx) error {
		stats, err := tx.Stats()
		if err != nil {
			return err
		}
		drop := stats.Rows - keep
		if drop <= 0 {
			return nil
		}
		min, ok, err := tx.Min()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		rows, reclaimed, err = tx.DeleteRange(min, min+uint64(drop))
		return err
	})
	return rows, reclaimed, err
}

// Counters returns the persisted partition counters for the document.
// Returns ErrNotFound if they have never been written.
func (l *BoltLog) Counters(ctx context.Context, doc string) (Counters, error) {
	var c Counters
	err := l.View(ctx, doc, func(tx *Tx) error {
		got, ok := tx.Counters()
		if !ok {
			return ErrNotFound
		}
		c = got
		return nil
	})
	return c, err
}

// SetCounters persists the partition counters for the document.
func (l *BoltLog) SetCounters(ctx context.Context, doc string, c Counters) error {
	return l.Update(ctx, doc, func(tx *Tx) error {
		return tx.SetCounters(c)
	})
}

// RecoverCounters returns the persisted counters, reconstructing them by
// rescanning the log when the counter record is missing. Recovered
// counters treat every stored row as shared: the sent/unsent split cannot
// be reconstructed from content alone, and re-syncing from the hub is the
// safe interpretation.
func (l *BoltLog) RecoverCounters(ctx context.Context, doc string) (Counters, error) {
	var c Counters
	err := l.Update(ctx, doc, func(tx *Tx) error {
		if got, ok := tx.Counters(); ok {
			c = got
			return nil
		}

		max, ok, err := tx.Max()
		if err != nil {
			return err
		}
		next := actionlog.FirstActionNum
		if ok {
			next = max + 1
		}
		c = Counters{Hub: next, Sent: next, Local: next}
		return tx.SetCounters(c)
	})
	if err != nil {
		return Counters{}, err
	}
	return c, nil
}

// Stats returns the stored row count and encoded byte size for a document.
func (l *BoltLog) Stats(ctx context.Context, doc string) (Stats, error) {
	var stats Stats
	err := l.View(ctx, doc, func(tx *Tx) error {
		var err error
		stats, err = tx.Stats()
		return err
	})
	return stats, err
}

// PutUndoInfo stores undo metadata for the given action hash.
func (l *BoltLog) PutUndoInfo(ctx context.Context, doc string, h actionlog.Hash, info *UndoInfo) error {
	return l.Update(ctx, doc, func(tx *Tx) error {
		return tx.PutUndoInfo(h, info)
	})
}

// GetUndoInfo retrieves undo metadata for the given action hash.
// Returns ErrNotFound if no entry exists.
func (l *BoltLog) GetUndoInfo(ctx context.Context, doc string, h actionlog.Hash) (*UndoInfo, error) {
	var info *UndoInfo
	err := l.View(ctx, doc, func(tx *Tx) error {
		var err error
		info, err = tx.GetUndoInfo(h)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Tx is a transaction-scoped view over one document's log. All methods
// operate within the enclosing bolt transaction, so a sequence of calls
// inside one Update is atomic.
type Tx struct {
	btx   *bbolt.Tx
	doc   string
	codec *PayloadCodec
}

func (tx *Tx) actions() *bbolt.Bucket {
	return tx.btx.Bucket(bucketActions)
}

// Counters returns the persisted counters, reporting false if the counter
// record has never been written.
func (tx *Tx) Counters() (Counters, bool) {
	bucket := tx.btx.Bucket(bucketLogState)
	if bucket == nil {
		return Counters{}, false
	}
	val := bucket.Get(makeStateKey(tx.doc, counterName))
	if val == nil {
		return Counters{}, false
	}
	return decodeCounters(val)
}

// SetCounters persists the counters within the transaction.
func (tx *Tx) SetCounters(c Counters) error {
	bucket := tx.btx.Bucket(bucketLogState)
	if bucket == nil {
		return fmt.Errorf("log_state bucket not found")
	}
	if err := bucket.Put(makeStateKey(tx.doc, counterName), encodeCounters(c)); err != nil {
		return fmt.Errorf("putting counters: %w", err)
	}
	return nil
}

// Get returns the action with the given number, or ErrNotFound.
func (tx *Tx) Get(num uint64) (*actionlog.ActionBundle, error) {
	bucket := tx.actions()
	if bucket == nil {
		return nil, ErrNotFound
	}
	val := bucket.Get(makeActionKey(tx.doc, num))
	if val == nil {
		return nil, ErrNotFound
	}
	return tx.decodeRecord(val)
}

// Max returns the highest stored action number for the document.
func (tx *Tx) Max() (uint64, bool, error) {
	bucket := tx.actions()
	if bucket == nil {
		return 0, false, nil
	}
	k, _ := seekLast(bucket.Cursor(), docPrefix(tx.doc))
	if k == nil {
		return 0, false, nil
	}
	_, num := parseActionKey(k)
	return num, true, nil
}

// Min returns the lowest stored action number for the document.
func (tx *Tx) Min() (uint64, bool, error) {
	bucket := tx.actions()
	if bucket == nil {
		return 0, false, nil
	}
	prefix := docPrefix(tx.doc)
	k, _ := bucket.Cursor().Seek(prefix)
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return 0, false, nil
	}
	_, num := parseActionKey(k)
	return num, true, nil
}

// Append stores the action. The action number must be greater than every
// stored number for the document; gaps above the maximum are legal (they
// arise from skipped floors), regressions are not.
func (tx *Tx) Append(b *actionlog.ActionBundle) error {
	max, ok, err := tx.Max()
	if err != nil {
		return err
	}
	if ok && b.ActionNum <= max {
		return fmt.Errorf("%w: action %d, log already at %d", ErrOutOfOrder, b.ActionNum, max)
	}

	val, err := tx.encodeRecord(b)
	if err != nil {
		return err
	}
	if err := tx.actions().Put(makeActionKey(tx.doc, b.ActionNum), val); err != nil {
		return fmt.Errorf("putting action %d: %w", b.ActionNum, err)
	}
	return nil
}

// Scan visits the stored actions with numbers in [from, to) in ascending
// order. Missing numbers are skipped.
func (tx *Tx) Scan(from, to uint64, fn func(*actionlog.ActionBundle) error) error {
	bucket := tx.actions()
	if bucket == nil {
		return nil
	}
	prefix := docPrefix(tx.doc)
	cursor := bucket.Cursor()
	for k, v := cursor.Seek(makeActionKey(tx.doc, from)); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		_, num := parseActionKey(k)
		if num >= to {
			break
		}
		b, err := tx.decodeRecord(v)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// ScanSizes visits the encoded sizes of stored actions with numbers in
// [from, to) in ascending order, without decoding payloads.
func (tx *Tx) ScanSizes(from, to uint64, fn func(num uint64, size int64) error) error {
	bucket := tx.actions()
	if bucket == nil {
		return nil
	}
	prefix := docPrefix(tx.doc)
	cursor := bucket.Cursor()
	for k, v := cursor.Seek(makeActionKey(tx.doc, from)); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		_, num := parseActionKey(k)
		if num >= to {
			break
		}
		if err := fn(num, int64(len(v))); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit of the most recent actions in ascending
// order. A limit <= 0 returns all stored actions.
func (tx *Tx) Recent(limit int) ([]*actionlog.ActionBundle, error) {
	var out []*actionlog.ActionBundle
	err := tx.Scan(0, ^uint64(0), func(b *actionlog.ActionBundle) error {
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeleteRange removes the stored actions with numbers in [from, to),
// together with their undo-info entries, which would otherwise be orphaned.
// Returns the rows and encoded bytes removed.
func (tx *Tx) DeleteRange(from, to uint64) (int, int64, error) {
	bucket := tx.actions()
	if bucket == nil {
		return 0, 0, nil
	}

	var rows int
	var reclaimed int64
	prefix := docPrefix(tx.doc)
	cursor := bucket.Cursor()
	for k, v := cursor.Seek(makeActionKey(tx.doc, from)); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		_, num := parseActionKey(k)
		if num >= to {
			break
		}

		b, err := tx.decodeRecord(v)
		if err != nil {
			return rows, reclaimed, err
		}

		reclaimed += int64(len(v))
		if err := cursor.Delete(); err != nil {
			return rows, reclaimed, fmt.Errorf("deleting action %d: %w", num, err)
		}
		rows++

		if err := tx.DeleteUndoInfo(b.ActionHash); err != nil {
			return rows, reclaimed, err
		}
	}
	return rows, reclaimed, nil
}

// Stats returns the stored row count and encoded byte size for the document.
func (tx *Tx) Stats() (Stats, error) {
	bucket := tx.actions()
	if bucket == nil {
		return Stats{}, nil
	}
	var stats Stats
	prefix := docPrefix(tx.doc)
	cursor := bucket.Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		stats.Rows++
		stats.Bytes += int64(len(v))
	}
	return stats, nil
}

// PutUndoInfo stores undo metadata for the given action hash.
func (tx *Tx) PutUndoInfo(h actionlog.Hash, info *UndoInfo) error {
	bucket := tx.btx.Bucket(bucketUndoInfo)
	if bucket == nil {
		return fmt.Errorf("undo_info bucket not found")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling undo info: %w", err)
	}
	if err := bucket.Put(makeUndoKey(tx.doc, h), data); err != nil {
		return fmt.Errorf("putting undo info: %w", err)
	}
	return nil
}

// GetUndoInfo retrieves undo metadata for the given action hash.
func (tx *Tx) GetUndoInfo(h actionlog.Hash) (*UndoInfo, error) {
	bucket := tx.btx.Bucket(bucketUndoInfo)
	if bucket == nil {
		return nil, ErrNotFound
	}
	val := bucket.Get(makeUndoKey(tx.doc, h))
	if val == nil {
		return nil, ErrNotFound
	}
	var info UndoInfo
	if err := json.Unmarshal(val, &info); err != nil {
		return nil, fmt.Errorf("unmarshaling undo info: %w", err)
	}
	return &info, nil
}

// DeleteUndoInfo removes undo metadata for the given action hash.
// Removing a missing entry is not an error.
func (tx *Tx) DeleteUndoInfo(h actionlog.Hash) error {
	bucket := tx.btx.Bucket(bucketUndoInfo)
	if bucket == nil {
		return nil
	}
	return bucket.Delete(makeUndoKey(tx.doc, h))
}

func (tx *Tx) encodeRecord(b *actionlog.ActionBundle) ([]byte, error) {
	payload, encoding, digest, err := tx.codec.Encode(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for action %d: %w", b.ActionNum, err)
	}
	rec := storedAction{
		ActionNum:   b.ActionNum,
		ParentHash:  b.ParentHash,
		ActionHash:  b.ActionHash,
		Payload:     payload,
		Encoding:    encoding,
		PayloadSize: uint64(len(b.Payload)),
		Digest:      digest,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling action %d: %w", b.ActionNum, err)
	}
	return data, nil
}

func (tx *Tx) decodeRecord(val []byte) (*actionlog.ActionBundle, error) {
	var rec storedAction
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling action: %w", err)
	}
	payload, err := tx.codec.Decode(rec.Payload, rec.Encoding, rec.Digest, rec.PayloadSize)
	if err != nil {
		return nil, fmt.Errorf("decoding payload for action %d: %w", rec.ActionNum, err)
	}
	return &actionlog.ActionBundle{
		ActionNum:  rec.ActionNum,
		Payload:    payload,
		ParentHash: rec.ParentHash,
		ActionHash: rec.ActionHash,
	}, nil
}

// seekLast positions the cursor on the last key carrying the given prefix.
// The prefix must end in the null separator, which is bumped to form the
// exclusive upper bound for the seek.
func seekLast(c *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1] = 0x01

	k, v := c.Seek(bound)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}
