package logdb

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	actionlog "github.com/wolfeidau/actionlog"
)

func newTestBoltLog(t *testing.T, opts ...Option) *BoltLog {
	t.Helper()
	log := NewBoltLog(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, log.Open(dbPath))
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// appendChain appends n chained actions starting at num 1 and returns them.
func appendChain(t *testing.T, log *BoltLog, doc string, n int) []*actionlog.ActionBundle {
	t.Helper()
	ctx := context.Background()

	var bundles []*actionlog.ActionBundle
	for i := 0; i < n; i++ {
		bundles = append(bundles, &actionlog.ActionBundle{
			ActionNum: actionlog.FirstActionNum + uint64(i),
			Payload:   []byte(fmt.Sprintf("payload %d", i)),
		})
	}
	actionlog.Branchify(bundles, actionlog.Hash{})

	for _, b := range bundles {
		require.NoError(t, log.Append(ctx, doc, b))
	}
	return bundles
}

func TestBoltLog_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append and read back", func(t *testing.T) {
		log := newTestBoltLog(t)
		bundles := appendChain(t, log, "doc1", 3)

		got, err := log.Range(ctx, "doc1", []uint64{1, 2, 3})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, b := range got {
			require.NotNil(t, b)
			assert.Equal(t, bundles[i].ActionNum, b.ActionNum)
			assert.Equal(t, bundles[i].Payload, b.Payload)
			assert.Equal(t, bundles[i].ParentHash, b.ParentHash)
			assert.Equal(t, bundles[i].ActionHash, b.ActionHash)
		}
	})

	t.Run("rejects regressing action number", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 3)

		b := &actionlog.ActionBundle{ActionNum: 2, Payload: []byte("late")}
		b.Chain(actionlog.Hash{})

		err := log.Append(ctx, "doc1", b)
		require.ErrorIs(t, err, ErrOutOfOrder)
	})

	t.Run("rejects duplicate action number", func(t *testing.T) {
		log := newTestBoltLog(t)
		bundles := appendChain(t, log, "doc1", 1)

		err := log.Append(ctx, "doc1", bundles[0])
		require.ErrorIs(t, err, ErrOutOfOrder)
	})

	t.Run("allows gaps above the maximum", func(t *testing.T) {
		log := newTestBoltLog(t)
		bundles := appendChain(t, log, "doc1", 2)

		b := &actionlog.ActionBundle{ActionNum: 10, Payload: []byte("after skip")}
		b.Chain(bundles[1].ActionHash)
		require.NoError(t, log.Append(ctx, "doc1", b))

		got, err := log.Range(ctx, "doc1", []uint64{10})
		require.NoError(t, err)
		require.NotNil(t, got[0])
		assert.Equal(t, uint64(10), got[0].ActionNum)
	})

	t.Run("documents are independent", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 3)
		appendChain(t, log, "doc2", 1)

		stats, err := log.Stats(ctx, "doc2")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Rows)
	})
}

func TestBoltLog_Range(t *testing.T) {
	ctx := context.Background()

	t.Run("missing numbers yield nil entries", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 2)

		got, err := log.Range(ctx, "doc1", []uint64{1, 7, 2})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.NotNil(t, got[0])
		assert.Nil(t, got[1])
		assert.NotNil(t, got[2])
	})

	t.Run("empty request", func(t *testing.T) {
		log := newTestBoltLog(t)

		got, err := log.Range(ctx, "doc1", nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestBoltLog_Recent(t *testing.T) {
	ctx := context.Background()

	t.Run("returns newest actions in ascending order", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 5)

		got, err := log.Recent(ctx, "doc1", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, uint64(3), got[0].ActionNum)
		assert.Equal(t, uint64(4), got[1].ActionNum)
		assert.Equal(t, uint64(5), got[2].ActionNum)
	})

	t.Run("limit zero returns everything", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 5)

		got, err := log.Recent(ctx, "doc1", 0)
		require.NoError(t, err)
		assert.Len(t, got, 5)
	})

	t.Run("empty log", func(t *testing.T) {
		log := newTestBoltLog(t)

		got, err := log.Recent(ctx, "doc1", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestBoltLog_DeleteOldest(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps newest rows", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 5)

		rows, bytes, err := log.DeleteOldest(ctx, "doc1", 2)
		require.NoError(t, err)
		assert.Equal(t, 3, rows)
		assert.Positive(t, bytes)

		got, err := log.Recent(ctx, "doc1", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(4), got[0].ActionNum)
		assert.Equal(t, uint64(5), got[1].ActionNum)
	})

	t.Run("no-op when already within keep", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 2)

		rows, bytes, err := log.DeleteOldest(ctx, "doc1", 5)
		require.NoError(t, err)
		assert.Zero(t, rows)
		assert.Zero(t, bytes)
	})

	t.Run("removes undo info of pruned rows", func(t *testing.T) {
		log := newTestBoltLog(t)
		bundles := appendChain(t, log, "doc1", 3)

		for _, b := range bundles {
			require.NoError(t, log.PutUndoInfo(ctx, "doc1", b.ActionHash, &UndoInfo{ClientID: "c1"}))
		}

		_, _, err := log.DeleteOldest(ctx, "doc1", 1)
		require.NoError(t, err)

		_, err = log.GetUndoInfo(ctx, "doc1", bundles[0].ActionHash)
		require.ErrorIs(t, err, ErrNotFound)

		info, err := log.GetUndoInfo(ctx, "doc1", bundles[2].ActionHash)
		require.NoError(t, err)
		assert.Equal(t, "c1", info.ClientID)
	})
}

func TestBoltLog_Counters(t *testing.T) {
	ctx := context.Background()

	t.Run("unset counters return ErrNotFound", func(t *testing.T) {
		log := newTestBoltLog(t)

		_, err := log.Counters(ctx, "doc1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("round-trip", func(t *testing.T) {
		log := newTestBoltLog(t)

		want := Counters{Hub: 3, Sent: 5, Local: 8}
		require.NoError(t, log.SetCounters(ctx, "doc1", want))

		got, err := log.Counters(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("per-document", func(t *testing.T) {
		log := newTestBoltLog(t)

		require.NoError(t, log.SetCounters(ctx, "doc1", Counters{Hub: 2, Sent: 2, Local: 2}))

		_, err := log.Counters(ctx, "doc2")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("survives reopen", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		want := Counters{Hub: 51, Sent: 51, Local: 51}

		log := NewBoltLog()
		require.NoError(t, log.Open(dbPath))
		require.NoError(t, log.SetCounters(ctx, "doc1", want))
		require.NoError(t, log.Close())

		reopened := NewBoltLog()
		require.NoError(t, reopened.Open(dbPath))
		defer reopened.Close()

		got, err := reopened.Counters(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestBoltLog_RecoverCounters(t *testing.T) {
	ctx := context.Background()

	t.Run("empty log starts at the first action number", func(t *testing.T) {
		log := newTestBoltLog(t)

		got, err := log.RecoverCounters(ctx, "doc1")
		require.NoError(t, err)
		want := Counters{Hub: actionlog.FirstActionNum, Sent: actionlog.FirstActionNum, Local: actionlog.FirstActionNum}
		assert.Equal(t, want, got)
	})

	t.Run("missing record treats stored rows as shared", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 4)

		got, err := log.RecoverCounters(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, Counters{Hub: 5, Sent: 5, Local: 5}, got)

		// recovery persists the result
		persisted, err := log.Counters(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, got, persisted)
	})

	t.Run("existing record wins over rescan", func(t *testing.T) {
		log := newTestBoltLog(t)
		appendChain(t, log, "doc1", 4)

		want := Counters{Hub: 2, Sent: 3, Local: 5}
		require.NoError(t, log.SetCounters(ctx, "doc1", want))

		got, err := log.RecoverCounters(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestBoltLog_UndoInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trip", func(t *testing.T) {
		log := newTestBoltLog(t)
		h := actionlog.HashBytes([]byte("action"))

		want := &UndoInfo{
			ClientID:  "client-1",
			LinkID:    "link-9",
			OtherID:   "peer-2",
			IsUndo:    true,
			RowIDHint: 42,
		}
		require.NoError(t, log.PutUndoInfo(ctx, "doc1", h, want))

		got, err := log.GetUndoInfo(ctx, "doc1", h)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("missing hash returns ErrNotFound", func(t *testing.T) {
		log := newTestBoltLog(t)

		_, err := log.GetUndoInfo(ctx, "doc1", actionlog.HashBytes([]byte("nope")))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("overwrite replaces entry", func(t *testing.T) {
		log := newTestBoltLog(t)
		h := actionlog.HashBytes([]byte("action"))

		require.NoError(t, log.PutUndoInfo(ctx, "doc1", h, &UndoInfo{ClientID: "a"}))
		require.NoError(t, log.PutUndoInfo(ctx, "doc1", h, &UndoInfo{ClientID: "b"}))

		got, err := log.GetUndoInfo(ctx, "doc1", h)
		require.NoError(t, err)
		assert.Equal(t, "b", got.ClientID)
	})
}

func TestBoltLog_LargePayload(t *testing.T) {
	ctx := context.Background()
	log := newTestBoltLog(t)

	// Compressible payload well above the compression threshold.
	payload := bytes.Repeat([]byte("abcdefgh"), 2048)
	b := &actionlog.ActionBundle{ActionNum: 1, Payload: payload}
	b.Chain(actionlog.Hash{})

	require.NoError(t, log.Append(ctx, "doc1", b))

	got, err := log.Range(ctx, "doc1", []uint64{1})
	require.NoError(t, err)
	require.NotNil(t, got[0])
	assert.Equal(t, payload, got[0].Payload)

	// The stored row should be smaller than the raw payload.
	stats, err := log.Stats(ctx, "doc1")
	require.NoError(t, err)
	assert.Less(t, stats.Bytes, int64(len(payload)))
}

func TestTx_Atomicity(t *testing.T) {
	ctx := context.Background()
	log := newTestBoltLog(t)

	b := &actionlog.ActionBundle{ActionNum: 1, Payload: []byte("keep together")}
	b.Chain(actionlog.Hash{})

	// Append and counter write land or fail as one unit.
	err := log.Update(ctx, "doc1", func(tx *Tx) error {
		if err := tx.Append(b); err != nil {
			return err
		}
		return tx.SetCounters(Counters{Hub: 1, Sent: 1, Local: 2})
	})
	require.NoError(t, err)

	// A failing transaction rolls everything back.
	err = log.Update(ctx, "doc1", func(tx *Tx) error {
		b2 := &actionlog.ActionBundle{ActionNum: 2, Payload: []byte("rolled back")}
		b2.Chain(b.ActionHash)
		if err := tx.Append(b2); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	stats, err := log.Stats(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rows)

	got, err := log.Counters(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, Counters{Hub: 1, Sent: 1, Local: 2}, got)
}
