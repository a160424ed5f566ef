package logdb

import (
	"encoding/binary"

	actionlog "github.com/wolfeidau/actionlog"
)

// Bucket names for bbolt storage.
var (
	bucketActions  = []byte("actions")   // doc|num8 -> storedAction JSON
	bucketLogState = []byte("log_state") // doc|name -> persisted scalars
	bucketUndoInfo = []byte("undo_info") // doc|hash -> UndoInfo JSON
)

// counterName is the log_state entry holding the partition counters.
const counterName = "counters"

// encodeActionNum converts an action number to a fixed-width big-endian
// byte slice so lexicographic key order equals numeric order.
func encodeActionNum(num uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, num)
	return buf
}

// decodeActionNum converts a big-endian byte slice back to an action number.
func decodeActionNum(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// makeActionKey creates a key for the actions bucket.
// Format: [doc][separator][8-byte action number]
func makeActionKey(doc string, num uint64) []byte {
	key := make([]byte, len(doc)+1+8)
	copy(key, doc)
	key[len(doc)] = 0 // null separator
	binary.BigEndian.PutUint64(key[len(doc)+1:], num)
	return key
}

// parseActionKey extracts the document and action number from an actions key.
func parseActionKey(data []byte) (doc string, num uint64) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), decodeActionNum(data[i+1:])
		}
	}
	return string(data), 0
}

// docPrefix returns the key prefix covering all of a document's entries in
// the actions bucket.
func docPrefix(doc string) []byte {
	prefix := make([]byte, len(doc)+1)
	copy(prefix, doc)
	prefix[len(doc)] = 0
	return prefix
}

// makeStateKey creates a key for the log_state bucket.
// Format: [doc][separator][name]
func makeStateKey(doc, name string) []byte {
	key := make([]byte, len(doc)+1+len(name))
	copy(key, doc)
	key[len(doc)] = 0
	copy(key[len(doc)+1:], name)
	return key
}

// makeUndoKey creates a key for the undo_info bucket.
// Format: [doc][separator][32-byte hash]
func makeUndoKey(doc string, h actionlog.Hash) []byte {
	key := make([]byte, len(doc)+1+actionlog.HashSize)
	copy(key, doc)
	key[len(doc)] = 0
	copy(key[len(doc)+1:], h[:])
	return key
}

// encodeCounters packs the three partition counters into a fixed 24-byte
// value: hub, sent, local, each big-endian.
func encodeCounters(c Counters) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], c.Hub)
	binary.BigEndian.PutUint64(buf[8:16], c.Sent)
	binary.BigEndian.PutUint64(buf[16:24], c.Local)
	return buf
}

// decodeCounters unpacks counters written by encodeCounters.
func decodeCounters(b []byte) (Counters, bool) {
	if len(b) < 24 {
		return Counters{}, false
	}
	return Counters{
		Hub:   binary.BigEndian.Uint64(b[0:8]),
		Sent:  binary.BigEndian.Uint64(b[8:16]),
		Local: binary.BigEndian.Uint64(b[16:24]),
	}, true
}
