// Package actionlog provides the core types for a document's action
// history: hash-identified action bundles forming a tamper-evident chain.
package actionlog

import (
	"fmt"
)

// FirstActionNum is the action number of the very first action in a
// document's history.
const FirstActionNum uint64 = 1

// ActionBundle is one atomic, hash-identified unit of document history.
// The payload is opaque: it is never inspected beyond hashing and sizing.
//
// A bundle moves through the partitions unsent -> sent -> shared (or is
// recorded directly as shared when pulled verbatim from the hub) and is
// never mutated once its ActionHash is assigned.
type ActionBundle struct {
	// ActionNum is the bundle's global monotonic position.
	ActionNum uint64

	// Payload is the opaque serialized mutation.
	Payload []byte

	// ParentHash is the hash of the predecessor bundle in this bundle's
	// branch. Zero only for the first bundle of the document.
	ParentHash Hash

	// ActionHash identifies this bundle. Zero until assigned by
	// Branchify or ComputeActionHash; fixed once assigned.
	ActionHash Hash
}

// ComputeActionHash returns the deterministic digest of
// (parentHash, payload). Identical inputs produce an identical hash on
// every process and platform; equal hashes imply equal content and equal
// ancestry.
func ComputeActionHash(parent Hash, payload []byte) Hash {
	h := NewHasher()
	_, _ = h.Write(parent[:])
	_, _ = h.Write(payload)
	return h.Sum()
}

// Chain assigns the bundle's parent and computes its hash. It returns the
// assigned hash for chaining into a successor.
func (b *ActionBundle) Chain(parent Hash) Hash {
	b.ParentHash = parent
	b.ActionHash = ComputeActionHash(parent, b.Payload)
	return b.ActionHash
}

// Branchify links an ordered slice of bundles into a hash chain rooted at
// parent: each bundle's ParentHash is set to its predecessor's ActionHash
// (or parent for the first), and hashes are computed in order. Calling it
// again on an already-chained list recomputes the same values.
func Branchify(bundles []*ActionBundle, parent Hash) {
	tip := parent
	for _, b := range bundles {
		tip = b.Chain(tip)
	}
}

// VerifyChain checks that an ordered slice of bundles forms a valid chain
// rooted at parent: contiguous action numbers, each ParentHash equal to the
// predecessor's ActionHash, and each ActionHash matching a recomputation
// from its inputs. Returns nil for an empty slice.
func VerifyChain(bundles []*ActionBundle, parent Hash) error {
	tip := parent
	for i, b := range bundles {
		if i > 0 && b.ActionNum != bundles[i-1].ActionNum+1 {
			return fmt.Errorf("action %d follows %d: numbering not contiguous", b.ActionNum, bundles[i-1].ActionNum)
		}
		if b.ParentHash != tip {
			return fmt.Errorf("action %d: parent hash %s does not match predecessor %s",
				b.ActionNum, b.ParentHash.ShortString(), tip.ShortString())
		}
		if want := ComputeActionHash(b.ParentHash, b.Payload); b.ActionHash != want {
			return fmt.Errorf("action %d: stored hash %s does not match computed %s",
				b.ActionNum, b.ActionHash.ShortString(), want.ShortString())
		}
		tip = b.ActionHash
	}
	return nil
}
