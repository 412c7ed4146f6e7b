// Package kv defines the ordered key-value backend contract the triple
// store is built on: a sorted map from composite keys to opaque values,
// with prefix/range scans and atomic batch commit, plus one
// implementation of it over go.etcd.io/bbolt.
package kv

import "bytes"

// Pair is one scanned key/value entry, ordered.
type Pair struct {
	Key   []byte
	Value []byte
}

// ScanArgs describes one range scan. Prefix restricts the scan to keys
// sharing that byte prefix. At most one of Gt/Gte bounds the lower edge
// and at most one of Lt/Lte bounds the upper edge, in addition to the
// prefix; Reverse walks the range from high to low.
type ScanArgs struct {
	Prefix  []byte
	Gt, Gte []byte
	Lt, Lte []byte
	Reverse bool
}

// lowerBound returns the effective inclusive-or-not lower bound and
// whether it's exclusive.
func (a ScanArgs) lowerBound() (bound []byte, exclusive bool) {
	switch {
	case a.Gt != nil:
		return a.Gt, true
	case a.Gte != nil:
		return a.Gte, false
	default:
		return a.Prefix, false
	}
}

func (a ScanArgs) upperBound() (bound []byte, inclusive bool) {
	switch {
	case a.Lt != nil:
		return a.Lt, false
	case a.Lte != nil:
		return a.Lte, true
	default:
		return nil, false
	}
}

// InRange reports whether key falls within a's prefix/gt/gte/lt/lte
// bounds. The broadcaster uses it to match committed write batches
// against each subscription's range.
func InRange(a ScanArgs, key []byte) bool {
	if len(a.Prefix) > 0 && !bytes.HasPrefix(key, a.Prefix) {
		return false
	}
	if lo, excl := a.lowerBound(); lo != nil {
		cmp := bytes.Compare(key, lo)
		if cmp < 0 || (excl && cmp == 0) {
			return false
		}
	}
	if hi, incl := a.upperBound(); hi != nil {
		cmp := bytes.Compare(key, hi)
		if cmp > 0 || (!incl && cmp == 0) {
			return false
		}
	}
	return true
}

// WriteBatch is the set of changes a committed transaction applied,
// delivered to subscribers after commit.
type WriteBatch struct {
	Set    []Pair
	Remove [][]byte
}

// Unsubscribe stops a previously registered subscription.
type Unsubscribe func()

// Tx is a single backend's view of one multi-backend transaction: reads
// see staged writes layered over the pre-transaction snapshot, and
// writes are only visible to others after Commit.
type Tx interface {
	Scan(args ScanArgs) ([]Pair, error)
	Set(key, value []byte) error
	Remove(key []byte) error
	Commit() error
	Cancel() error
}

// Backend is the external ordered key-value contract required by the
// triple store. Backend is safe for concurrent use; Backend itself only
// ever hands out one live Tx at a time per AutoTransact call
// (single-writer cooperative scheduling).
type Backend interface {
	// Scan returns args's matching entries outside of any transaction,
	// observing the state committed at the moment the scan begins.
	Scan(args ScanArgs) ([]Pair, error)

	// Begin opens a writable transaction. The caller must Commit or
	// Cancel it. Used by multi-backend transactions that need to hold
	// several backends' transactions open at once before deciding to
	// commit or cancel all of them together.
	Begin() (Tx, error)

	// AutoTransact opens a transaction, runs fn with it, and commits.
	// On a retryable failure (e.g. a write conflict) it may re-invoke fn.
	AutoTransact(fn func(Tx) error) error

	// Subscribe delivers every committed WriteBatch whose keys intersect
	// args after commit, in commit order, until unsubscribed.
	Subscribe(args ScanArgs, cb func(WriteBatch)) Unsubscribe

	// Subspace returns a view of this backend whose every key is
	// implicitly prefixed with prefix.
	Subspace(prefix []byte) Backend

	// Clear removes every key this backend (or, if it is itself a
	// subspace, this subspace) can see.
	Clear() error

	// Close releases the backend's resources.
	Close() error
}
