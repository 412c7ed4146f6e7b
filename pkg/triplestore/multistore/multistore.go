// Package multistore implements a logical store fan-out: a keyed
// collection of ordered kv.Backends, sharing a tenant prefix, such that
// one transaction can span the storages scoped by name and commit or
// cancel them together (see MultiStore.Transact for the commit caveat).
package multistore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/kvfact/triplestore/pkg/triplestore/kv"
)

// MultiStore fans operations out across a named collection of
// kv.Backends. All keys are implicitly scoped under the tenant prefix
// supplied at construction.
type MultiStore struct {
	names   []string
	backend map[string]kv.Backend
}

// New wires stores (name -> physical backend) behind a tenant prefix. All
// subsequent Scan/Transact/Subscribe calls operate in tenant-relative key
// space.
func New(stores map[string]kv.Backend, tenantID string) *MultiStore {
	ms := &MultiStore{backend: make(map[string]kv.Backend, len(stores))}
	prefix := []byte(tenantID + "/")
	for name, b := range stores {
		ms.backend[name] = b.Subspace(prefix)
		ms.names = append(ms.names, name)
	}
	sort.Strings(ms.names)
	return ms
}

// Names returns every participating store name, in stable order.
func (ms *MultiStore) Names() []string {
	out := make([]string, len(ms.names))
	copy(out, ms.names)
	return out
}

func (ms *MultiStore) resolve(names []string) ([]kv.Backend, error) {
	if names == nil {
		names = ms.names
	}
	out := make([]kv.Backend, 0, len(names))
	for _, n := range names {
		b, ok := ms.backend[n]
		if !ok {
			return nil, fmt.Errorf("multistore: unknown store %q", n)
		}
		out = append(out, b)
	}
	return out, nil
}

// Scan fans a scan out across the named stores (all of them if names is
// nil) and merges the results, keeping the global key order args.Reverse
// requests.
func (ms *MultiStore) Scan(names []string, args kv.ScanArgs) ([]kv.Pair, error) {
	backends, err := ms.resolve(names)
	if err != nil {
		return nil, err
	}
	var runs [][]kv.Pair
	for _, b := range backends {
		res, err := b.Scan(args)
		if err != nil {
			return nil, err
		}
		runs = append(runs, res)
	}
	return mergePairs(runs, args.Reverse), nil
}

// mergePairs performs a k-way merge of already-sorted runs. Each run is
// internally duplicate-key free, so equal keys only arise across stores;
// such a key is emitted once, taking the entry from the earliest run.
func mergePairs(runs [][]kv.Pair, reverse bool) []kv.Pair {
	idx := make([]int, len(runs))
	total := 0
	for _, r := range runs {
		total += len(r)
	}
	out := make([]kv.Pair, 0, total)
	for {
		best := -1
		for i, r := range runs {
			if idx[i] >= len(r) {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			cmp := bytes.Compare(r[idx[i]].Key, runs[best][idx[best]].Key)
			if (!reverse && cmp < 0) || (reverse && cmp > 0) {
				best = i
			}
		}
		if best == -1 {
			return out
		}
		if n := len(out); n > 0 && bytes.Equal(out[n-1].Key, runs[best][idx[best]].Key) {
			idx[best]++
			continue
		}
		out = append(out, runs[best][idx[best]])
		idx[best]++
	}
}

// Subscribe fans a subscription out across the named stores and delivers
// every matching write batch after its backend commits.
func (ms *MultiStore) Subscribe(names []string, args kv.ScanArgs, cb func(kv.WriteBatch)) (kv.Unsubscribe, error) {
	backends, err := ms.resolve(names)
	if err != nil {
		return nil, err
	}
	unsubs := make([]kv.Unsubscribe, 0, len(backends))
	for _, b := range backends {
		unsubs = append(unsubs, b.Subscribe(args, cb))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// Clear drops all data in every participating backend.
func (ms *MultiStore) Clear() error {
	for _, name := range ms.names {
		if err := ms.backend[name].Clear(); err != nil {
			return fmt.Errorf("multistore: clear %q: %w", name, err)
		}
	}
	return nil
}

// Subspace returns a MultiStore whose every store is further prefixed.
func (ms *MultiStore) Subspace(prefix []byte) *MultiStore {
	out := &MultiStore{backend: make(map[string]kv.Backend, len(ms.backend)), names: ms.Names()}
	for name, b := range ms.backend {
		out.backend[name] = b.Subspace(prefix)
	}
	return out
}

// Transact opens a transaction spanning the named stores (all of them if
// names is nil), runs fn, and commits every participant. If fn returns an
// error, every participant is cancelled instead.
//
// Commit is single-phase per participant: each backend's Tx.Commit is
// called in turn. A real two-phase commit would need every underlying
// kv.Backend to support a separate prepare step; bbolt (this module's one
// Backend implementation) does not expose one, so a failure partway
// through committing multiple stores cannot be rolled back retroactively.
func (ms *MultiStore) Transact(names []string, fn func(*Tx) error) error {
	backends, err := ms.resolve(names)
	if err != nil {
		return err
	}
	resolvedNames := names
	if resolvedNames == nil {
		resolvedNames = ms.names
	}

	txs := make(map[string]kv.Tx, len(backends))
	for i, b := range backends {
		tx, err := b.Begin()
		if err != nil {
			cancelAll(txs)
			return fmt.Errorf("multistore: begin %q: %w", resolvedNames[i], err)
		}
		txs[resolvedNames[i]] = tx
	}

	t := &Tx{ms: ms, txs: txs, scope: resolvedNames}
	if err := fn(t); err != nil {
		cancelAll(txs)
		return err
	}
	return commitAll(txs)
}

func cancelAll(txs map[string]kv.Tx) {
	for _, tx := range txs {
		_ = tx.Cancel()
	}
}

func commitAll(txs map[string]kv.Tx) error {
	for name, tx := range txs {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("multistore: commit %q: %w", name, err)
		}
	}
	return nil
}

// Tx is one multi-backend transaction. Reads observe this transaction's
// own staged writes layered over the snapshot every participant's Begin
// took.
type Tx struct {
	ms    *MultiStore
	txs   map[string]kv.Tx
	scope []string
}

// WithScope returns a view of tx restricted to a subset of the stores it
// already spans, sharing the same underlying per-store transactions (and
// therefore the same commit/cancel boundary).
func (tx *Tx) WithScope(names []string) (*Tx, error) {
	txs := make(map[string]kv.Tx, len(names))
	for _, n := range names {
		t, ok := tx.txs[n]
		if !ok {
			return nil, fmt.Errorf("multistore: store %q not in transaction scope", n)
		}
		txs[n] = t
	}
	return &Tx{ms: tx.ms, txs: txs, scope: names}, nil
}

func (tx *Tx) names(explicit []string) []string {
	if explicit != nil {
		return explicit
	}
	return tx.scope
}

// Names returns the store names this transaction is currently scoped to,
// in the order Scan and fan-out writers should use.
func (tx *Tx) Names() []string {
	out := make([]string, len(tx.scope))
	copy(out, tx.scope)
	return out
}

// Scan reads across the transaction's scoped stores (or an explicit
// subset), merging as MultiStore.Scan does.
func (tx *Tx) Scan(names []string, args kv.ScanArgs) ([]kv.Pair, error) {
	use := tx.names(names)
	var runs [][]kv.Pair
	for _, n := range use {
		t, ok := tx.txs[n]
		if !ok {
			return nil, fmt.Errorf("multistore: store %q not in transaction scope", n)
		}
		res, err := t.Scan(args)
		if err != nil {
			return nil, err
		}
		runs = append(runs, res)
	}
	return mergePairs(runs, args.Reverse), nil
}

// Set stages a write against the named store.
func (tx *Tx) Set(store string, key, value []byte) error {
	t, ok := tx.txs[store]
	if !ok {
		return fmt.Errorf("multistore: store %q not in transaction scope", store)
	}
	return t.Set(key, value)
}

// Remove stages a delete against the named store.
func (tx *Tx) Remove(store string, key []byte) error {
	t, ok := tx.txs[store]
	if !ok {
		return fmt.Errorf("multistore: store %q not in transaction scope", store)
	}
	return t.Remove(key)
}
