package triplestore

import (
	"encoding/json"
	"fmt"

	"github.com/kvfact/triplestore/pkg/triplestore/kv"
	"github.com/kvfact/triplestore/pkg/triplestore/multistore"
)

// reservedCollectionAttribute is the fact ExpireEntity preserves (as a
// tombstone) when it clears an entity: the fact naming which collection
// the entity belongs to.
var reservedCollectionAttribute = Attribute{"_collection"}

// tsCache holds the one Timestamp a transaction's writes share, assigned
// lazily on the first GetTransactionTimestamp call and shared by every
// WithScope view of the same logical transaction.
type tsCache struct {
	ts  Timestamp
	set bool
}

// Fact is an entity/attribute/value triple carrying its own Timestamp,
// the shape InsertTriple(s) writes directly without consulting the
// clock — typically a fact reconciled in from another replica. Callers
// that want the clock to assign a Timestamp instead should use
// SetValue(s).
type Fact struct {
	EntityID  string
	Attribute Attribute
	Value     Value
	Timestamp Timestamp
}

// EntityAttribute names one (entity, attribute) path, the unit
// ExpireEntityAttributes operates on.
type EntityAttribute struct {
	EntityID  string
	Attribute Attribute
}

// Transaction is one in-flight write scope, wrapping a multistore.Tx.
// Every row a Transaction writes is replicated into each store named in
// its current scope, so a caller that wants one fact mirrored into both a
// primary store and an outbox store just keeps both names in scope (see
// writeRow and removeRow, which loop over the scope's store names).
type Transaction struct {
	tx    *multistore.Tx
	store *TripleStore
	cache *tsCache

	root         *Transaction
	beforeInsert []func(*Transaction, []TripleRow) error
	beforeCommit []func(*Transaction) error
}

func (tx *Transaction) hooks() *Transaction {
	if tx.root != nil {
		return tx.root
	}
	return tx
}

// BeforeInsert registers a hook scoped to this transaction only, run
// after the store's persistent hooks, once per InsertTriples batch (a
// single InsertTriple call is a batch of one), before any per-fact
// validity or idempotency check runs.
func (tx *Transaction) BeforeInsert(fn func(*Transaction, []TripleRow) error) {
	h := tx.hooks()
	h.beforeInsert = append(h.beforeInsert, fn)
}

// BeforeCommit registers a hook scoped to this transaction only, run
// after the store's persistent hooks, immediately before commit.
func (tx *Transaction) BeforeCommit(fn func(*Transaction) error) {
	h := tx.hooks()
	h.beforeCommit = append(h.beforeCommit, fn)
}

// GetTransactionTimestamp returns the Timestamp this transaction's writes
// share, assigning one from the store's Clock on first use.
func (tx *Transaction) GetTransactionTimestamp() (Timestamp, error) {
	if tx.cache.set {
		return tx.cache.ts, nil
	}
	t, err := tx.store.clock.GetNextTimestamp()
	if err != nil {
		return Timestamp{}, err
	}
	tx.cache.ts = t
	tx.cache.set = true
	return t, nil
}

// WithScope returns a view of tx restricted to a subset of its current
// stores, sharing the same commit/cancel boundary, cached timestamp, and
// hooks.
func (tx *Transaction) WithScope(names []string) (*Transaction, error) {
	scoped, err := tx.tx.WithScope(names)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: scoped, store: tx.store, cache: tx.cache, root: tx.hooks()}, nil
}

func (tx *Transaction) writeRow(row TripleRow) error {
	ek, err := eavKey(row)
	if err != nil {
		return err
	}
	ak, err := aveKey(row)
	if err != nil {
		return err
	}
	ck, err := clientTimestampKey(row)
	if err != nil {
		return err
	}
	val := encodeIndexValue(row.Expired)

	for _, name := range tx.tx.Names() {
		if err := tx.tx.Set(name, ek, val); err != nil {
			return err
		}
		if err := tx.tx.Set(name, ak, val); err != nil {
			return err
		}
		if err := tx.tx.Set(name, ck, val); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Transaction) removeRow(row TripleRow) error {
	ek, err := eavKey(row)
	if err != nil {
		return err
	}
	ak, err := aveKey(row)
	if err != nil {
		return err
	}
	ck, err := clientTimestampKey(row)
	if err != nil {
		return err
	}
	for _, name := range tx.tx.Names() {
		if err := tx.tx.Remove(name, ek); err != nil {
			return err
		}
		if err := tx.tx.Remove(name, ak); err != nil {
			return err
		}
		if err := tx.tx.Remove(name, ck); err != nil {
			return err
		}
	}
	return nil
}

// currentExact finds the latest (highest-timestamp) row recorded for the
// exact attribute path e/a, or ok=false if none exists. EAV orders rows
// by (entity, attribute, value, timestamp), so for one exact attribute
// path with more than one historical value, scan order interleaves by
// value before timestamp — the maximum must be picked by comparing
// Timestamp directly rather than trusting scan order.
func (tx *Transaction) currentExact(e string, a Attribute) (TripleRow, bool, error) {
	args, err := ScanByEntityAttribute(e, a, Asc)
	if err != nil {
		return TripleRow{}, false, err
	}
	pairs, err := tx.tx.Scan(tx.tx.Names(), args)
	if err != nil {
		return TripleRow{}, false, err
	}
	var best TripleRow
	found := false
	for _, p := range pairs {
		row, err := decodeTripleRow(p.Key, p.Value)
		if err != nil {
			return TripleRow{}, false, err
		}
		if !row.Attribute.Equal(a) {
			continue
		}
		if !found || row.Timestamp.Compare(best.Timestamp) > 0 {
			best = row
			found = true
		}
	}
	return best, found, nil
}

// InsertTriple writes one fact at the caller-supplied Timestamp ts,
// without consulting the clock. It is InsertTriples with a batch of one.
func (tx *Transaction) InsertTriple(e string, a Attribute, v Value, ts Timestamp) error {
	return tx.InsertTriples([]Fact{{EntityID: e, Attribute: a, Value: v, Timestamp: ts}})
}

// InsertTriples writes every fact in batch, each at its own Fact.Timestamp
// rather than this transaction's shared, clock-derived Timestamp — the
// caller (typically code reconciling facts synced in from another
// replica) supplies the Timestamp directly. Every before-insert hook runs
// once against the whole batch before any per-fact check; a hook error
// aborts before any fact is written. Writing the same (entity, attribute,
// value, timestamp, expired) as an existing row is a harmless no-op;
// finding more than one existing row at that exact key is an
// InternalInvariantError.
func (tx *Transaction) InsertTriples(facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}
	rows := make([]TripleRow, len(facts))
	for i, f := range facts {
		rows[i] = TripleRow{EntityID: f.EntityID, Attribute: f.Attribute, Value: f.Value, Timestamp: f.Timestamp}
	}
	for _, h := range tx.hooks().beforeInsert {
		if err := h(tx, rows); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := tx.insertOneFact(row); err != nil {
			return err
		}
	}
	return nil
}

// insertOneFact performs the per-fact half of the insert protocol: reject
// an undefined value, find whatever row (if any) is already recorded at
// row's exact key, skip if it already carries the same Expired flag, fail
// with an InternalInvariantError if more than one distinct row is found
// (corruption — a well-formed key is unique), otherwise write it.
func (tx *Transaction) insertOneFact(row TripleRow) error {
	if !IsWellFormedValue(row.Value) {
		return &InvalidTripleStoreValueError{Value: row.Value}
	}

	ek, err := eavKey(row)
	if err != nil {
		return err
	}
	pairs, err := tx.tx.Scan(tx.tx.Names(), kv.ScanArgs{Prefix: ek})
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	found := false
	var existingExpired bool
	for _, p := range pairs {
		k := string(p.Key)
		if seen[k] {
			continue
		}
		seen[k] = true
		if found {
			return &InternalInvariantError{Msg: fmt.Sprintf("multiple tuples for %s/%v at timestamp %s", row.EntityID, row.Attribute, row.Timestamp)}
		}
		found = true
		existingExpired, err = decodeIndexValue(p.Value)
		if err != nil {
			return err
		}
	}
	if found && existingExpired == row.Expired {
		return nil
	}

	if err := tx.writeRow(row); err != nil {
		return err
	}
	for _, name := range tx.tx.Names() {
		tx.store.metrics.incWrites(name)
	}
	withTriple(tx.store.logger, row.EntityID, row.Attribute).Debug().Msg("triple inserted")
	return nil
}

// SetValue is InsertTriple with a last-writer-wins guard: if the current
// row for e/a already carries a Timestamp strictly newer than this
// transaction's, the write is silently dropped rather than clobbering a
// fact written after this transaction's causal position.
func (tx *Transaction) SetValue(e string, a Attribute, v Value) error {
	if !IsWellFormedValue(v) {
		return &InvalidTripleStoreValueError{Value: v}
	}
	ts, err := tx.GetTransactionTimestamp()
	if err != nil {
		return err
	}
	current, ok, err := tx.currentExact(e, a)
	if err != nil {
		return err
	}
	if ok && current.Timestamp.Compare(ts) > 0 {
		return nil
	}
	return tx.InsertTriple(e, a, v, ts)
}

// SetValues is SetValue over a batch of facts, sharing this transaction's
// one Timestamp.
func (tx *Transaction) SetValues(facts []Fact) error {
	for _, f := range facts {
		if err := tx.SetValue(f.EntityID, f.Attribute, f.Value); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTriples hard-deletes the exact rows given (typically obtained
// from a prior FindBy* read) from every index, with no new Timestamp
// recorded. Unlike ExpireEntityAttributes, this erases history rather
// than recording that a fact ended.
func (tx *Transaction) DeleteTriples(rows []TripleRow) error {
	for _, row := range rows {
		if err := tx.removeRow(row); err != nil {
			return err
		}
		for _, name := range tx.tx.Names() {
			tx.store.metrics.incDeletes(name)
		}
	}
	if len(rows) > 0 {
		tx.store.logger.Debug().Int("rows", len(rows)).Msg("triples deleted")
	}
	return nil
}

// currentRowsFor returns every distinct current row matching args,
// de-duplicated by key across the stores in this transaction's scope (a
// fan-out write lands the same logical row at the same key in each
// store).
func (tx *Transaction) currentRowsFor(args kv.ScanArgs) ([]TripleRow, error) {
	pairs, err := tx.tx.Scan(tx.tx.Names(), args)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var rows []TripleRow
	for _, p := range pairs {
		k := string(p.Key)
		if seen[k] {
			continue
		}
		seen[k] = true
		row, err := decodeTripleRow(p.Key, p.Value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ExpireEntityAttributes hard-deletes every current fact recorded at each
// of the given (entity, attribute) pairs, then writes one tombstone row
// per pair — value Null{}, expired true — at this transaction's
// Timestamp.
func (tx *Transaction) ExpireEntityAttributes(pairs []EntityAttribute) error {
	ts, err := tx.GetTransactionTimestamp()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		args, err := ScanByEntityAttribute(pair.EntityID, pair.Attribute, Asc)
		if err != nil {
			return err
		}
		rows, err := tx.currentRowsFor(args)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !row.Attribute.Equal(pair.Attribute) {
				continue
			}
			if err := tx.removeRow(row); err != nil {
				return err
			}
			for _, name := range tx.tx.Names() {
				tx.store.metrics.incDeletes(name)
			}
		}

		tomb := TripleRow{EntityID: pair.EntityID, Attribute: pair.Attribute, Value: Null{}, Timestamp: ts, Expired: true}
		if err := tx.writeRow(tomb); err != nil {
			return err
		}
		for _, name := range tx.tx.Names() {
			tx.store.metrics.incExpires(name)
		}
		withTriple(tx.store.logger, tomb.EntityID, tomb.Attribute).Debug().Msg("triple expired")
	}
	return nil
}

// ExpireEntity tombstones entityID: its current _collection fact (see
// reservedCollectionAttribute) is located, every current fact held for
// entityID is hard-deleted, and the _collection fact is then re-inserted
// at this transaction's Timestamp with Expired set, preserving the value
// it carried. An entity with no _collection fact is simply cleared — its
// facts are deleted and no tombstone is written.
func (tx *Transaction) ExpireEntity(entityID string) error {
	ts, err := tx.GetTransactionTimestamp()
	if err != nil {
		return err
	}

	collection, hasCollection, err := tx.currentExact(entityID, reservedCollectionAttribute)
	if err != nil {
		return err
	}

	args, err := ScanByEntity(entityID, Asc)
	if err != nil {
		return err
	}
	rows, err := tx.currentRowsFor(args)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := tx.removeRow(row); err != nil {
			return err
		}
		for _, name := range tx.tx.Names() {
			tx.store.metrics.incDeletes(name)
		}
	}

	if !hasCollection {
		return nil
	}
	tomb := TripleRow{EntityID: entityID, Attribute: reservedCollectionAttribute, Value: collection.Value, Timestamp: ts, Expired: true}
	if err := tx.writeRow(tomb); err != nil {
		return err
	}
	for _, name := range tx.tx.Names() {
		tx.store.metrics.incExpires(name)
	}
	withTriple(tx.store.logger, tomb.EntityID, tomb.Attribute).Debug().Msg("entity expired")
	return nil
}

// SetMetadata writes (or overwrites) one metadata tuple. Metadata is not
// versioned by Timestamp.
func (tx *Transaction) SetMetadata(entityID string, attr Attribute, value any) error {
	key, err := metadataKey(entityID, attr)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("triplestore: marshal metadata value: %w", err)
	}
	for _, name := range tx.tx.Names() {
		if err := tx.tx.Set(name, key, payload); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMetadata removes one metadata tuple.
func (tx *Transaction) DeleteMetadata(entityID string, attr Attribute) error {
	key, err := metadataKey(entityID, attr)
	if err != nil {
		return err
	}
	for _, name := range tx.tx.Names() {
		if err := tx.tx.Remove(name, key); err != nil {
			return err
		}
	}
	return nil
}
