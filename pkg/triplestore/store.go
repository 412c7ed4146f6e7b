package triplestore

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kvfact/triplestore/pkg/triplestore/kv"
	"github.com/kvfact/triplestore/pkg/triplestore/multistore"
)

// Options configures a TripleStore. Exactly one of Storage or Stores must
// be set.
type Options struct {
	// TenantID namespaces every key this store touches. Defaults to
	// "client".
	TenantID string

	// Storage is a single backing kv.Backend, for the common case of one
	// physical store. Mutually exclusive with Stores.
	Storage kv.Backend

	// Stores is a named collection of backing kv.Backends, for callers
	// that replicate writes across more than one physical store (see
	// multistore.MultiStore). Mutually exclusive with Storage.
	Stores map[string]kv.Backend

	// StorageScope restricts which of Stores's names participate in a
	// transaction by default. Defaults to every name in Stores. Ignored
	// when Storage is set (the implicit single store is always in
	// scope).
	StorageScope []string

	// ClientID identifies this store's writer for Timestamp assignment.
	// Defaults to a fresh random id.
	ClientID string

	// Clock assigns Timestamps to transactions. Defaults to a Monotonic
	// clock seeded from this store's own write history.
	Clock Clock

	// Logger receives structured events for writes and scans. Defaults
	// to a disabled logger.
	Logger zerolog.Logger

	// Metrics records prometheus series for writes, scans and
	// transactions. Defaults to nil, which records nothing.
	Metrics *Metrics
}

// TripleStore is a transactional, multi-indexed fact store: the public
// surface wiring the scan algebra (scan.go), the index codec (index.go),
// and a Clock together over a multistore.MultiStore.
type TripleStore struct {
	ms       *multistore.MultiStore
	clock    Clock
	clientID string
	logger   zerolog.Logger
	metrics  *Metrics

	mu           sync.RWMutex
	scope        []string
	beforeInsert []func(*Transaction, []TripleRow) error
	beforeCommit []func(*Transaction) error
}

// New constructs a TripleStore per opts.
func New(opts Options) (*TripleStore, error) {
	if (opts.Storage == nil) == (opts.Stores == nil) {
		return nil, &TripleStoreOptionsError{Msg: "exactly one of Storage or Stores must be set"}
	}

	stores := opts.Stores
	scope := opts.StorageScope
	if opts.Storage != nil {
		stores = map[string]kv.Backend{"default": opts.Storage}
		scope = nil
	}

	tenantID := opts.TenantID
	if tenantID == "" {
		tenantID = "client"
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ms := multistore.New(stores, tenantID)
	if scope == nil {
		scope = ms.Names()
	} else {
		if err := validateScope(ms.Names(), scope); err != nil {
			return nil, err
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = NewMonotonic(clientID)
	}

	logger := opts.Logger
	if reflect.DeepEqual(logger, zerolog.Logger{}) {
		logger = zerolog.Nop()
	}

	ts := &TripleStore{
		ms:       ms,
		clock:    clock,
		clientID: clientID,
		logger:   withComponent(logger, "triplestore"),
		metrics:  opts.Metrics,
		scope:    scope,
	}

	if err := clock.AssignToStore(func() (Timestamp, bool, error) {
		return ts.FindMaxTimestamp(clientID)
	}); err != nil {
		return nil, fmt.Errorf("triplestore: seed clock: %w", err)
	}
	ts.logger.Debug().Str("client_id", clientID).Strs("stores", scope).Msg("triple store opened")
	return ts, nil
}

func validateScope(known, want []string) error {
	set := make(map[string]struct{}, len(known))
	for _, n := range known {
		set[n] = struct{}{}
	}
	for _, n := range want {
		if _, ok := set[n]; !ok {
			return &TripleStoreOptionsError{Msg: fmt.Sprintf("storage scope names unknown store %q", n)}
		}
	}
	return nil
}

func (ts *TripleStore) currentScope() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, len(ts.scope))
	copy(out, ts.scope)
	return out
}

// SetStorageScope changes which stores participate in subsequent
// transactions and reads by default.
func (ts *TripleStore) SetStorageScope(names []string) error {
	if err := validateScope(ts.ms.Names(), names); err != nil {
		return err
	}
	ts.mu.Lock()
	ts.scope = names
	ts.mu.Unlock()
	return nil
}

// BeforeInsert registers a hook run, in registration order, once per
// InsertTriples batch across every future transaction this store opens,
// before any per-fact validity or idempotency check runs.
func (ts *TripleStore) BeforeInsert(fn func(*Transaction, []TripleRow) error) {
	ts.mu.Lock()
	ts.beforeInsert = append(ts.beforeInsert, fn)
	ts.mu.Unlock()
}

// BeforeCommit registers a hook run, in registration order, immediately
// before every future transaction this store opens actually commits.
// Returning a *WriteRuleError (or any other error) aborts the commit and
// cancels the transaction.
func (ts *TripleStore) BeforeCommit(fn func(*Transaction) error) {
	ts.mu.Lock()
	ts.beforeCommit = append(ts.beforeCommit, fn)
	ts.mu.Unlock()
}

func (ts *TripleStore) scan(index string, args kv.ScanArgs) ([]kv.Pair, error) {
	timer := newScanTimer()
	pairs, err := ts.ms.Scan(ts.currentScope(), args)
	ts.metrics.observeScan(index, timer)
	if err != nil {
		ts.logger.Error().Err(err).Str("index", index).Msg("scan failed")
		return nil, err
	}
	ts.logger.Debug().Str("index", index).Int("rows", len(pairs)).Msg("scan")
	return pairs, nil
}

func decodeRows(pairs []kv.Pair) ([]TripleRow, error) {
	out := make([]TripleRow, 0, len(pairs))
	for _, p := range pairs {
		row, err := decodeTripleRow(p.Key, p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// FindByEAV implements the read half of findByEAV.
func (ts *TripleStore) FindByEAV(e *string, a Attribute, v Value, dir Dir) ([]TripleRow, error) {
	args, err := ScanByEAV(e, a, v, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyEAV, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindByEntity implements findByEntity.
func (ts *TripleStore) FindByEntity(e string, dir Dir) ([]TripleRow, error) {
	args, err := ScanByEntity(e, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyEAV, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindByEntityAttribute implements findByEntityAttribute.
func (ts *TripleStore) FindByEntityAttribute(e string, a Attribute, dir Dir) ([]TripleRow, error) {
	args, err := ScanByEntityAttribute(e, a, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyEAV, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindByAVE implements the read half of findByAVE.
func (ts *TripleStore) FindByAVE(a Attribute, v Value, e *string, dir Dir) ([]TripleRow, error) {
	args, err := ScanByAVE(a, v, e, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyAVE, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindByAttribute implements findByAttribute.
func (ts *TripleStore) FindByAttribute(a Attribute, dir Dir) ([]TripleRow, error) {
	args, err := ScanByAttribute(a, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyAVE, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindByCollection implements findByCollection.
func (ts *TripleStore) FindByCollection(collection string, dir Dir) ([]TripleRow, error) {
	args, err := ScanByCollection(collection, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyAVE, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindValuesInRange implements findValuesInRange.
func (ts *TripleStore) FindValuesInRange(a Attribute, gt, lt *ValueCursor, dir Dir) ([]TripleRow, error) {
	args, err := ScanValuesInRange(a, gt, lt, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyAVE, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindByClientTimestamp implements findByClientTimestamp.
func (ts *TripleStore) FindByClientTimestamp(client string, op TimestampOp, t *Timestamp, dir Dir) ([]TripleRow, error) {
	args, err := ScanByClientTimestamp(client, op, t, dir)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyClientTimestamp, args)
	if err != nil {
		return nil, err
	}
	return decodeRows(pairs)
}

// FindMaxTimestamp implements findMaxTimestamp: the most recent Timestamp
// a client has written, or ok=false if the client has written nothing.
func (ts *TripleStore) FindMaxTimestamp(client string) (Timestamp, bool, error) {
	args, err := ScanMaxTimestamp(client)
	if err != nil {
		return Timestamp{}, false, err
	}
	pairs, err := ts.scan(familyClientTimestamp, args)
	if err != nil {
		return Timestamp{}, false, err
	}
	if len(pairs) == 0 {
		return Timestamp{}, false, nil
	}
	row, err := decodeTripleRow(pairs[0].Key, pairs[0].Value)
	if err != nil {
		return Timestamp{}, false, err
	}
	return row.Timestamp, true, nil
}

// ReadMetadataTuples reads every metadata tuple for entityID, optionally
// restricted to an attribute subtree.
func (ts *TripleStore) ReadMetadataTuples(entityID string, attr Attribute) ([]MetadataTuple, error) {
	args, err := ScanMetadata(entityID, attr)
	if err != nil {
		return nil, err
	}
	pairs, err := ts.scan(familyMetadata, args)
	if err != nil {
		return nil, err
	}
	out := make([]MetadataTuple, 0, len(pairs))
	for _, p := range pairs {
		tup, err := decodeMetadataTuple(p.Key, p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, tup)
	}
	return out, nil
}

// Subscribe delivers every committed write batch intersecting the given
// scan (typically the result of one of the ScanBy* helpers in scan.go)
// decoded into inserted and removed TripleRows. A removed key (from
// DeleteTriples's hard deletes) carries no value in the write batch, so
// its Expired is fabricated as false; callers must not rely on it for
// the removed slice.
func (ts *TripleStore) Subscribe(args kv.ScanArgs, cb func(inserted, removed []TripleRow)) (kv.Unsubscribe, error) {
	if ts.metrics != nil {
		ts.metrics.SubscriptionsActive.Inc()
	}
	unsub, err := ts.ms.Subscribe(ts.currentScope(), args, func(wb kv.WriteBatch) {
		inserted := make([]TripleRow, 0, len(wb.Set))
		for _, p := range wb.Set {
			row, err := decodeTripleRow(p.Key, p.Value)
			if err != nil {
				continue
			}
			inserted = append(inserted, row)
		}
		removed := make([]TripleRow, 0, len(wb.Remove))
		for _, k := range wb.Remove {
			row, err := decodeTripleRowKeyOnly(k)
			if err != nil {
				continue
			}
			row.Expired = false
			removed = append(removed, row)
		}
		if len(inserted) > 0 || len(removed) > 0 {
			cb(inserted, removed)
		}
	})
	if err != nil {
		if ts.metrics != nil {
			ts.metrics.SubscriptionsActive.Dec()
		}
		return nil, err
	}
	return func() {
		unsub()
		if ts.metrics != nil {
			ts.metrics.SubscriptionsActive.Dec()
		}
	}, nil
}

// Transact opens a transaction spanning this store's current storage
// scope, runs fn, and commits. If fn or any registered BeforeCommit hook
// returns an error, the transaction is cancelled and the error is
// returned as-is.
func (ts *TripleStore) Transact(fn func(*Transaction) error) error {
	ts.mu.RLock()
	scope := append([]string(nil), ts.scope...)
	beforeInsert := append([]func(*Transaction, []TripleRow) error(nil), ts.beforeInsert...)
	beforeCommit := append([]func(*Transaction) error(nil), ts.beforeCommit...)
	ts.mu.RUnlock()

	start := time.Now()
	err := ts.ms.Transact(scope, func(mtx *multistore.Tx) error {
		tx := &Transaction{
			tx:           mtx,
			store:        ts,
			cache:        &tsCache{},
			beforeInsert: beforeInsert,
			beforeCommit: beforeCommit,
		}
		if err := fn(tx); err != nil {
			return err
		}
		for _, h := range tx.hooks().beforeCommit {
			if err := h(tx); err != nil {
				return err
			}
		}
		return nil
	})
	ts.metrics.observeTransaction(start)
	if err != nil {
		ts.metrics.incTransactions("cancelled")
		ts.logger.Debug().Err(err).Msg("transaction cancelled")
		return err
	}
	ts.metrics.incTransactions("committed")
	return nil
}

// Clear drops every fact and metadata tuple in every store this
// TripleStore can see.
func (ts *TripleStore) Clear() error {
	return ts.ms.Clear()
}
