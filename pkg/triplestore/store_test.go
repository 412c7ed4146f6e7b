package triplestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvfact/triplestore/pkg/triplestore/kv"
)

func newTestStore(t *testing.T, clientID string) *TripleStore {
	t.Helper()
	backend, err := kv.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ts, err := New(Options{Storage: backend, ClientID: clientID, TenantID: "tenant1"})
	require.NoError(t, err)
	return ts
}

// insertNow is a test convenience wrapping InsertTriple's caller-supplied
// Timestamp with "whatever this transaction's clock assigns" for tests
// that don't care about an explicit foreign Timestamp.
func insertNow(tx *Transaction, e string, a Attribute, v Value) error {
	ts, err := tx.GetTransactionTimestamp()
	if err != nil {
		return err
	}
	return tx.InsertTriple(e, a, v, ts)
}

func TestInsertAndFindByEntity(t *testing.T) {
	ts := newTestStore(t, "c1")
	foreign := Timestamp{Counter: 1, ClientID: "origin"}
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.InsertTriples([]Fact{
			{EntityID: "users/1", Attribute: Attribute{"users", "name"}, Value: "ada", Timestamp: foreign},
			{EntityID: "users/1", Attribute: Attribute{"users", "age"}, Value: float64(30), Timestamp: foreign},
			{EntityID: "users/2", Attribute: Attribute{"users", "name"}, Value: "bob", Timestamp: foreign},
		})
	}))

	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestInsertTriplesWritesEachFactAtItsOwnTimestamp(t *testing.T) {
	ts := newTestStore(t, "c1")
	t1 := Timestamp{Counter: 1, ClientID: "origin"}
	t2 := Timestamp{Counter: 2, ClientID: "origin"}
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.InsertTriples([]Fact{
			{EntityID: "users/1", Attribute: Attribute{"users", "name"}, Value: "ada", Timestamp: t1},
			{EntityID: "users/1", Attribute: Attribute{"users", "age"}, Value: float64(30), Timestamp: t2},
		})
	}))

	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.Attribute.Equal(Attribute{"users", "name"}) {
			assert.Equal(t, t1, r.Timestamp)
		} else {
			assert.Equal(t, t2, r.Timestamp)
		}
	}
}

func TestSetValuesInOneTransactionShareOneTimestamp(t *testing.T) {
	ts := newTestStore(t, "c1")
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.SetValues([]Fact{
			{EntityID: "users/1", Attribute: Attribute{"users", "name"}, Value: "ada"},
			{EntityID: "users/1", Attribute: Attribute{"users", "age"}, Value: float64(30)},
		})
	}))

	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].Timestamp, rows[1].Timestamp)
}

func TestInsertTripleRejectsUndefinedValue(t *testing.T) {
	ts := newTestStore(t, "c1")
	err := ts.Transact(func(tx *Transaction) error {
		txTS, err := tx.GetTransactionTimestamp()
		if err != nil {
			return err
		}
		return tx.InsertTriple("users/1", Attribute{"users", "name"}, nil, txTS)
	})
	require.Error(t, err)
	assert.IsType(t, &InvalidTripleStoreValueError{}, err)
}

func TestInsertTripleIsIdempotentForSameValue(t *testing.T) {
	ts := newTestStore(t, "c1")
	fixed := Timestamp{Counter: 1, ClientID: "origin"}
	for i := 0; i < 2; i++ {
		require.NoError(t, ts.Transact(func(tx *Transaction) error {
			return tx.InsertTriple("users/1", Attribute{"users", "name"}, "ada", fixed)
		}))
	}
	rows, err := ts.FindByEntityAttribute("users/1", Attribute{"users", "name"}, Asc)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInsertTriplesInvokesBeforeInsertHookOnceWithWholeBatch(t *testing.T) {
	ts := newTestStore(t, "c1")
	var batches [][]TripleRow
	ts.BeforeInsert(func(tx *Transaction, rows []TripleRow) error {
		batches = append(batches, rows)
		return nil
	})

	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		txTS, err := tx.GetTransactionTimestamp()
		if err != nil {
			return err
		}
		return tx.InsertTriples([]Fact{
			{EntityID: "users/1", Attribute: Attribute{"users", "name"}, Value: "ada", Timestamp: txTS},
			{EntityID: "users/1", Attribute: Attribute{"users", "age"}, Value: float64(30), Timestamp: txTS},
		})
	}))

	require.Len(t, batches, 1, "the hook should run once per batch, not once per fact")
	assert.Len(t, batches[0], 2)
}

func TestSetValueOverwritesAndPreservesHistory(t *testing.T) {
	ts := newTestStore(t, "c1")
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.SetValue("users/1", Attribute{"users", "name"}, "ada")
	}))
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.SetValue("users/1", Attribute{"users", "name"}, "ada lovelace")
	}))

	rows, err := ts.FindByEntityAttribute("users/1", Attribute{"users", "name"}, Asc)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var latest TripleRow
	for _, r := range rows {
		if !latest.Timestamp.IsZero() && r.Timestamp.Compare(latest.Timestamp) <= 0 {
			continue
		}
		latest = r
	}
	assert.Equal(t, "ada lovelace", latest.Value)
}

func TestSetValueDropsOlderThanCurrent(t *testing.T) {
	ts := newTestStore(t, "c1")
	old := Timestamp{Counter: 100, ClientID: "other-client"}
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		row := TripleRow{EntityID: "users/1", Attribute: Attribute{"users", "name"}, Value: "future value", Timestamp: old}
		return tx.writeRow(row)
	}))

	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.SetValue("users/1", Attribute{"users", "name"}, "stale value")
	}))

	rows, err := ts.FindByEntityAttribute("users/1", Attribute{"users", "name"}, Asc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "future value", rows[0].Value)
}

func TestExpireEntityAttributesHardDeletesThenWritesNullTombstone(t *testing.T) {
	ts := newTestStore(t, "c1")
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		txTS, err := tx.GetTransactionTimestamp()
		if err != nil {
			return err
		}
		return tx.InsertTriple("users/1", Attribute{"users", "name"}, "ada", txTS)
	}))
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.ExpireEntityAttributes([]EntityAttribute{
			{EntityID: "users/1", Attribute: Attribute{"users", "name"}},
		})
	}))

	rows, err := ts.FindByEntityAttribute("users/1", Attribute{"users", "name"}, Asc)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the prior value row should have been hard-deleted, leaving only the tombstone")
	assert.True(t, rows[0].Expired)
	assert.Equal(t, Null{}, rows[0].Value)
}

func TestExpireEntityPreservesCollectionTombstoneAndDeletesTheRest(t *testing.T) {
	ts := newTestStore(t, "c1")
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		txTS, err := tx.GetTransactionTimestamp()
		if err != nil {
			return err
		}
		return tx.InsertTriples([]Fact{
			{EntityID: "users/1", Attribute: Attribute{"_collection"}, Value: "users", Timestamp: txTS},
			{EntityID: "users/1", Attribute: Attribute{"users", "name"}, Value: "ada", Timestamp: txTS},
			{EntityID: "users/1", Attribute: Attribute{"users", "age"}, Value: float64(30), Timestamp: txTS},
		})
	}))

	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.ExpireEntity("users/1")
	}))

	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	require.Len(t, rows, 1, "every users.* row should be gone, leaving only the _collection tombstone")
	assert.True(t, rows[0].Attribute.Equal(Attribute{"_collection"}))
	assert.True(t, rows[0].Expired)
	assert.Equal(t, "users", rows[0].Value)
}

func TestDeleteTriplesHardDeletesFromAllIndexes(t *testing.T) {
	ts := newTestStore(t, "c1")
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return insertNow(tx, "users/1", Attribute{"users", "name"}, "ada")
	}))
	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.DeleteTriples(rows)
	}))

	rows, err = ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	assert.Empty(t, rows)

	aveRows, err := ts.FindByAttribute(Attribute{"users", "name"}, Asc)
	require.NoError(t, err)
	assert.Empty(t, aveRows)
}

func TestBeforeInsertHookCanVetoWithWriteRuleError(t *testing.T) {
	ts := newTestStore(t, "c1")
	ts.BeforeInsert(func(tx *Transaction, rows []TripleRow) error {
		for _, row := range rows {
			if row.Attribute.Equal(Attribute{"users", "name"}) && row.Value == "" {
				return NewWriteRuleError("name must not be empty")
			}
		}
		return nil
	})

	err := ts.Transact(func(tx *Transaction) error {
		return insertNow(tx, "users/1", Attribute{"users", "name"}, "")
	})
	require.Error(t, err)
	assert.IsType(t, &WriteRuleError{}, err)

	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	assert.Empty(t, rows, "the veto should have cancelled the whole transaction")
}

func TestBeforeCommitHookCanCancelTransaction(t *testing.T) {
	ts := newTestStore(t, "c1")
	ts.BeforeCommit(func(tx *Transaction) error {
		return NewWriteRuleError("commit blocked")
	})

	err := ts.Transact(func(tx *Transaction) error {
		return insertNow(tx, "users/1", Attribute{"users", "name"}, "ada")
	})
	require.Error(t, err)

	rows, err := ts.FindByEntity("users/1", Asc)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClockSeedsFromPriorHistoryAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	backend, err := kv.Open(path)
	require.NoError(t, err)

	ts1, err := New(Options{Storage: backend, ClientID: "c1", TenantID: "tenant1"})
	require.NoError(t, err)
	require.NoError(t, ts1.Transact(func(tx *Transaction) error {
		return insertNow(tx, "users/1", Attribute{"users", "name"}, "ada")
	}))
	max1, ok, err := ts1.FindMaxTimestamp("c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, backend.Close())

	backend2, err := kv.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend2.Close() })
	ts2, err := New(Options{Storage: backend2, ClientID: "c1", TenantID: "tenant1"})
	require.NoError(t, err)

	require.NoError(t, ts2.Transact(func(tx *Transaction) error {
		return insertNow(tx, "users/1", Attribute{"users", "age"}, float64(30))
	}))
	max2, ok, err := ts2.FindMaxTimestamp("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, max2.Compare(max1) > 0, "expected the restarted store's clock to continue past prior history")
}

func TestMetadataIsNotVersioned(t *testing.T) {
	ts := newTestStore(t, "c1")
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.SetMetadata("users/1", Attribute{"schema", "version"}, float64(1))
	}))
	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return tx.SetMetadata("users/1", Attribute{"schema", "version"}, float64(2))
	}))

	tuples, err := ts.ReadMetadataTuples("users/1", Attribute{"schema", "version"})
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, float64(2), tuples[0].Value)
}

func TestSubscribeDeliversInsertedRows(t *testing.T) {
	ts := newTestStore(t, "c1")
	args, err := ScanByCollection("users", Asc)
	require.NoError(t, err)

	seen := make(chan []TripleRow, 1)
	unsub, err := ts.Subscribe(args, func(inserted, removed []TripleRow) {
		seen <- inserted
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ts.Transact(func(tx *Transaction) error {
		return insertNow(tx, "users/1", Attribute{"users", "name"}, "ada")
	}))

	select {
	case inserted := <-seen:
		require.Len(t, inserted, 1)
		assert.Equal(t, "ada", inserted[0].Value)
	default:
		t.Fatal("expected a subscription notification")
	}
}

func TestOptionsRejectBothStorageAndStores(t *testing.T) {
	backend, err := kv.Open(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	defer backend.Close()

	_, err = New(Options{Storage: backend, Stores: map[string]kv.Backend{"a": backend}})
	require.Error(t, err)
	assert.IsType(t, &TripleStoreOptionsError{}, err)
}

func TestOptionsRejectNeitherStorageNorStores(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.IsType(t, &TripleStoreOptionsError{}, err)
}
