package multistore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvfact/triplestore/pkg/triplestore/kv"
)

func newTestStores(t *testing.T, names ...string) map[string]kv.Backend {
	t.Helper()
	out := make(map[string]kv.Backend, len(names))
	for _, n := range names {
		b, err := kv.Open(filepath.Join(t.TempDir(), n+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		out[n] = b
	}
	return out
}

func TestTransactSpansStoresAtomically(t *testing.T) {
	ms := New(newTestStores(t, "primary", "outbox"), "tenant1")

	err := ms.Transact(nil, func(tx *Tx) error {
		if err := tx.Set("primary", []byte("k"), []byte("v")); err != nil {
			return err
		}
		return tx.Set("outbox", []byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	res, err := ms.Scan([]string{"primary"}, kv.ScanArgs{})
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = ms.Scan([]string{"outbox"}, kv.ScanArgs{})
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestTransactCancelsAllOnError(t *testing.T) {
	ms := New(newTestStores(t, "primary", "outbox"), "tenant1")

	err := ms.Transact(nil, func(tx *Tx) error {
		_ = tx.Set("primary", []byte("k"), []byte("v"))
		return assert.AnError
	})
	require.Error(t, err)

	res, err := ms.Scan(nil, kv.ScanArgs{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestWithScopeRestrictsStores(t *testing.T) {
	ms := New(newTestStores(t, "primary", "outbox"), "tenant1")

	err := ms.Transact(nil, func(tx *Tx) error {
		scoped, err := tx.WithScope([]string{"primary"})
		require.NoError(t, err)
		if err := scoped.Set("primary", []byte("k"), []byte("v")); err != nil {
			return err
		}
		_, err = scoped.Scan([]string{"outbox"}, kv.ScanArgs{})
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestScanMergesAcrossStoresInOrder(t *testing.T) {
	ms := New(newTestStores(t, "a", "b"), "tenant1")
	require.NoError(t, ms.Transact([]string{"a"}, func(tx *Tx) error {
		_ = tx.Set("a", []byte("1"), []byte("x"))
		return tx.Set("a", []byte("3"), []byte("x"))
	}))
	require.NoError(t, ms.Transact([]string{"b"}, func(tx *Tx) error {
		return tx.Set("b", []byte("2"), []byte("x"))
	}))

	res, err := ms.Scan(nil, kv.ScanArgs{})
	require.NoError(t, err)
	got := make([]string, len(res))
	for i, p := range res {
		got[i] = string(p.Key)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestTenantsAreDisjoint(t *testing.T) {
	stores := newTestStores(t, "primary")
	a := New(stores, "tenantA")
	b := New(stores, "tenantB")

	require.NoError(t, a.Transact(nil, func(tx *Tx) error {
		return tx.Set("primary", []byte("k"), []byte("a"))
	}))

	res, err := b.Scan(nil, kv.ScanArgs{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSubscribeFansOutAcrossStores(t *testing.T) {
	ms := New(newTestStores(t, "a", "b"), "tenant1")
	seen := make(chan kv.WriteBatch, 4)
	unsub, err := ms.Subscribe(nil, kv.ScanArgs{}, func(wb kv.WriteBatch) { seen <- wb })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ms.Transact([]string{"a"}, func(tx *Tx) error {
		return tx.Set("a", []byte("k"), []byte("v"))
	}))

	select {
	case wb := <-seen:
		require.Len(t, wb.Set, 1)
	default:
		t.Fatal("expected a write batch notification")
	}
}
