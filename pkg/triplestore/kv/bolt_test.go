package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T) *BoltBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func put(t *testing.T, b Backend, key, value string) {
	t.Helper()
	require.NoError(t, b.AutoTransact(func(tx Tx) error {
		return tx.Set([]byte(key), []byte(value))
	}))
}

func TestScanOrderingAscendingAndReverse(t *testing.T) {
	b := openTestBackend(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, b, k, k+"-v")
	}

	asc, err := b.Scan(ScanArgs{Prefix: nil})
	require.NoError(t, err)
	require.Len(t, asc, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, keysOf(asc))

	desc, err := b.Scan(ScanArgs{Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, keysOf(desc))
}

func TestScanPrefixAndBounds(t *testing.T) {
	b := openTestBackend(t)
	for _, k := range []string{"x/1", "x/2", "x/3", "y/1"} {
		put(t, b, k, "v")
	}

	res, err := b.Scan(ScanArgs{Prefix: []byte("x/")})
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2", "x/3"}, keysOf(res))

	res, err = b.Scan(ScanArgs{Prefix: []byte("x/"), Gt: []byte("x/1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"x/2", "x/3"}, keysOf(res))

	res, err = b.Scan(ScanArgs{Prefix: []byte("x/"), Lte: []byte("x/2")})
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2"}, keysOf(res))
}

func TestSubspaceIsolatesKeys(t *testing.T) {
	b := openTestBackend(t)
	a := b.Subspace([]byte("tenantA/"))
	bb := b.Subspace([]byte("tenantB/"))

	put(t, a, "k", "a-value")
	put(t, bb, "k", "b-value")

	resA, err := a.Scan(ScanArgs{})
	require.NoError(t, err)
	require.Len(t, resA, 1)
	assert.Equal(t, "a-value", string(resA[0].Value))

	resRoot, err := b.Scan(ScanArgs{})
	require.NoError(t, err)
	assert.Len(t, resRoot, 2)
}

func TestTransactionCancelDiscardsWrites(t *testing.T) {
	b := openTestBackend(t)
	err := b.AutoTransact(func(tx Tx) error {
		_ = tx.Set([]byte("k"), []byte("v"))
		return assert.AnError
	})
	require.Error(t, err)

	res, err := b.Scan(ScanArgs{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSubscribeDeliversAfterCommit(t *testing.T) {
	b := openTestBackend(t)
	var got WriteBatch
	done := make(chan struct{}, 1)
	unsub := b.Subscribe(ScanArgs{Prefix: []byte("watched/")}, func(wb WriteBatch) {
		got = wb
		done <- struct{}{}
	})
	defer unsub()

	put(t, b, "ignored/1", "v")
	put(t, b, "watched/1", "v")

	<-done
	require.Len(t, got.Set, 1)
	assert.Equal(t, "watched/1", string(got.Set[0].Key))
}

func keysOf(pairs []Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = string(p.Key)
	}
	return out
}
