package kv

import (
	"bytes"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// dataBucket holds every key this backend manages: a single flat
// byte-ordered space per bbolt database, rather than one bucket per
// resource type. The index family tag is itself the leading key
// component (see pkg/triplestore/index.go), so bbolt only needs to sort
// bytes.
var dataBucket = []byte("kv")

// BoltBackend implements Backend over a single go.etcd.io/bbolt database
// file.
type BoltBackend struct {
	db     *bolt.DB
	prefix []byte // composed Subspace prefix, nil at the root
	owns   bool   // only the root backend closes db and owns the broker
	broker *broadcaster
}

// Open creates or opens a bbolt-backed Backend at path.
func Open(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("triplestore/kv: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("triplestore/kv: create bucket: %w", err)
	}
	return &BoltBackend{db: db, owns: true, broker: newBroadcaster()}, nil
}

func (b *BoltBackend) abs(key []byte) []byte {
	if len(b.prefix) == 0 {
		return key
	}
	out := make([]byte, 0, len(b.prefix)+len(key))
	out = append(out, b.prefix...)
	return append(out, key...)
}

func (b *BoltBackend) absArgs(args ScanArgs) ScanArgs {
	out := args
	out.Prefix = b.abs(args.Prefix)
	if args.Gt != nil {
		out.Gt = b.abs(args.Gt)
	}
	if args.Gte != nil {
		out.Gte = b.abs(args.Gte)
	}
	if args.Lt != nil {
		out.Lt = b.abs(args.Lt)
	}
	if args.Lte != nil {
		out.Lte = b.abs(args.Lte)
	}
	return out
}

func (b *BoltBackend) rel(key []byte) ([]byte, bool) {
	if len(b.prefix) == 0 {
		return key, true
	}
	if !bytes.HasPrefix(key, b.prefix) {
		return nil, false
	}
	return key[len(b.prefix):], true
}

// Scan implements Backend.
func (b *BoltBackend) Scan(args ScanArgs) ([]Pair, error) {
	abs := b.absArgs(args)
	var out []Pair
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(dataBucket)
		c := bk.Cursor()
		walk(c, abs, func(k, v []byte) {
			rk, ok := b.rel(k)
			if !ok {
				return
			}
			key := append([]byte(nil), rk...)
			val := append([]byte(nil), v...)
			out = append(out, Pair{Key: key, Value: val})
		})
		return nil
	})
	return out, err
}

// walk drives c across args's range, calling visit(key, value) for every
// matching entry in ascending or descending order per args.Reverse. Keys
// are visited in strict key order, so once a key falls outside the
// range on the side the walk is moving toward, every later key will too
// and the walk can stop.
func walk(c *bolt.Cursor, args ScanArgs, visit func(k, v []byte)) {
	if !args.Reverse {
		lo, excl := args.lowerBound()
		var k, v []byte
		if lo != nil {
			k, v = c.Seek(lo)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if excl && bytes.Equal(k, lo) {
				continue
			}
			if len(args.Prefix) > 0 && !bytes.HasPrefix(k, args.Prefix) {
				if bytes.Compare(k, args.Prefix) > 0 {
					break
				}
				continue
			}
			if hi, incl := args.upperBound(); hi != nil {
				cmp := bytes.Compare(k, hi)
				if cmp > 0 || (!incl && cmp == 0) {
					break
				}
			}
			visit(k, v)
		}
		return
	}

	var k, v []byte
	if hi, incl := args.upperBound(); hi != nil {
		k, v = c.Seek(hi)
		if k == nil {
			k, v = c.Last()
		} else if cmp := bytes.Compare(k, hi); cmp > 0 || (!incl && cmp == 0) {
			k, v = c.Prev()
		}
	} else if len(args.Prefix) > 0 {
		k, v = seekPrefixEnd(c, args.Prefix)
	} else {
		k, v = c.Last()
	}
	for ; k != nil; k, v = c.Prev() {
		if len(args.Prefix) > 0 && !bytes.HasPrefix(k, args.Prefix) {
			if bytes.Compare(k, args.Prefix) < 0 {
				break
			}
			continue
		}
		if lo, excl := args.lowerBound(); lo != nil {
			cmp := bytes.Compare(k, lo)
			if cmp < 0 || (excl && cmp == 0) {
				break
			}
		}
		visit(k, v)
	}
}

// seekPrefixEnd finds the last key sharing prefix. It relies on every
// component the key codec emits starting with a tag byte <= tagMax
// (0x08, see ../keycodec.go): appending a single 0xFF byte after prefix
// therefore always sorts above any real key continuing that prefix.
func seekPrefixEnd(c *bolt.Cursor, prefix []byte) ([]byte, []byte) {
	upper := append(append([]byte(nil), prefix...), 0xFF)
	k, v := c.Seek(upper)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

type boltTx struct {
	backend *BoltBackend
	tx      *bolt.Tx
	batch   WriteBatch
	done    bool
}

// Begin implements Backend.
func (b *BoltBackend) Begin() (Tx, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("triplestore/kv: begin: %w", err)
	}
	return &boltTx{backend: b, tx: tx}, nil
}

func (t *boltTx) Scan(args ScanArgs) ([]Pair, error) {
	abs := t.backend.absArgs(args)
	bk := t.tx.Bucket(dataBucket)
	var out []Pair
	walk(bk.Cursor(), abs, func(k, v []byte) {
		rk, ok := t.backend.rel(k)
		if !ok {
			return
		}
		out = append(out, Pair{Key: append([]byte(nil), rk...), Value: append([]byte(nil), v...)})
	})
	return out, nil
}

func (t *boltTx) Set(key, value []byte) error {
	bk := t.tx.Bucket(dataBucket)
	abs := t.backend.abs(key)
	if err := bk.Put(abs, value); err != nil {
		return err
	}
	t.batch.Set = append(t.batch.Set, Pair{Key: append([]byte(nil), abs...), Value: append([]byte(nil), value...)})
	return nil
}

func (t *boltTx) Remove(key []byte) error {
	bk := t.tx.Bucket(dataBucket)
	abs := t.backend.abs(key)
	if err := bk.Delete(abs); err != nil {
		return err
	}
	t.batch.Remove = append(t.batch.Remove, append([]byte(nil), abs...))
	return nil
}

func (t *boltTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return err
	}
	if len(t.batch.Set) > 0 || len(t.batch.Remove) > 0 {
		t.backend.broker.publish(t.batch)
	}
	return nil
}

func (t *boltTx) Cancel() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// AutoTransact implements Backend. bbolt serializes writers itself, so
// there is no write-conflict case to retry on a single database; this
// still follows the open/run/commit-or-cancel shape the External
// Interfaces contract requires.
func (b *BoltBackend) AutoTransact(fn func(Tx) error) error {
	tx, err := b.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Cancel()
		return err
	}
	return tx.Commit()
}

// Subscribe implements Backend.
func (b *BoltBackend) Subscribe(args ScanArgs, cb func(WriteBatch)) Unsubscribe {
	abs := b.absArgs(args)
	return b.broker.subscribe(abs, func(batch WriteBatch) {
		var rel WriteBatch
		for _, p := range batch.Set {
			if rk, ok := b.rel(p.Key); ok {
				rel.Set = append(rel.Set, Pair{Key: rk, Value: p.Value})
			}
		}
		for _, k := range batch.Remove {
			if rk, ok := b.rel(k); ok {
				rel.Remove = append(rel.Remove, rk)
			}
		}
		if len(rel.Set) > 0 || len(rel.Remove) > 0 {
			cb(rel)
		}
	})
}

// Subspace implements Backend.
func (b *BoltBackend) Subspace(prefix []byte) Backend {
	return &BoltBackend{
		db:     b.db,
		prefix: b.abs(prefix),
		owns:   false,
		broker: b.broker,
	}
}

// Clear implements Backend: it removes every key under this backend's
// (sub)space.
func (b *BoltBackend) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(dataBucket)
		c := bk.Cursor()
		var toDelete [][]byte
		if len(b.prefix) == 0 {
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		} else {
			for k, _ := c.Seek(b.prefix); k != nil && bytes.HasPrefix(k, b.prefix); k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Backend. Subspaces are views and do not close the
// shared database.
func (b *BoltBackend) Close() error {
	if !b.owns {
		return nil
	}
	return b.db.Close()
}

// broadcaster fans out committed write batches to range-scoped
// subscribers, each identified by an int handle in a mutex-guarded map.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	args ScanArgs
	cb   func(WriteBatch)
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscription)}
}

func (br *broadcaster) subscribe(args ScanArgs, cb func(WriteBatch)) Unsubscribe {
	br.mu.Lock()
	id := br.next
	br.next++
	br.subs[id] = &subscription{args: args, cb: cb}
	br.mu.Unlock()
	return func() {
		br.mu.Lock()
		delete(br.subs, id)
		br.mu.Unlock()
	}
}

func (br *broadcaster) publish(batch WriteBatch) {
	br.mu.Lock()
	subs := make([]*subscription, 0, len(br.subs))
	for _, s := range br.subs {
		subs = append(subs, s)
	}
	br.mu.Unlock()

	for _, s := range subs {
		var matched WriteBatch
		for _, p := range batch.Set {
			if InRange(s.args, p.Key) {
				matched.Set = append(matched.Set, p)
			}
		}
		for _, k := range batch.Remove {
			if InRange(s.args, k) {
				matched.Remove = append(matched.Remove, k)
			}
		}
		if len(matched.Set) > 0 || len(matched.Remove) > 0 {
			s.cb(matched)
		}
	}
}
