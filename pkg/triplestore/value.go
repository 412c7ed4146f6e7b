// Package triplestore implements a transactional, append-oriented fact
// store. Every fact is an (entity, attribute, value, timestamp, expired)
// tuple, redundantly indexed under several key orderings so that a
// handful of cheap range scans can realize the access patterns a
// synchronizing document database needs. kv and multistore are the
// storage layers this package wires together; clock, index.go, and
// scan.go live in this package itself to avoid an import cycle on
// Timestamp.
package triplestore

import "fmt"

// Null is the explicit JSON-null value, distinct from a bare Go nil,
// which InsertTriple rejects as undefined.
type Null struct{}

func (Null) String() string { return "null" }

// Value is the closed set of scalar types a fact may carry: Null, bool,
// float64, or string. A bare Go nil is not a valid Value — it represents
// "undefined" and is rejected at write time.
type Value = any

// IsWellFormedValue reports whether v belongs to the closed Value domain.
// A bare nil (undefined) is rejected.
func IsWellFormedValue(v Value) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case Null, bool, float64, string:
		return true
	default:
		return false
	}
}

// Attribute is an ordered path of string-or-number components. By
// convention the first component names the collection the entity
// belongs to (see ScanByCollection in scan.go).
type Attribute []any

// Equal reports whether two attribute paths are identical component-wise.
func (a Attribute) Equal(b Attribute) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a Attribute) String() string {
	return fmt.Sprintf("%v", []any(a))
}

// Timestamp is a hybrid logical clock value: a per-client monotone
// counter paired with the id of the client that produced it. Timestamps
// are totally ordered first by Counter, then by ClientID.
type Timestamp struct {
	Counter  uint64
	ClientID string
}

// Compare returns -1, 0, or 1 according to the timestamp total order.
func (t Timestamp) Compare(o Timestamp) int {
	if t.Counter != o.Counter {
		if t.Counter < o.Counter {
			return -1
		}
		return 1
	}
	if t.ClientID == o.ClientID {
		return 0
	}
	if t.ClientID < o.ClientID {
		return -1
	}
	return 1
}

// Less reports whether t sorts strictly before o.
func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

// IsZero reports whether t is the zero Timestamp (never assigned).
func (t Timestamp) IsZero() bool { return t.Counter == 0 && t.ClientID == "" }

func (t Timestamp) String() string { return fmt.Sprintf("(%d,%s)", t.Counter, t.ClientID) }

// TripleRow is the atomic unit of state: a versioned fact.
type TripleRow struct {
	EntityID  string
	Attribute Attribute
	Value     Value
	Timestamp Timestamp
	Expired   bool
}

// MetadataTuple is an (entity, attribute, value) triple whose value may be
// any JSON-serializable payload and which is not versioned by timestamp.
type MetadataTuple struct {
	EntityID  string
	Attribute Attribute
	Value     any
}
