package triplestore

import "fmt"

// IndexNotFoundError is raised when a scan result's key carries an index
// family tag the codec does not recognize. It indicates corruption or a
// programmer error (a hand-built key bypassing the codec), never user
// input.
type IndexNotFoundError struct {
	Tag string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("triplestore: unknown index family %q", e.Tag)
}

// InvalidTimestampIndexScanError is raised by findByClientTimestamp when
// given an operator other than lt, lte, gt, gte, eq.
type InvalidTimestampIndexScanError struct {
	Op string
}

func (e *InvalidTimestampIndexScanError) Error() string {
	return fmt.Sprintf("triplestore: invalid timestamp index scan operator %q", e.Op)
}

// InvalidTripleStoreValueError is raised when a fact's Value is not a
// member of the closed Value domain (Null, bool, float64, string) — most
// commonly a bare Go nil, the "undefined" sentinel.
type InvalidTripleStoreValueError struct {
	Value any
}

func (e *InvalidTripleStoreValueError) Error() string {
	return fmt.Sprintf("triplestore: invalid value %#v (undefined values are rejected)", e.Value)
}

// TripleStoreOptionsError is raised by New when the construction Options
// are self-contradictory.
type TripleStoreOptionsError struct {
	Msg string
}

func (e *TripleStoreOptionsError) Error() string {
	return fmt.Sprintf("triplestore: invalid options: %s", e.Msg)
}

// WriteRuleError is the distinguished error a transaction callback or
// before-insert/before-commit hook raises to veto the enclosing
// transaction. TripleStore.Transact cancels the transaction and returns
// the error unchanged, as it does for any other error.
type WriteRuleError struct {
	Msg string
}

func (e *WriteRuleError) Error() string {
	return fmt.Sprintf("triplestore: write rule violated: %s", e.Msg)
}

// NewWriteRuleError constructs a WriteRuleError, the error type user code
// returns to signal that a write rule rejected the transaction.
func NewWriteRuleError(format string, args ...any) error {
	return &WriteRuleError{Msg: fmt.Sprintf(format, args...)}
}

// InternalInvariantError indicates the store observed a state its own
// invariants forbid (for example, two EAV rows sharing one key). It is
// never expected in a correctly functioning store and is not meant to be
// handled, only surfaced.
type InternalInvariantError struct {
	Msg string
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("triplestore: internal invariant violated: %s", e.Msg)
}
