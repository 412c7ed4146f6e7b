package triplestore

import "sync"

// Clock hands out Timestamps for a single client. Every TripleStore owns
// exactly one Clock instance, scoped to its own ClientID.
type Clock interface {
	// GetNextTimestamp returns a Timestamp strictly greater than every
	// Timestamp this Clock has previously returned.
	GetNextTimestamp() (Timestamp, error)

	// AssignToStore seeds the clock's counter from a store that may
	// already hold facts this client wrote in a previous process
	// lifetime, so recovery never reuses a counter value.
	AssignToStore(findMax func() (Timestamp, bool, error)) error
}

// Monotonic is a Clock backed by an in-process mutex-guarded counter: a
// single mutex protecting a single piece of mutable state, a constructor
// taking the owning identity, and a narrow public surface.
type Monotonic struct {
	mu       sync.Mutex
	clientID string
	counter  uint64
}

// NewMonotonic constructs a Monotonic clock for clientID, starting at
// counter 0 until AssignToStore seeds it from prior history.
func NewMonotonic(clientID string) *Monotonic {
	return &Monotonic{clientID: clientID}
}

func (c *Monotonic) GetNextTimestamp() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return Timestamp{Counter: c.counter, ClientID: c.clientID}, nil
}

// AssignToStore looks up the highest Timestamp this client previously
// wrote (via findMax, typically TripleStore.FindMaxTimestamp) and fast
// forwards the counter past it, so a restarted process never reissues a
// Timestamp it already used.
func (c *Monotonic) AssignToStore(findMax func() (Timestamp, bool, error)) error {
	max, ok, err := findMax()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if max.Counter > c.counter {
		c.counter = max.Counter
	}
	return nil
}
