package assertion

import (
	"errors"
	"sync"
)

// ErrReplayed is returned when a jti has already been redeemed.
var ErrReplayed = errors.New("jti already used")

// ReplayCache is the jti ledger. Redeem must be an atomic check-and-insert:
// for concurrent calls with the same namespace and jti, exactly one succeeds.
// The namespace lets callers scope the ledger, e.g. per test session.
type ReplayCache interface {
	Redeem(namespace, jti string) error
}

// MemoryReplayCache is an in-process ReplayCache. Entries are never
// forgotten: an assertion's exp is not enforced, so a jti that aged out of
// the ledger could be presented again.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{}
}

// NewMemoryReplayCache constructs an empty ledger.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{entries: make(map[string]map[string]struct{})}
}

// Redeem records jti in namespace, failing with ErrReplayed if it is
// already there.
func (c *MemoryReplayCache) Redeem(namespace, jti string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns, ok := c.entries[namespace]
	if !ok {
		ns = make(map[string]struct{})
		c.entries[namespace] = ns
	}
	if _, seen := ns[jti]; seen {
		return ErrReplayed
	}
	ns[jti] = struct{}{}
	return nil
}

// Len returns the number of entries in namespace.
func (c *MemoryReplayCache) Len(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[namespace])
}
