// Package dedup provides the message deduplication guard that lets a
// pool of worker processes consume the same inbound stream without
// double-processing.
//
// A guard answers PENDING the first time a message identifier is seen
// and CONSUMED afterwards. Calling it is itself the mark step; there is
// no separate peek. Identifiers evicted by capacity pressure are treated
// as novel again, an accepted tradeoff for bounded storage.
package dedup

import (
	"fmt"
	"sync"
)

// Status is the answer of a check-and-mark call.
type Status string

const (
	// StatusPending means no worker has consumed the message yet; the
	// caller now owns it.
	StatusPending Status = "PENDING"
	// StatusConsumed means the message was already consumed by a worker.
	StatusConsumed Status = "CONSUMED"
)

// DefaultCapacity is the record bound used when none is configured.
const DefaultCapacity = 1000

// Guard tracks which message identifiers have been seen. Implementations
// differ in deployment topology: MemoryGuard coordinates goroutines
// within one process, the SQL-backed guards coordinate independently
// deployed worker processes through a shared store.
type Guard interface {
	// CheckAndMark records the identifier and reports whether it was
	// novel (PENDING) or already seen (CONSUMED). The check-then-insert
	// sequence is atomic with respect to other callers of the same
	// backing store.
	CheckAndMark(id string) (Status, error)
}

// Opts holds configuration options shared by the guard constructors.
type Opts struct {
	Capacity int    // maximum retained identifiers; oldest evicted first
	DSN      string // database DSN for the SQL-backed guards

	capacitySet bool // distinguishes an explicit capacity from the default
}

// Option defines a configuration option for a guard.
type Option func(*Opts)

// WithCapacity sets the maximum number of retained identifiers. The
// value must be positive; constructors reject anything else.
func WithCapacity(capacity int) Option {
	return func(o *Opts) {
		o.Capacity = capacity
		o.capacitySet = true
	}
}

// resolveCapacity applies the default when no capacity was configured and
// rejects non-positive explicit values.
func resolveCapacity(cfg Opts) (int, error) {
	if !cfg.capacitySet {
		return DefaultCapacity, nil
	}
	if cfg.Capacity <= 0 {
		return 0, fmt.Errorf("dedup capacity must be positive, got %d", cfg.Capacity)
	}
	return cfg.Capacity, nil
}

// WithDSN sets the database DSN for the SQL-backed guards.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// MemoryGuard is an in-process guard: a bounded FIFO of identifiers
// under a mutex. It coordinates goroutines sharing one instance only;
// separate worker processes need one of the shared-store guards.
type MemoryGuard struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

// Compile-time check that MemoryGuard implements Guard.
var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard creates an in-process guard retaining at most capacity
// identifiers. Capacity must be positive.
func NewMemoryGuard(capacity int) (*MemoryGuard, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("dedup capacity must be positive, got %d", capacity)
	}
	return &MemoryGuard{
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}, nil
}

// CheckAndMark implements Guard. It never fails.
func (g *MemoryGuard) CheckAndMark(id string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[id]; ok {
		return StatusConsumed, nil
	}

	if len(g.order) >= g.capacity {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}
	g.seen[id] = struct{}{}
	g.order = append(g.order, id)
	return StatusPending, nil
}

// Len returns the number of identifiers currently retained.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}
