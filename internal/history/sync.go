package history

import (
	"context"
	"time"

	"github.com/botmesh/limepipe/internal/models"
)

// SyncStore is a thin synchronous façade over Store for boundary callers
// that do not carry a context. Each call runs the underlying operation
// to completion under an owned context; the bridging never happens
// inside the core store logic.
type SyncStore struct {
	store   *Store
	timeout time.Duration
}

// SyncOption defines a configuration option for a SyncStore.
type SyncOption func(*SyncStore)

// WithTimeout bounds each façade call. Without it a hung transport call
// blocks the caller indefinitely, same as the underlying store.
func WithTimeout(d time.Duration) SyncOption {
	return func(s *SyncStore) {
		s.timeout = d
	}
}

// NewSyncStore wraps a store in a synchronous façade.
func NewSyncStore(store *Store, opts ...SyncOption) *SyncStore {
	s := &SyncStore{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SyncStore) callContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(context.Background(), s.timeout)
	}
	return context.Background(), func() {}
}

// Get retrieves the ordered turn list, blocking until done.
func (s *SyncStore) Get() ([]models.Turn, error) {
	ctx, cancel := s.callContext()
	defer cancel()
	return s.store.Get(ctx)
}

// Append appends a turn, blocking until done.
func (s *SyncStore) Append(turn models.Turn) error {
	ctx, cancel := s.callContext()
	defer cancel()
	return s.store.Append(ctx, turn)
}

// Clear empties the history, blocking until done.
func (s *SyncStore) Clear() error {
	ctx, cancel := s.callContext()
	defer cancel()
	return s.store.Clear(ctx)
}
