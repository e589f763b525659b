// Package history persists per-conversation turn lists in BLiP context
// variables through the Lime command channel.
//
// A store is keyed by (session identity, variable name). Reads that find
// no variable yield an empty history; every write replaces the whole
// remote value, there is no partial-update wire format.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/botmesh/limepipe/internal/lime"
	"github.com/botmesh/limepipe/internal/models"
)

// DefaultVariableName is the context variable used when none is configured.
const DefaultVariableName = "chat_history"

// CommandSender issues a single Lime command round trip. Implemented by
// *lime.Client; faked in tests.
type CommandSender interface {
	ProcessCommand(ctx context.Context, cmd *lime.Command) (*lime.Command, error)
}

// Opts holds configuration options for a history store.
type Opts struct {
	VariableName string // context variable name, defaults to DefaultVariableName
	// UnserializedWrites disables the per-key write lock, restoring the
	// raw read-modify-write behavior where two concurrent appends can
	// lose one turn.
	UnserializedWrites bool
}

// Option defines a configuration option for a history store.
type Option func(*Opts)

// WithVariableName sets the context variable name.
func WithVariableName(name string) Option {
	return func(o *Opts) {
		o.VariableName = name
	}
}

// WithUnserializedWrites disables write serialization. Concurrent appends
// for the same key may then silently lose updates; callers opting in own
// that risk.
func WithUnserializedWrites() Option {
	return func(o *Opts) {
		o.UnserializedWrites = true
	}
}

// writeLocks serializes writes per (session, variable) key across every
// Store instance in the process. Stores are cheap to construct per
// message, so the lock must live with the key, not the instance.
var (
	writeLocksMu sync.Mutex
	writeLocks   = make(map[string]*sync.Mutex)
)

// writeLock returns the shared lock for a context variable path.
func writeLock(key string) *sync.Mutex {
	writeLocksMu.Lock()
	defer writeLocksMu.Unlock()
	l, ok := writeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		writeLocks[key] = l
	}
	return l
}

// Store reads and writes one conversation's history. Append and Clear
// are read-modify-write over the remote value; by default writes for a
// (session, variable) key are serialized through a process-wide per-key
// lock, so concurrent appends cannot lose turns even when each message
// handler builds its own store. Writers in other processes are not
// coordinated.
type Store struct {
	sender       CommandSender
	sessionID    string
	variableName string
	writeMu      *sync.Mutex // nil when write serialization is disabled
}

// NewStore creates a history store for the given conversation session.
func NewStore(sender CommandSender, sessionID string, opts ...Option) (*Store, error) {
	if sender == nil {
		return nil, fmt.Errorf("command sender is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	variableName := cfg.VariableName
	if variableName == "" {
		variableName = DefaultVariableName
	}
	s := &Store{
		sender:       sender,
		sessionID:    sessionID,
		variableName: variableName,
	}
	if !cfg.UnserializedWrites {
		s.writeMu = writeLock(s.uri())
	}
	return s, nil
}

// uri encodes the context variable target path.
func (s *Store) uri() string {
	return fmt.Sprintf("/contexts/%s/%s", s.sessionID, s.variableName)
}

// Get retrieves the ordered turn list. A missing variable is an empty
// history, not an error.
func (s *Store) Get(ctx context.Context) ([]models.Turn, error) {
	resp, err := s.sender.ProcessCommand(ctx, &lime.Command{
		Method: lime.CommandMethodGet,
		URI:    s.uri(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed requesting context variable %s for %s: %w", s.variableName, s.sessionID, err)
	}
	if resp.IsResourceNotFound() {
		slog.Debug("HistoryStore variable not found, returning empty history", "variable", s.variableName, "session", s.sessionID)
		return []models.Turn{}, nil
	}
	if resp.Status == lime.CommandStatusFailure {
		return nil, fmt.Errorf("failed requesting context variable %s for %s: %s", s.variableName, s.sessionID, reasonText(resp.Reason))
	}
	turns, err := decodeTurns(resp.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed decoding context variable %s for %s: %w", s.variableName, s.sessionID, err)
	}
	return turns, nil
}

// Append reads the current history, appends the turn in memory, and
// writes the whole list back.
func (s *Store) Append(ctx context.Context, turn models.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	turns, err := s.Get(ctx)
	if err != nil {
		return err
	}
	turns = append(turns, turn)
	return s.setContext(ctx, turns)
}

// Clear replaces the history with an empty list.
func (s *Store) Clear(ctx context.Context) error {
	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.setContext(ctx, []models.Turn{})
}

// setContext writes the full encoded turn list to the context variable.
func (s *Store) setContext(ctx context.Context, turns []models.Turn) error {
	encoded, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed encoding history for %s: %w", s.sessionID, err)
	}
	// The variable is stored as a single string blob.
	resource, err := json.Marshal(string(encoded))
	if err != nil {
		return fmt.Errorf("failed encoding history payload for %s: %w", s.sessionID, err)
	}
	resp, err := s.sender.ProcessCommand(ctx, &lime.Command{
		Method:   lime.CommandMethodSet,
		URI:      s.uri(),
		Type:     models.MIMETextPlain,
		Resource: resource,
	})
	if err != nil {
		return fmt.Errorf("failed updating context variable %s for %s: %w", s.variableName, s.sessionID, err)
	}
	if resp.Status == lime.CommandStatusFailure {
		return fmt.Errorf("failed updating context variable %s for %s: %s", s.variableName, s.sessionID, reasonText(resp.Reason))
	}
	slog.Debug("HistoryStore context updated", "variable", s.variableName, "session", s.sessionID, "turns", len(turns))
	return nil
}

// decodeTurns unpacks a context variable resource. The value is normally
// a JSON string holding the encoded array, but a bare array is accepted
// for variables written with a JSON media type.
func decodeTurns(resource json.RawMessage) ([]models.Turn, error) {
	if len(resource) == 0 {
		return []models.Turn{}, nil
	}
	payload := []byte(resource)
	if payload[0] == '"' {
		var blob string
		if err := json.Unmarshal(resource, &blob); err != nil {
			return nil, fmt.Errorf("failed to decode history blob: %w", err)
		}
		payload = []byte(blob)
	}
	var turns []models.Turn
	if err := json.Unmarshal(payload, &turns); err != nil {
		return nil, fmt.Errorf("failed to decode history turns: %w", err)
	}
	return turns, nil
}

func reasonText(r *lime.Reason) string {
	if r == nil {
		return "no reason given"
	}
	return fmt.Sprintf("%s (code %d)", r.Description, r.Code)
}
