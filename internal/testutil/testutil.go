// Package testutil provides common test fakes and helpers for LimePipe tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/botmesh/limepipe/internal/lime"
)

// CommandResponse scripts the fake sender's answer for one URI+method pair.
type CommandResponse struct {
	Status   lime.CommandStatus
	Resource []byte
	Reason   *lime.Reason
}

// FakeCommandSender is an in-memory stand-in for the remote context
// protocol. By default it behaves like the real server: get returns the
// stored resource or a RESOURCE_NOT_FOUND failure, set stores the
// resource and succeeds. Scripted responses override that behavior per
// method and URI. Every request is recorded for assertions.
type FakeCommandSender struct {
	mu        sync.Mutex
	vars      map[string][]byte
	responses map[string]CommandResponse
	requests  []*lime.Command
}

// NewFakeCommandSender creates a fake command transport with no stored
// variables.
func NewFakeCommandSender() *FakeCommandSender {
	return &FakeCommandSender{
		vars:      make(map[string][]byte),
		responses: make(map[string]CommandResponse),
	}
}

// Script overrides the response for a method and URI.
func (f *FakeCommandSender) Script(method lime.CommandMethod, uri string, resp CommandResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[string(method)+" "+uri] = resp
}

// ProcessCommand implements the history.CommandSender contract.
func (f *FakeCommandSender) ProcessCommand(ctx context.Context, cmd *lime.Command) (*lime.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, cmd)

	if resp, ok := f.responses[string(cmd.Method)+" "+cmd.URI]; ok {
		return &lime.Command{
			ID:       cmd.ID,
			Method:   cmd.Method,
			Status:   resp.Status,
			Resource: resp.Resource,
			Reason:   resp.Reason,
		}, nil
	}

	switch cmd.Method {
	case lime.CommandMethodGet:
		resource, ok := f.vars[cmd.URI]
		if !ok {
			return &lime.Command{
				ID:     cmd.ID,
				Method: cmd.Method,
				Status: lime.CommandStatusFailure,
				Reason: &lime.Reason{Code: lime.ReasonCommandResourceNotFound, Description: "The command resource was not found"},
			}, nil
		}
		return &lime.Command{ID: cmd.ID, Method: cmd.Method, Status: lime.CommandStatusSuccess, Resource: resource}, nil
	case lime.CommandMethodSet:
		stored := make([]byte, len(cmd.Resource))
		copy(stored, cmd.Resource)
		f.vars[cmd.URI] = stored
		return &lime.Command{ID: cmd.ID, Method: cmd.Method, Status: lime.CommandStatusSuccess}, nil
	case lime.CommandMethodDelete:
		delete(f.vars, cmd.URI)
		return &lime.Command{ID: cmd.ID, Method: cmd.Method, Status: lime.CommandStatusSuccess}, nil
	default:
		return &lime.Command{ID: cmd.ID, Method: cmd.Method, Status: lime.CommandStatusSuccess}, nil
	}
}

// Requests returns a copy of the recorded requests.
func (f *FakeCommandSender) Requests() []*lime.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*lime.Command, len(f.requests))
	copy(out, f.requests)
	return out
}

// SentMessage records one outbound text message.
type SentMessage struct {
	To   string
	Body string
}

// RecordingSender implements the dispatch sender contract and records
// every outbound message.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error // returned from SendMessage when set
}

// SendMessage records the message, or fails with the configured error.
func (s *RecordingSender) SendMessage(ctx context.Context, to string, body string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded outbound messages.
func (s *RecordingSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// AssertSentCount fails the test unless exactly want messages were sent.
func (s *RecordingSender) AssertSentCount(t *testing.T, want int) {
	t.Helper()
	if got := len(s.Sent()); got != want {
		t.Fatalf("expected %d sent messages, got %d", want, got)
	}
}
