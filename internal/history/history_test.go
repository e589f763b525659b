package history

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/botmesh/limepipe/internal/lime"
	"github.com/botmesh/limepipe/internal/models"
	"github.com/botmesh/limepipe/internal/testutil"
)

const testSession = "user@msging.net"

func TestGet_NotFoundIsEmpty(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turns, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("expected not-found to yield empty history, got error: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected empty history, got %d turns", len(turns))
	}
}

func TestGet_OtherFailureIsError(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	sender.Script(lime.CommandMethodGet, "/contexts/user@msging.net/chat_history", testutil.CommandResponse{
		Status: lime.CommandStatusFailure,
		Reason: &lime.Reason{Code: 13, Description: "internal error"},
	})
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = store.Get(context.Background())
	if err == nil {
		t.Fatal("expected error for non-not-found failure, got nil")
	}
	if !strings.Contains(err.Error(), "chat_history") || !strings.Contains(err.Error(), testSession) {
		t.Errorf("error should name the variable and session, got %q", err)
	}
}

func TestAppendGet_RoundTrip(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	t1 := models.Turn{Role: models.RoleUser, Content: "hi"}
	t2 := models.Turn{Role: models.RoleAssistant, Content: "hello"}
	if err := store.Append(ctx, t1); err != nil {
		t.Fatalf("append t1 failed: %v", err)
	}
	if err := store.Append(ctx, t2); err != nil {
		t.Fatalf("append t2 failed: %v", err)
	}

	turns, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 2 || turns[0] != t1 || turns[1] != t2 {
		t.Errorf("expected [t1 t2], got %v", turns)
	}
}

func TestAppend_TargetsContextURI(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession, WithVariableName("memory"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Append(context.Background(), models.Turn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	requests := sender.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected get+set round trip, got %d requests", len(requests))
	}
	wantURI := "/contexts/user@msging.net/memory"
	for _, req := range requests {
		if req.URI != wantURI {
			t.Errorf("expected URI %q, got %q", wantURI, req.URI)
		}
	}
	if requests[1].Method != lime.CommandMethodSet {
		t.Errorf("expected write-back set, got %s", requests[1].Method)
	}
	if requests[1].Type != models.MIMETextPlain {
		t.Errorf("expected text/plain content type marker, got %q", requests[1].Type)
	}
}

func TestAppend_WriteFailureNamesVariable(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	sender.Script(lime.CommandMethodSet, "/contexts/user@msging.net/chat_history", testutil.CommandResponse{
		Status: lime.CommandStatusFailure,
		Reason: &lime.Reason{Code: 42, Description: "storage unavailable"},
	})
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = store.Append(context.Background(), models.Turn{Role: models.RoleUser, Content: "hi"})
	if err == nil {
		t.Fatal("expected write failure, got nil")
	}
	if !strings.Contains(err.Error(), "failed updating context variable chat_history") {
		t.Errorf("error should name the variable, got %q", err)
	}
}

func TestClear_WritesEmptyList(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if err := store.Append(ctx, models.Turn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	turns, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected empty history after clear, got %d turns", len(turns))
	}
}

func TestAppend_RejectsInvalidRole(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Append(context.Background(), models.Turn{Role: "robot", Content: "hi"}); err == nil {
		t.Error("expected invalid role error, got nil")
	}
	if len(sender.Requests()) != 0 {
		t.Error("invalid turn must not reach the transport")
	}
}

// gatedSender holds every write until the expected number of reads have
// completed, forcing concurrent appends to start from the same base list.
type gatedSender struct {
	inner    *testutil.FakeCommandSender
	getsDone *sync.WaitGroup

	mu   sync.Mutex
	gets int // reads still counted against the wait group
}

func (g *gatedSender) ProcessCommand(ctx context.Context, cmd *lime.Command) (*lime.Command, error) {
	if cmd.Method == lime.CommandMethodSet {
		g.getsDone.Wait()
	}
	resp, err := g.inner.ProcessCommand(ctx, cmd)
	if cmd.Method == lime.CommandMethodGet {
		g.mu.Lock()
		if g.gets > 0 {
			g.gets--
			g.getsDone.Done()
		}
		g.mu.Unlock()
	}
	return resp, err
}

func TestAppend_UnserializedWritesLoseUpdates(t *testing.T) {
	// The inherited read-modify-write design: two appends that read the
	// same base list overwrite each other, and only one turn survives.
	var getsDone sync.WaitGroup
	getsDone.Add(2)
	sender := &gatedSender{inner: testutil.NewFakeCommandSender(), getsDone: &getsDone, gets: 2}
	store, err := NewStore(sender, testSession, WithUnserializedWrites())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, content := range []string{"first", "second"} {
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			if err := store.Append(ctx, models.Turn{Role: models.RoleUser, Content: content}); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}(content)
	}
	wg.Wait()

	turns, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected the lost-update race to leave exactly one turn, got %d", len(turns))
	}
}

func TestAppend_SerializedWritesKeepBoth(t *testing.T) {
	// Default mode: writes for the key are serialized through the store,
	// so concurrent appends both survive.
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, content := range []string{"first", "second"} {
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			if err := store.Append(ctx, models.Turn{Role: models.RoleUser, Content: content}); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}(content)
	}
	wg.Wait()

	turns, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected both concurrent appends to survive, got %d turns", len(turns))
	}
}

func TestAppend_SerializedAcrossStoreInstances(t *testing.T) {
	// The per-key lock is shared by every store for the same
	// (session, variable) key, so wiring that builds a fresh store per
	// message still cannot lose turns.
	sender := testutil.NewFakeCommandSender()
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, content := range []string{"first", "second"} {
		store, err := NewStore(sender, testSession)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		wg.Add(1)
		go func(store *Store, content string) {
			defer wg.Done()
			if err := store.Append(ctx, models.Turn{Role: models.RoleUser, Content: content}); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}(store, content)
	}
	wg.Wait()

	check, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turns, err := check.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected both appends to survive across store instances, got %d turns", len(turns))
	}
}

func TestSyncStore_DelegatesToStore(t *testing.T) {
	sender := testutil.NewFakeCommandSender()
	store, err := NewStore(sender, testSession)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blocking := NewSyncStore(store)

	if err := blocking.Append(models.Turn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	turns, err := blocking.Get()
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "hi" {
		t.Errorf("expected one turn 'hi', got %v", turns)
	}
	if err := blocking.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	turns, err = blocking.Get()
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected empty history after clear, got %v", turns)
	}
}
