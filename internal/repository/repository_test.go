package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/wsterm/internal/db"
	"github.com/remote-agent-terminal/wsterm/internal/model"
)

func newTestRepos(t *testing.T) (*SessionRepository, *SyncStateRepository) {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB), NewSyncStateRepository(testDB)
}

// TestSessionAuditLifecycle tests create, state updates, listing and deletion
func TestSessionAuditLifecycle(t *testing.T) {
	sessions, _ := newTestRepos(t)
	ctx := context.Background()

	now := time.Now()
	s := &model.Session{
		ID:            uuid.NewString(),
		Role:          model.RoleServer,
		WorkspaceRoot: "/srv/ws/app-1a2b3c4d@laptop",
		State:         model.StateAuthenticating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := sessions.Create(ctx, s, "127.0.0.1:5000"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := sessions.UpdateState(ctx, s.ID, model.StateActive, true); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	code := 3
	if err := sessions.UpdateTerminal(ctx, s.ID, model.TerminalClosed, model.ReasonExited, &code); err != nil {
		t.Fatalf("UpdateTerminal failed: %v", err)
	}

	got, err := sessions.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.State != model.StateActive || !got.Authenticated {
		t.Errorf("Expected active authenticated session, got %s/%v", got.State, got.Authenticated)
	}
	if got.Terminal != model.TerminalClosed || got.Reason != model.ReasonExited {
		t.Errorf("Expected closed/exited terminal, got %s/%s", got.Terminal, got.Reason)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %v", got.ExitCode)
	}
	if got.LastActivity.IsZero() {
		t.Error("Expected last activity to be set")
	}

	list, err := sessions.List(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("Expected one session, got %d (%v)", len(list), err)
	}

	if err := sessions.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := sessions.GetByID(ctx, s.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := sessions.UpdateState(ctx, s.ID, model.StateClosed, true); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on update, got %v", err)
	}
	exists, err := sessions.Exists(ctx, s.ID)
	if err != nil || exists {
		t.Errorf("Expected session to be gone, got %v (%v)", exists, err)
	}
}

// TestSyncStateNotFound tests that an unknown workspace has no state
func TestSyncStateNotFound(t *testing.T) {
	_, states := newTestRepos(t)
	if _, err := states.Get(context.Background(), "nobody"); !errors.Is(err, model.ErrSyncStateNotFound) {
		t.Errorf("Expected ErrSyncStateNotFound, got %v", err)
	}
}

// TestSyncStateLastWriteWinsProperty tests that Get returns the most recent Put
func TestSyncStateLastWriteWinsProperty(t *testing.T) {
	_, states := newTestRepos(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sync state round-trips the last put", prop.ForAll(
		func(workspace string, epochs []string, seqs []uint64) bool {
			n := len(epochs)
			if len(seqs) < n {
				n = len(seqs)
			}
			if n == 0 {
				return true
			}
			for i := 0; i < n; i++ {
				if err := states.Put(ctx, workspace, epochs[i], seqs[i]); err != nil {
					t.Logf("put failed: %v", err)
					return false
				}
			}
			got, err := states.Get(ctx, workspace)
			if err != nil {
				t.Logf("get failed: %v", err)
				return false
			}
			ok := got.Epoch == epochs[n-1] && got.LastApplied == seqs[n-1] && got.WorkspaceID == workspace
			states.Delete(ctx, workspace)
			return ok
		},
		gen.Identifier(),
		gen.SliceOfN(5, gen.Identifier()),
		gen.SliceOf(gen.UInt64Range(0, 1<<62)),
	))

	properties.TestingRun(t)
}
