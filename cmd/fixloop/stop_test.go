package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fixloop/fixloop/internal/storage/sqlite"
	"github.com/fixloop/fixloop/internal/types"
)

// swapStore points the command globals at a throwaway database.
func swapStore(t *testing.T) {
	t.Helper()
	testStore, err := sqlite.New(filepath.Join(t.TempDir(), "fixloop.db"))
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}

	originalStore := store
	store = testStore
	t.Cleanup(func() {
		store = originalStore
		testStore.Close()
	})
}

func seedSession(t *testing.T, status types.SessionStatus, deployMode types.DeployMode) *types.FixSession {
	t.Helper()
	cfg := types.DefaultSessionConfig()
	cfg.RepoPath = t.TempDir()
	cfg.DeployMode = deployMode
	session := &types.FixSession{
		ID:        uuid.New().String(),
		RepoPath:  cfg.RepoPath,
		Config:    cfg,
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return session
}

func TestStopCommand_NoActiveSession(t *testing.T) {
	swapStore(t)

	if err := requestStop(context.Background(), ""); err == nil {
		t.Error("requestStop should fail when nothing is running")
	}
}

func TestStopCommand_FlagsActiveSession(t *testing.T) {
	swapStore(t)
	ctx := context.Background()
	session := seedSession(t, types.SessionRunning, types.DeployPreview)

	if err := requestStop(ctx, ""); err != nil {
		t.Fatalf("requestStop failed: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.StopRequested {
		t.Error("expected stop flag set in storage")
	}
}

func TestStopCommand_TerminalSessionRejected(t *testing.T) {
	swapStore(t)
	session := seedSession(t, types.SessionCompleted, types.DeployPreview)

	if err := requestStop(context.Background(), session.ID); err == nil {
		t.Error("requestStop should reject a completed session")
	}
}

func TestStopCommand_AmbiguousWithoutID(t *testing.T) {
	swapStore(t)
	seedSession(t, types.SessionRunning, types.DeployPreview)
	seedSession(t, types.SessionPaused, types.DeployManual)

	if err := requestStop(context.Background(), ""); err == nil {
		t.Error("requestStop should demand a session ID when several are active")
	}
}

func TestAdvanceCommand_SetsURL(t *testing.T) {
	swapStore(t)
	ctx := context.Background()
	session := seedSession(t, types.SessionPaused, types.DeployManual)

	if err := advanceSession(ctx, "", "https://staging.example.com"); err != nil {
		t.Fatalf("advanceSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AdvanceURL != "https://staging.example.com" {
		t.Errorf("expected advance URL persisted, got %q", got.AdvanceURL)
	}
}

func TestAdvanceCommand_RejectsNonManualSession(t *testing.T) {
	swapStore(t)
	session := seedSession(t, types.SessionPaused, types.DeployPreview)

	if err := advanceSession(context.Background(), session.ID, "https://x.example.com"); err == nil {
		t.Error("advanceSession should reject a non-manual session")
	}
}

func TestAdvanceCommand_RejectsRunningSession(t *testing.T) {
	swapStore(t)
	session := seedSession(t, types.SessionRunning, types.DeployManual)

	if err := advanceSession(context.Background(), session.ID, "https://x.example.com"); err == nil {
		t.Error("advanceSession should reject a session that is not paused")
	}
}
