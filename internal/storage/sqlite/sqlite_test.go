package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixloop/fixloop/internal/events"
	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/storage"
	"github.com/fixloop/fixloop/internal/types"
)

var _ storage.Storage = (*SQLiteStorage)(nil)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "fixloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(repoPath string) *types.FixSession {
	cfg := types.DefaultSessionConfig()
	cfg.RepoPath = repoPath
	now := time.Now()
	return &types.FixSession{
		ID:        uuid.New().String(),
		RepoPath:  repoPath,
		Config:    cfg,
		Status:    types.SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	session.SafetyBranch = "fixloop/" + session.ID
	session.PID = 4242
	require.NoError(t, store.CreateSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "/repos/webapp", got.RepoPath)
	assert.Equal(t, types.SessionRunning, got.Status)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, session.SafetyBranch, got.SafetyBranch)
	assert.Equal(t, session.Config.MaxCycles, got.Config.MaxCycles)
	assert.Equal(t, session.Config.SeverityFilter, got.Config.SeverityFilter)
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	session.Status = types.SessionCompleted
	session.StopReason = types.StopVerdictReached
	session.CurrentCycle = 2
	require.NoError(t, store.UpdateSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, got.Status)
	assert.Equal(t, types.StopVerdictReached, got.StopReason)
	assert.Equal(t, 2, got.CurrentCycle)
}

func TestControlSignals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, got.StopRequested)
	assert.Empty(t, got.AdvanceURL)

	require.NoError(t, store.SetStopRequested(ctx, session.ID))
	require.NoError(t, store.SetAdvanceURL(ctx, session.ID, "https://preview.example.com"))

	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.StopRequested)
	assert.Equal(t, "https://preview.example.com", got.AdvanceURL)

	// UpdateSession must not clobber the signals.
	got.StopRequested = false
	got.AdvanceURL = ""
	got.CurrentCycle = 1
	require.NoError(t, store.UpdateSession(ctx, got))

	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.StopRequested)
	assert.Equal(t, "https://preview.example.com", got.AdvanceURL)

	// Consuming the advance URL clears it.
	require.NoError(t, store.SetAdvanceURL(ctx, session.ID, ""))
	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AdvanceURL)
}

func TestControlSignalsNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, store.SetStopRequested(ctx, "missing"), storage.ErrNotFound)
	assert.ErrorIs(t, store.SetAdvanceURL(ctx, "missing", "https://x"), storage.ErrNotFound)
}

func TestUpdateSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	session := newTestSession("/repos/webapp")
	err := store.UpdateSession(context.Background(), session)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListSessionsFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := newTestSession("/repos/a")
	require.NoError(t, store.CreateSession(ctx, running))

	done := newTestSession("/repos/b")
	done.Status = types.SessionCompleted
	require.NoError(t, store.CreateSession(ctx, done))

	all, err := store.ListSessions(ctx, storage.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completedOnly, err := store.ListSessions(ctx, storage.SessionFilter{Status: types.SessionCompleted})
	require.NoError(t, err)
	require.Len(t, completedOnly, 1)
	assert.Equal(t, done.ID, completedOnly[0].ID)

	byRepo, err := store.ListSessions(ctx, storage.SessionFilter{RepoPath: "/repos/a"})
	require.NoError(t, err)
	require.Len(t, byRepo, 1)
	assert.Equal(t, running.ID, byRepo[0].ID)
}

func TestGetRunningSessionForRepo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetRunningSessionForRepo(ctx, "/repos/webapp")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	got, err := store.GetRunningSessionForRepo(ctx, "/repos/webapp")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	// Paused still claims the repo.
	session.Status = types.SessionPaused
	require.NoError(t, store.UpdateSession(ctx, session))
	_, err = store.GetRunningSessionForRepo(ctx, "/repos/webapp")
	assert.NoError(t, err)

	// Terminal sessions release it.
	session.Status = types.SessionStopped
	require.NoError(t, store.UpdateSession(ctx, session))
	_, err = store.GetRunningSessionForRepo(ctx, "/repos/webapp")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCycleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	cycle := &types.FixCycle{
		SessionID: session.ID,
		Number:    1,
		Status:    types.CycleFixing,
		StartedAt: time.Now(),
	}
	require.NoError(t, store.CreateCycle(ctx, cycle))

	cycle.Status = types.CycleCompleted
	cycle.Verdict = types.VerdictGo
	cycle.Score = 8.5
	cycle.CommitID = "abc123def"
	cycle.Invocation = &types.InvocationResult{
		CostUSD:        1.75,
		DurationMS:     120000,
		ModifiedFiles:  []string{"src/auth.ts", "src/session.ts"},
		AgentSessionID: "agent-1",
	}
	cycle.Deploy = &types.DeployResult{URL: "https://x.vercel.app", Status: "ready", DurationMS: 45000}
	cycle.Delta = &types.DeltaSummary{
		Resolved:  []string{"AUTH-1"},
		New:       []string{},
		Unchanged: []string{"XSS-2"},
	}
	cycle.FinishedAt = time.Now()
	require.NoError(t, store.UpdateCycle(ctx, cycle))

	cycles, err := store.GetCycles(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)

	got := cycles[0]
	assert.Equal(t, types.CycleCompleted, got.Status)
	assert.Equal(t, types.VerdictGo, got.Verdict)
	assert.Equal(t, 8.5, got.Score)
	require.NotNil(t, got.Invocation)
	assert.Equal(t, 1.75, got.Invocation.CostUSD)
	assert.Equal(t, []string{"src/auth.ts", "src/session.ts"}, got.Invocation.ModifiedFiles)
	require.NotNil(t, got.Deploy)
	assert.Equal(t, "https://x.vercel.app", got.Deploy.URL)
	require.NotNil(t, got.Delta)
	assert.Equal(t, []string{"AUTH-1"}, got.Delta.Resolved)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestGetCyclesOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	for _, n := range []int{3, 1, 2} {
		require.NoError(t, store.CreateCycle(ctx, &types.FixCycle{
			SessionID: session.ID,
			Number:    n,
			Status:    types.CycleCompleted,
			StartedAt: time.Now(),
		}))
	}

	cycles, err := store.GetCycles(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 3)
	for i, c := range cycles {
		assert.Equal(t, i+1, c.Number)
	}
}

func TestDuplicateCycleNumberRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	cycle := &types.FixCycle{SessionID: session.ID, Number: 1, Status: types.CyclePending, StartedAt: time.Now()}
	require.NoError(t, store.CreateCycle(ctx, cycle))
	assert.Error(t, store.CreateCycle(ctx, cycle))
}

func TestEventStorage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	for i := 1; i <= 3; i++ {
		event := events.New(events.EventTypeCycleStarted, session.ID, i, events.SeverityInfo,
			"cycle started", map[string]interface{}{"findings": float64(i)})
		event.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.StoreEvent(ctx, event))
	}

	got, err := store.GetEventsBySession(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].CycleNumber)
	assert.Equal(t, events.EventTypeCycleStarted, got[0].Type)
	assert.Equal(t, float64(1), got[0].Data["findings"])

	recent, err := store.GetRecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].CycleNumber, "newest first")
}

func TestMarkSessionInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := newTestSession("/repos/a")
	require.NoError(t, store.CreateSession(ctx, running))
	require.NoError(t, store.CreateCycle(ctx, &types.FixCycle{
		SessionID: running.ID, Number: 1, Status: types.CycleDeploying, StartedAt: time.Now(),
	}))

	finished := newTestSession("/repos/b")
	finished.Status = types.SessionCompleted
	require.NoError(t, store.CreateSession(ctx, finished))

	require.NoError(t, store.MarkSessionInterrupted(ctx, running.ID))

	got, err := store.GetSession(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStopped, got.Status)
	assert.Equal(t, types.StopInterrupted, got.StopReason)

	cycles, err := store.GetCycles(ctx, running.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, types.CycleInterrupted, cycles[0].Status)

	err = store.MarkSessionInterrupted(ctx, finished.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "terminal session is not recoverable")

	untouched, err := store.GetSession(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, untouched.Status)
}

func TestOneActiveSessionPerRepo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, first))

	second := newTestSession("/repos/webapp")
	err := store.CreateSession(ctx, second)
	assert.ErrorIs(t, err, types.ErrSessionActive)

	// A paused session still holds the repo.
	first.Status = types.SessionPaused
	require.NoError(t, store.UpdateSession(ctx, first))
	assert.ErrorIs(t, store.CreateSession(ctx, second), types.ErrSessionActive)

	// Once the first session is terminal the repo is free again.
	first.Status = types.SessionStopped
	require.NoError(t, store.UpdateSession(ctx, first))
	require.NoError(t, store.CreateSession(ctx, second))
}

func TestBaseReportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession("/repos/webapp")
	require.NoError(t, store.CreateSession(ctx, session))

	_, err := store.GetBaseReport(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	r := &report.Report{
		Target:  "https://x.vercel.app",
		Verdict: types.VerdictNoGo,
		Score:   3.2,
		Sections: []report.Section{
			{Severity: types.SeverityCritical, Findings: []report.Finding{
				{ID: "AUTH-1", Title: "Broken access control", Severity: types.SeverityCritical},
			}},
		},
	}
	require.NoError(t, store.SaveBaseReport(ctx, session.ID, r))

	got, err := store.GetBaseReport(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictNoGo, got.Verdict)
	require.Len(t, got.Sections, 1)
	assert.Equal(t, "AUTH-1", got.Sections[0].Findings[0].ID)

	// Overwrite replaces.
	r.Verdict = types.VerdictGo
	require.NoError(t, store.SaveBaseReport(ctx, session.ID, r))
	got, err = store.GetBaseReport(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictGo, got.Verdict)
}
