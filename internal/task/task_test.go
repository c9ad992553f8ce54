package task

import (
	"context"
	goerrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
	tkberrors "github.com/randalmurphal/tweetkb/internal/errors"
	"github.com/randalmurphal/tweetkb/internal/events"
)

// fakeNotifier records task transitions and logs.
type fakeNotifier struct {
	mu       sync.Mutex
	statuses []events.TaskStatus
	logs     []string
}

func (f *fakeNotifier) Log(_, level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, level+": "+message)
}

func (f *fakeNotifier) Task(status events.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeNotifier) statusSequence(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.statuses {
		if s.TaskID == taskID {
			out = append(out, s.Status)
		}
	}
	return out
}

func testWorkers() config.Workers {
	return config.Workers{
		Concurrency:       1,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleThreshold:    time.Hour,
	}
}

func newPoolHarness(t *testing.T) (*db.Store, *Registry, *Pool, *fakeNotifier) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := NewRegistry(store)
	notify := &fakeNotifier{}
	pool := NewPool(store, reg, notify, testWorkers(), nil)
	return store, reg, pool, notify
}

func TestParsePreferences(t *testing.T) {
	p, err := ParsePreferences(`{"force_recache": true, "skip_git_push": true}`)
	require.NoError(t, err)
	assert.True(t, p.ForceRecache)
	assert.True(t, p.SkipGitPush)
	assert.False(t, p.ForceReprocessMedia)
}

func TestParsePreferencesEmptyIsDefaults(t *testing.T) {
	for _, raw := range []string{"", "  ", "{}"} {
		p, err := ParsePreferences(raw)
		require.NoError(t, err)
		assert.Equal(t, &Preferences{}, p)
	}
}

func TestParsePreferencesRejectsUnknownKeys(t *testing.T) {
	_, err := ParsePreferences(`{"force_recache": true, "frce_recache": true}`)
	require.Error(t, err)
	assert.True(t, tkberrors.IsCode(err, tkberrors.CodeValidation))
}

func TestPreferencesForcesMapping(t *testing.T) {
	p := &Preferences{ForceRecache: true, ForceRegenerateArticles: true}
	f := p.Forces()
	assert.True(t, f.Recache)
	assert.True(t, f.RegenerateArticles)
	assert.False(t, f.ReprocessMedia)
}

func TestSubmitTaskPersistsPendingRowAndQueueEntry(t *testing.T) {
	store, reg, _, _ := newPoolHarness(t)
	reg.Register("noop", false, func(context.Context, *db.Task, *Preferences) (string, error) {
		return "", nil
	})

	id, err := reg.SubmitTask(context.Background(), "noop", `{"force_recache": true}`, 5)
	require.NoError(t, err)

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskPending, task.Status)
	assert.Contains(t, task.Preferences, "force_recache")

	entries, err := store.ListQueueEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].TaskID)
	assert.Equal(t, 5, entries[0].Priority)
}

func TestSubmitTaskRejectsUnknownKind(t *testing.T) {
	_, reg, _, _ := newPoolHarness(t)
	_, err := reg.SubmitTask(context.Background(), "nope", "{}", 0)
	require.Error(t, err)
	assert.True(t, tkberrors.IsCode(err, tkberrors.CodeValidation))
}

func TestSubmitTaskDuplicateRunGuard(t *testing.T) {
	store, reg, _, _ := newPoolHarness(t)
	reg.Register("exclusive", true, func(context.Context, *db.Task, *Preferences) (string, error) {
		return "", nil
	})
	require.NoError(t, store.SetAgentRunning(context.Background(), "other-task", "busy"))

	_, err := reg.SubmitTask(context.Background(), "exclusive", "{}", 0)
	require.Error(t, err)
	assert.True(t, tkberrors.IsCode(err, tkberrors.CodeAgentBusy))

	require.NoError(t, store.ClearAgentState(context.Background()))
	_, err = reg.SubmitTask(context.Background(), "exclusive", "{}", 0)
	assert.NoError(t, err)
}

func TestPoolRunsTaskToCompletion(t *testing.T) {
	store, reg, pool, notify := newPoolHarness(t)

	var got *Preferences
	reg.Register("job", true, func(_ context.Context, _ *db.Task, prefs *Preferences) (string, error) {
		got = prefs
		return `{"ok": true}`, nil
	})

	id, err := reg.SubmitTask(context.Background(), "job", `{"force_recache": true}`, 0)
	require.NoError(t, err)

	pool.Start(context.Background())
	defer pool.Stop()
	pool.Wake()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == db.TaskSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	require.NotNil(t, got)
	assert.True(t, got.ForceRecache)

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, task.ResultSummary)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)

	state, err := store.GetAgentState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.IsRunning)

	assert.Equal(t, []string{db.TaskRunning, db.TaskSucceeded}, notify.statusSequence(id))

	n, err := store.CountQueueEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPoolRunsQueueInPriorityThenFIFOOrder(t *testing.T) {
	_, reg, pool, _ := newPoolHarness(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	reg.Register("job", false, func(_ context.Context, tk *db.Task, _ *Preferences) (string, error) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		done <- struct{}{}
		return "", nil
	})

	low, err := reg.SubmitTask(context.Background(), "job", "{}", 1)
	require.NoError(t, err)
	lowLater, err := reg.SubmitTask(context.Background(), "job", "{}", 1)
	require.NoError(t, err)
	high, err := reg.SubmitTask(context.Background(), "job", "{}", 9)
	require.NoError(t, err)

	pool.Start(context.Background())
	defer pool.Stop()
	pool.Wake()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{high, low, lowLater}, order)
}

func TestPoolHandlerFailureMarksTaskFailed(t *testing.T) {
	store, reg, pool, notify := newPoolHarness(t)
	reg.Register("job", true, func(context.Context, *db.Task, *Preferences) (string, error) {
		return "", goerrors.New("backend exploded")
	})

	id, err := reg.SubmitTask(context.Background(), "job", "{}", 0)
	require.NoError(t, err)

	pool.Start(context.Background())
	defer pool.Stop()
	pool.Wake()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == db.TaskFailed
	}, 3*time.Second, 10*time.Millisecond)

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, task.ErrorMessage, "backend exploded")

	state, err := store.GetAgentState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.IsRunning)

	assert.Equal(t, []string{db.TaskRunning, db.TaskFailed}, notify.statusSequence(id))
}

func TestCancelRunningTask(t *testing.T) {
	store, reg, pool, _ := newPoolHarness(t)

	started := make(chan struct{})
	reg.Register("job", true, func(ctx context.Context, _ *db.Task, _ *Preferences) (string, error) {
		close(started)
		<-ctx.Done()
		return "", tkberrors.ErrCanceled("job")
	})

	id, err := reg.SubmitTask(context.Background(), "job", "{}", 0)
	require.NoError(t, err)

	pool.Start(context.Background())
	defer pool.Stop()
	pool.Wake()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, pool.CancelTask(context.Background(), id))

	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == db.TaskCanceled
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCancelQueuedTask(t *testing.T) {
	store, reg, pool, _ := newPoolHarness(t)
	reg.Register("job", false, func(context.Context, *db.Task, *Preferences) (string, error) {
		return "", nil
	})

	id, err := reg.SubmitTask(context.Background(), "job", "{}", 0)
	require.NoError(t, err)

	require.NoError(t, pool.CancelTask(context.Background(), id))

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCanceled, task.Status)

	n, err := store.CountQueueEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCancelTerminalTaskIsInvalid(t *testing.T) {
	store, reg, pool, _ := newPoolHarness(t)
	reg.Register("job", false, func(context.Context, *db.Task, *Preferences) (string, error) {
		return "", nil
	})

	id, err := reg.SubmitTask(context.Background(), "job", "{}", 0)
	require.NoError(t, err)
	require.NoError(t, store.DequeueTask(context.Background(), id))
	require.NoError(t, store.UpdateTaskStatus(context.Background(), id, db.TaskSucceeded, ""))

	err = pool.CancelTask(context.Background(), id)
	require.Error(t, err)
	assert.True(t, tkberrors.IsCode(err, tkberrors.CodeTaskInvalidState))
}

func TestHeartbeatAdvancesWhileRunning(t *testing.T) {
	store, reg, pool, _ := newPoolHarness(t)
	reg.Register("job", true, func(ctx context.Context, _ *db.Task, _ *Preferences) (string, error) {
		time.Sleep(120 * time.Millisecond)
		return "", nil
	})

	id, err := reg.SubmitTask(context.Background(), "job", "{}", 0)
	require.NoError(t, err)

	pool.Start(context.Background())
	defer pool.Stop()
	pool.Wake()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == db.TaskSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task.LastHeartbeatAt)
	require.NotNil(t, task.StartedAt)
	assert.True(t, task.LastHeartbeatAt.After(*task.StartedAt))
}

func TestReconcilerFailsStaleTasks(t *testing.T) {
	store, _, pool, notify := newPoolHarness(t)

	old := time.Now().Add(-2 * time.Hour).UTC()
	stale := &db.Task{ID: "stale-1", Kind: "job", Status: db.TaskRunning,
		LastHeartbeatAt: &old, StartedAt: &old}
	require.NoError(t, store.CreateTask(context.Background(), stale))
	require.NoError(t, store.SetAgentRunning(context.Background(), "stale-1", "working"))

	r := NewReconciler(store, pool, notify, testWorkers(), nil)
	failed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-1"}, failed)

	task, err := store.GetTask(context.Background(), "stale-1")
	require.NoError(t, err)
	assert.Equal(t, db.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "stale")

	state, err := store.GetAgentState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.IsRunning)
}

func TestReconcilerSkipsLiveTasks(t *testing.T) {
	store, reg, pool, notify := newPoolHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	reg.Register("job", true, func(ctx context.Context, _ *db.Task, _ *Preferences) (string, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", nil
	})

	id, err := reg.SubmitTask(context.Background(), "job", "{}", 0)
	require.NoError(t, err)

	pool.Start(context.Background())
	defer pool.Stop()
	pool.Wake()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	// Backdate the heartbeat so the task looks stale on paper.
	running, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour).UTC()
	running.LastHeartbeatAt = &old
	require.NoError(t, store.SaveTask(context.Background(), running))

	r := NewReconciler(store, pool, notify, testWorkers(), nil)
	failed, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)

	close(release)
	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == db.TaskSucceeded
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPipelineHandlerSkipProcessContent(t *testing.T) {
	store, _, _, notify := newPoolHarness(t)

	handler := NewPipelineHandler(nil, store, notify, nil)
	summary, err := handler(context.Background(), &db.Task{ID: "t1", Kind: KindProcessBookmarks},
		&Preferences{SkipProcessContent: true, SkipGitPush: true})
	require.NoError(t, err)
	assert.Contains(t, summary, "skipped")

	notify.mu.Lock()
	defer notify.mu.Unlock()
	require.Len(t, notify.logs, 2)
	assert.Contains(t, notify.logs[0], "skip_git_push")
}
