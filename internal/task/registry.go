package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/tweetkb/internal/db"
	"github.com/randalmurphal/tweetkb/internal/errors"
)

// HandlerFunc executes one task of a registered kind. It must return
// promptly once ctx is canceled and must heartbeat via the pool (the
// pool runs the heartbeat alongside the handler). The returned summary
// is persisted as the task's result_summary JSON.
type HandlerFunc func(ctx context.Context, t *db.Task, prefs *Preferences) (summary string, err error)

// kindDef is one registered task kind.
type kindDef struct {
	handler HandlerFunc
	// exclusive kinds refuse submission while the agent singleton is
	// running another task.
	exclusive bool
}

// Registry maps task kinds to handlers and owns task submission.
type Registry struct {
	store *db.Store

	mu    sync.Mutex
	kinds map[string]kindDef
}

// NewRegistry creates an empty registry backed by the state store.
func NewRegistry(store *db.Store) *Registry {
	return &Registry{
		store: store,
		kinds: make(map[string]kindDef),
	}
}

// Register adds a task kind. Exclusive kinds get the duplicate-run
// guard at submission time.
func (r *Registry) Register(kind string, exclusive bool, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = kindDef{handler: handler, exclusive: exclusive}
}

// handler returns the registered definition for a kind.
func (r *Registry) handler(kind string) (kindDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.kinds[kind]
	return def, ok
}

// SubmitTask validates preferences, persists a pending task row, and
// enqueues it at the given priority. Higher priority runs first; equal
// priorities run FIFO.
func (r *Registry) SubmitTask(ctx context.Context, kind, preferencesJSON string, priority int) (string, error) {
	def, ok := r.handler(kind)
	if !ok {
		return "", errors.ErrValidation(fmt.Sprintf("unknown task kind %q", kind))
	}

	prefs, err := ParsePreferences(preferencesJSON)
	if err != nil {
		return "", err
	}

	if def.exclusive {
		state, err := r.store.GetAgentState(ctx)
		if err != nil {
			return "", err
		}
		if state.IsRunning {
			return "", errors.ErrAgentBusy(state.CurrentTaskID)
		}
	}

	t := &db.Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      db.TaskPending,
		Preferences: prefs.Encode(),
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return "", err
	}
	if err := r.store.EnqueueTask(ctx, t.ID, priority); err != nil {
		// The orphaned pending row would otherwise sit until the
		// reconciler fails it; fail it now with the real cause.
		_ = r.store.UpdateTaskStatus(ctx, t.ID, db.TaskFailed, "enqueue failed: "+err.Error())
		return "", err
	}
	return t.ID, nil
}
