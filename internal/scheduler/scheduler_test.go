package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/task"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []task.Task
	updates  map[string]task.Patch
	reverted []string
	orphans  int
}

func newFakeStore(tasks ...task.Task) *fakeStore {
	return &fakeStore{pending: tasks, updates: make(map[string]task.Patch)}
}

func (f *fakeStore) Create(ctx context.Context, spec task.CreateSpec) (string, error) { return "", nil }
func (f *fakeStore) Get(ctx context.Context, id string) (task.Task, error)            { return task.Task{}, nil }
func (f *fakeStore) List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) CountByStatus(ctx context.Context) (task.StatusCounts, error) {
	return task.StatusCounts{}, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, patch task.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = patch
	return nil
}

func (f *fakeStore) TryClaimNext(ctx context.Context, excludeCategories []string, operationCategories map[string]string) (task.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := make(map[string]struct{}, len(excludeCategories))
	for _, c := range excludeCategories {
		excluded[c] = struct{}{}
	}
	for i, t := range f.pending {
		f.pending = append(f.pending[:i], f.pending[i+1:]...)
		return t, true, nil
	}
	return task.Task{}, false, nil
}

func (f *fakeStore) RevertClaim(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, id)
	return nil
}

func (f *fakeStore) DestroyTerminalOlderThan(ctx context.Context, cutoffSeconds int64) (int, error) {
	return 0, nil
}

func (f *fakeStore) MarkOrphanedRunning(ctx context.Context) (int, error) {
	return f.orphans, nil
}

func (f *fakeStore) updatesFor(id string) (task.Patch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.updates[id]
	return p, ok
}

func TestScheduler_DispatchesAndFinalizesSuccess(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register("service_refresh", handlers.CategoryNone, time.Second, func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		return handlers.Result{OK: true, Message: "ok"}
	})

	store := newFakeStore(task.Task{ID: "t1", Operation: "service_refresh", Status: task.StatusRunning})
	pub := NewPublisher(&recordingProgressStore{}, time.Hour, nil)
	sched := New(Config{Store: store, Registry: reg, Publisher: pub, MaxConcurrent: 2})

	sched.tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	patch, ok := store.updatesFor("t1")
	if !ok {
		t.Fatalf("expected task t1 to be finalized")
	}
	if *patch.Status != task.StatusCompleted {
		t.Errorf("status = %v, want completed", *patch.Status)
	}
}

func TestScheduler_PanicIsRecoveredAsFailed(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register("create_vnic", handlers.CategoryNetworkDatalink, time.Second, func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		panic("boom")
	})

	store := newFakeStore(task.Task{ID: "t2", Operation: "create_vnic", Status: task.StatusRunning})
	pub := NewPublisher(&recordingProgressStore{}, time.Hour, nil)
	sched := New(Config{Store: store, Registry: reg, Publisher: pub, MaxConcurrent: 2})

	sched.tick(context.Background())
	time.Sleep(50 * time.Millisecond)

	patch, ok := store.updatesFor("t2")
	if !ok {
		t.Fatalf("expected task t2 to be finalized despite the panic")
	}
	if *patch.Status != task.StatusFailed {
		t.Errorf("status = %v, want failed", *patch.Status)
	}
	if len(sched.RunningCategories()) != 0 {
		t.Errorf("expected category lock to be released after a panicking handler, got %v", sched.RunningCategories())
	}
	if sched.RunningCount() != 0 {
		t.Errorf("expected running count to be 0 after dispatch completes, got %d", sched.RunningCount())
	}
}

func TestScheduler_CategoryMutualExclusion(t *testing.T) {
	reg := handlers.NewRegistry()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	reg.Register("create_vnic", handlers.CategoryNetworkDatalink, time.Second, func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		started <- struct{}{}
		<-release
		return handlers.Result{OK: true}
	})

	store := newFakeStore(
		task.Task{ID: "a", Operation: "create_vnic", Status: task.StatusRunning},
		task.Task{ID: "b", Operation: "create_vnic", Status: task.StatusRunning},
	)
	pub := NewPublisher(&recordingProgressStore{}, time.Hour, nil)
	sched := New(Config{Store: store, Registry: reg, Publisher: pub, MaxConcurrent: 2})

	sched.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	sched.tick(context.Background())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected the first create_vnic handler to start")
	}

	select {
	case <-started:
		t.Fatalf("expected the second create_vnic handler to be blocked by the category lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
}
