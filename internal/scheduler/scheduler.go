// Package scheduler implements C4 (Category Lock Set), C5 (the
// Scheduler), and C6 (the Progress Channel): the durable, priority-
// ordered, category-aware dispatch loop that drives every registered
// handler.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/artifact"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/logging"
	"github.com/omnios-bhyve/taskengine/internal/task"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const (
	tickInterval  = 2 * time.Second
	slowThreshold = 5 * time.Second
)

// runningTask is one in-flight dispatch, tracked for cancellation,
// category release, and the artifact scan coordinator's race-avoidance
// snapshot.
type runningTask struct {
	task     task.Task
	category handlers.Category
}

// Scheduler is C5. It owns its own category lock set and running-task
// map rather than referencing package-level globals, so multiple
// instances (as in tests) never share state.
type Scheduler struct {
	store     Store
	registry  *handlers.Registry
	publisher *Publisher
	logger    *logging.Logger

	maxConcurrent int
	sem           chan struct{}

	locks *categoryLocks

	mu      sync.Mutex
	running map[string]*runningTask

	wake chan struct{}

	onEvent func(event Event)
}

// Event is pushed to an optional observer (the HTTP websocket hub) on
// every state change and progress update.
type Event struct {
	TaskID    string
	Operation string
	Status    task.Status
	Percent   int
	Extra     map[string]interface{}
}

// Config configures a new Scheduler.
type Config struct {
	Store         Store
	Registry      *handlers.Registry
	Publisher     *Publisher
	Logger        *logging.Logger
	MaxConcurrent int
	OnEvent       func(Event)
}

// New builds a Scheduler. Call Run to begin its dispatch loop.
func New(cfg Config) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	s := &Scheduler{
		store:         cfg.Store,
		registry:      cfg.Registry,
		publisher:     cfg.Publisher,
		logger:        cfg.Logger,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		locks:         newCategoryLocks(),
		running:       make(map[string]*runningTask),
		wake:          make(chan struct{}, 1),
		onEvent:       cfg.OnEvent,
	}
	if s.publisher != nil {
		s.publisher.SetOnUpdate(s.emitProgressEvent)
	}
	return s
}

// emitProgressEvent forwards a persisted progress value to the optional
// event observer, looking up the task's operation from the running map so
// the websocket stream's events are self-describing.
func (s *Scheduler) emitProgressEvent(taskID string, percent int) {
	if s.onEvent == nil {
		return
	}
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.onEvent(Event{TaskID: taskID, Operation: rt.task.Operation, Status: task.StatusRunning, Percent: percent})
}

// RunningCount returns the number of handlers currently executing.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// RunningCategories returns every category currently held.
func (s *Scheduler) RunningCategories() []string {
	return s.locks.snapshot()
}

// RunningDownloads returns the in-flight artifact_download_url tasks, for
// the scan coordinator's race-avoidance skip-set. It satisfies
// artifact.RunningDownloadsProvider.
func (s *Scheduler) RunningDownloads() []artifact.RunningDownload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []artifact.RunningDownload
	for id, rt := range s.running {
		if rt.task.Operation != "artifact_download_url" {
			continue
		}
		locationID := ""
		if p, err := artifact.ParseDownloadMetadata(rt.task.Metadata); err == nil {
			locationID = p.StorageLocationID
		}
		out = append(out, artifact.RunningDownload{TaskID: id, StorageLocationID: locationID, Metadata: rt.task.Metadata})
	}
	return out
}

// Wake schedules an opportunistic tick sooner than the next periodic
// ticker fire, so a freshly enqueued CRITICAL task need not wait out the
// full tick interval.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RecoverOrphans fails every task left running from a previous process
// (crash recovery, §5 S6) before the dispatch loop starts claiming new
// work.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, error) {
	n, err := s.store.MarkOrphanedRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	if n > 0 && s.logger != nil {
		s.logger.Warnf("recovered %d orphaned running task(s) from a previous process", n)
	}
	return n, nil
}

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick claims and dispatches as many eligible tasks as capacity and
// category locks allow. It is idempotent when nothing is claimable.
func (s *Scheduler) tick(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // at capacity
		}

		claimed, category, ok := s.claimEligible(ctx)
		if !ok {
			<-s.sem
			return
		}

		go s.dispatch(ctx, claimed, category)
	}
}

// claimEligible holds the scheduler mutex across both the store claim and
// the category lock acquisition, so the two cannot race against a
// concurrent tick in this same process.
func (s *Scheduler) claimEligible(ctx context.Context) (task.Task, handlers.Category, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := s.locks.snapshot()
	claimedTask, found, err := s.store.TryClaimNext(ctx, excluded, s.registry.CategoriesByOperation())
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("claim next task failed: %v", err)
		}
		return task.Task{}, "", false
	}
	if !found {
		return task.Task{}, "", false
	}

	category, _ := s.registry.CategoryOf(claimedTask.Operation)
	if !s.locks.tryAcquire(string(category)) {
		// Lost a race against a concurrent tick between the DB claim and the
		// lock grab; revert and let the next tick retry. Held defensively:
		// under the single mutex above this branch cannot currently occur,
		// but a future multi-instance scheduler could hit it.
		if err := s.store.RevertClaim(ctx, claimedTask.ID); err != nil && s.logger != nil {
			s.logger.Errorf("revert claim for task %s failed: %v", claimedTask.ID, err)
		}
		return task.Task{}, "", false
	}

	s.running[claimedTask.ID] = &runningTask{task: claimedTask, category: category}

	if s.onEvent != nil {
		s.onEvent(Event{TaskID: claimedTask.ID, Operation: claimedTask.Operation, Status: task.StatusRunning, Percent: claimedTask.ProgressPercent})
	}

	return claimedTask, category, true
}

// dispatch runs one claimed task's handler to completion and finalizes
// its terminal state. It always releases the semaphore slot, the category
// lock, and the running-map entry, including on panic.
func (s *Scheduler) dispatch(ctx context.Context, t task.Task, category handlers.Category) {
	defer func() { <-s.sem }()
	defer s.finishRunning(t.ID, category)

	entry, ok := s.registry.Lookup(t.Operation)
	if !ok {
		s.finalize(ctx, t.ID, t.Operation, task.StatusFailed, taskerr.New(taskerr.KindValidation, fmt.Sprintf("no handler registered for operation %q", t.Operation)).Error(), 0, nil)
		return
	}

	timeout := entry.DefaultTimeout
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reporter := s.publisher.Start(handlerCtx, t.ID)

	start := time.Now()
	result := s.safeDispatch(handlerCtx, entry.Handler, t, reporter)
	elapsed := time.Since(start)

	if elapsed > slowThreshold && s.logger != nil {
		s.logger.Warnf("slow execution: task %s operation %s took %s", t.ID, t.Operation, elapsed)
	}

	finalPercent := 100
	if !result.OK {
		finalPercent = t.ProgressPercent
	}
	s.publisher.Stop(ctx, t.ID, finalPercent, nil)

	if result.OK {
		s.finalize(ctx, t.ID, t.Operation, task.StatusCompleted, "", finalPercent, result.Extra)
	} else {
		errMsg := "handler returned failure"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		if handlerCtx.Err() == context.DeadlineExceeded {
			errMsg = taskerr.Timeout("handler exceeded %s budget", timeout).Error()
		}
		s.finalize(ctx, t.ID, t.Operation, task.StatusFailed, errMsg, t.ProgressPercent, result.Extra)
	}
}

// safeDispatch wraps a handler invocation in a panic recovery so a
// misbehaving handler still yields a well-formed failed result and the
// category lock/running entry are always cleaned up by dispatch's defers.
func (s *Scheduler) safeDispatch(ctx context.Context, h handlers.HandlerFunc, t task.Task, progress handlers.Progress) (result handlers.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = handlers.Result{Err: taskerr.New(taskerr.KindCrash, fmt.Sprintf("handler panicked: %v", r))}
		}
	}()
	return h(ctx, t.Target, t.Metadata, progress)
}

func (s *Scheduler) finishRunning(taskID string, category handlers.Category) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
	s.locks.release(string(category))
}

func (s *Scheduler) finalize(ctx context.Context, taskID, operation string, status task.Status, errMessage string, percent int, extra map[string]interface{}) {
	now := time.Now()
	patch := task.Patch{Status: &status, CompletedAt: &now, ProgressPercent: &percent}
	if errMessage != "" {
		patch.ErrorMessage = &errMessage
	}
	if err := s.store.Update(ctx, taskID, patch); err != nil && s.logger != nil {
		s.logger.Errorf("finalize task %s failed: %v", taskID, err)
	}
	if s.onEvent != nil {
		s.onEvent(Event{TaskID: taskID, Operation: operation, Status: status, Percent: percent, Extra: extra})
	}
	s.Wake()
}
