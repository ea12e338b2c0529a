package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/logging"
)

// ProgressStore is the narrow store dependency the publisher needs:
// persisting a task's latest percent/info.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, taskID string, percent int, info []byte) error
}

// progressUpdate is one coalescable unit of work.
type progressUpdate struct {
	percent int
	info    []byte
}

// taskProgress drains one task's update channel, persisting at most once
// per interval and always flushing the final update.
type taskProgress struct {
	ch           chan progressUpdate
	done         chan struct{}
	lastPersisted int
}

// Publisher is C6: a non-blocking, coalescing progress channel. Each
// handler invocation gets its own Reporter; updates faster than interval
// overwrite the pending one rather than queuing, and a percent lower than
// the last persisted value is dropped to preserve monotonicity.
type Publisher struct {
	store    ProgressStore
	interval time.Duration
	logger   *logging.Logger

	mu    sync.Mutex
	tasks map[string]*taskProgress

	onUpdate func(taskID string, percent int)
}

// NewPublisher builds a Publisher persisting to store at most once per
// interval per task.
func NewPublisher(store ProgressStore, interval time.Duration, logger *logging.Logger) *Publisher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Publisher{store: store, interval: interval, logger: logger, tasks: make(map[string]*taskProgress)}
}

// SetOnUpdate registers a callback invoked after every persisted progress
// value (periodic or final), for a live-view consumer such as the HTTP
// websocket stream. Optional; nil disables forwarding.
func (p *Publisher) SetOnUpdate(fn func(taskID string, percent int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Start begins tracking taskID and returns a Reporter bound to it. Stop
// must be called exactly once when the handler returns, regardless of
// outcome, to flush the final value and release resources.
func (p *Publisher) Start(ctx context.Context, taskID string) handlers.Progress {
	tp := &taskProgress{ch: make(chan progressUpdate, 1), done: make(chan struct{}), lastPersisted: -1}

	p.mu.Lock()
	p.tasks[taskID] = tp
	p.mu.Unlock()

	go p.drain(ctx, taskID, tp)

	return &reporter{publisher: p, taskID: taskID, tp: tp}
}

// Stop flushes percent as the final, always-persisted value and tears
// down the task's goroutine.
func (p *Publisher) Stop(ctx context.Context, taskID string, finalPercent int, finalInfo []byte) {
	p.mu.Lock()
	tp, ok := p.tasks[taskID]
	delete(p.tasks, taskID)
	p.mu.Unlock()
	if !ok {
		return
	}
	close(tp.done)
	if err := p.store.UpdateProgress(ctx, taskID, finalPercent, finalInfo); err != nil {
		if p.logger != nil {
			p.logger.Warnf("progress: final flush failed for task %s: %v", taskID, err)
		}
	} else {
		p.notifyUpdate(taskID, finalPercent)
	}
}

func (p *Publisher) notifyUpdate(taskID string, percent int) {
	p.mu.Lock()
	fn := p.onUpdate
	p.mu.Unlock()
	if fn != nil {
		fn(taskID, percent)
	}
}

func (p *Publisher) drain(ctx context.Context, taskID string, tp *taskProgress) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var pending *progressUpdate
	for {
		select {
		case <-tp.done:
			return
		case update := <-tp.ch:
			u := update
			pending = &u
		case <-ticker.C:
			if pending == nil {
				continue
			}
			if pending.percent < tp.lastPersisted {
				pending = nil
				continue
			}
			if err := p.store.UpdateProgress(ctx, taskID, pending.percent, pending.info); err != nil {
				if p.logger != nil {
					p.logger.Warnf("progress: periodic flush failed for task %s: %v", taskID, err)
				}
			} else {
				tp.lastPersisted = pending.percent
				p.notifyUpdate(taskID, pending.percent)
			}
			pending = nil
		}
	}
}

// reporter implements handlers.Progress for one task, feeding the
// publisher's coalescing channel without ever blocking the handler.
type reporter struct {
	publisher *Publisher
	taskID    string
	tp        *taskProgress
}

func (r *reporter) Report(percent int, info map[string]interface{}) {
	encoded := encodeInfo(info)
	update := progressUpdate{percent: percent, info: encoded}
	select {
	case r.tp.ch <- update:
	default:
		// A pending update is already queued; drain it and replace with the
		// newer one so the channel never blocks the handler.
		select {
		case <-r.tp.ch:
		default:
		}
		select {
		case r.tp.ch <- update:
		default:
		}
	}
}

func encodeInfo(info map[string]interface{}) []byte {
	if len(info) == 0 {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil
	}
	return data
}
