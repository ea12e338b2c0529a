// Package periodic implements C7's two drivers: zone discovery and
// terminal-task retention cleanup.
package periodic

import (
	"context"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/omnios-bhyve/taskengine/internal/logging"
	"github.com/omnios-bhyve/taskengine/internal/task"
)

const discoveryStartupGrace = 5 * time.Second

// TaskEnqueuer is the narrow store dependency the discovery driver needs
// to enqueue a discover task.
type TaskEnqueuer interface {
	Create(ctx context.Context, spec task.CreateSpec) (string, error)
}

// ZoneNameLister provides the DB's known zone names, for the Bloom
// pre-filter that BuildZoneFilter builds before each reconciliation pass.
type ZoneNameLister interface {
	ListKnownZoneNames(ctx context.Context) ([]string, error)
}

// Waker lets the discovery driver trigger an opportunistic scheduler tick
// right after enqueuing, instead of waiting for the next periodic tick.
type Waker interface {
	Wake()
}

// DiscoveryDriver enqueues a zone_discover task on a fixed interval when
// auto-discovery is enabled.
type DiscoveryDriver struct {
	Enqueuer TaskEnqueuer
	Zones    ZoneNameLister
	Waker    Waker
	Logger   *logging.Logger
	Interval time.Duration
}

// Run blocks until ctx is cancelled, enqueuing a discover task once after
// a short startup grace period and then on every Interval tick.
func (d *DiscoveryDriver) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(discoveryStartupGrace):
		d.enqueue(ctx)
	}

	interval := d.Interval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.enqueue(ctx)
		}
	}
}

func (d *DiscoveryDriver) enqueue(ctx context.Context) {
	spec := task.CreateSpec{Operation: "zone_discover", Priority: task.PriorityBackground, CreatedBy: "discovery-driver"}
	if _, err := d.Enqueuer.Create(ctx, spec); err != nil {
		if d.Logger != nil {
			d.Logger.Warnf("discovery driver: enqueue failed: %v", err)
		}
		return
	}
	if d.Waker != nil {
		d.Waker.Wake()
	}
}

// BuildZoneFilter constructs the Bloom pre-filter used by the
// reconciliation pass that follows a completed zone_discover task, from
// the DB's currently known zone names. A false positive only costs an extra confirming lookup; a false
// negative can never occur by construction, so reconciliation correctness
// does not depend on the filter's size.
func BuildZoneFilter(ctx context.Context, zones ZoneNameLister) (*bloom.BloomFilter, error) {
	names, err := zones.ListKnownZoneNames(ctx)
	if err != nil {
		return nil, err
	}
	filter := bloom.NewWithEstimates(uint(len(names)+16), 0.01)
	for _, name := range names {
		filter.AddString(name)
	}
	return filter, nil
}
