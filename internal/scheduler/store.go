package scheduler

import (
	"context"

	"github.com/omnios-bhyve/taskengine/internal/task"
)

// Store is C2, the Task Store, as consumed by the scheduler. The
// postgres implementation lives in internal/store/postgres; this
// interface lets the scheduler's tests use an in-memory fake.
type Store interface {
	Create(ctx context.Context, spec task.CreateSpec) (string, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error)
	CountByStatus(ctx context.Context) (task.StatusCounts, error)
	Update(ctx context.Context, id string, patch task.Patch) error

	// TryClaimNext selects and claims the highest-priority eligible pending
	// task whose operation's category (looked up via operationCategories,
	// the Handler Registry's compiled table) is not in excludeCategories,
	// atomically setting status=running and started_at. Returns
	// task.Task{} and false if none is eligible.
	TryClaimNext(ctx context.Context, excludeCategories []string, operationCategories map[string]string) (task.Task, bool, error)

	// RevertClaim undoes a claim that lost a post-claim category race,
	// returning the task to pending with started_at cleared.
	RevertClaim(ctx context.Context, id string) error

	DestroyTerminalOlderThan(ctx context.Context, cutoffSeconds int64) (int, error)

	// MarkOrphanedRunning fails every row still running at process start,
	// before any periodic driver or new claim begins (§5, restart recovery).
	MarkOrphanedRunning(ctx context.Context) (int, error)
}
