package scheduler

import "sync"

// categoryLocks is C4, the Category Lock Set: a process-wide mutual
// exclusion set keyed by category string. It is a field of Scheduler, not
// a package-level global, so multiple Scheduler instances in the same
// process (as in tests) never share locking state.
type categoryLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newCategoryLocks() *categoryLocks {
	return &categoryLocks{held: make(map[string]struct{})}
}

// tryAcquire returns true and marks category held if it was free. An
// empty category is never tracked: operations with no category may always
// run, including concurrently with themselves.
func (c *categoryLocks) tryAcquire(category string) bool {
	if category == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.held[category]; held {
		return false
	}
	c.held[category] = struct{}{}
	return true
}

// release frees category. A no-op for the empty category, matching
// tryAcquire's no-op acquire.
func (c *categoryLocks) release(category string) {
	if category == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, category)
}

// snapshot returns every currently held category, for
// Scheduler.RunningCategories and for the scheduler's own claim-filtering.
func (c *categoryLocks) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.held))
	for category := range c.held {
		out = append(out, category)
	}
	return out
}
