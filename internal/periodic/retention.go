package periodic

import (
	"context"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/logging"
)

const retentionTickInterval = time.Hour

// TerminalDestroyer is the narrow store dependency retention cleanup
// needs.
type TerminalDestroyer interface {
	DestroyTerminalOlderThan(ctx context.Context, cutoffSeconds int64) (int, error)
}

// RetentionDriver periodically destroys terminal task rows older than
// RetentionDays.
type RetentionDriver struct {
	Store         TerminalDestroyer
	Logger        *logging.Logger
	RetentionDays func() int
}

// Run blocks until ctx is cancelled, sweeping once per retentionTickInterval.
func (d *RetentionDriver) Run(ctx context.Context) {
	ticker := time.NewTicker(retentionTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *RetentionDriver) sweep(ctx context.Context) {
	days := 30
	if d.RetentionDays != nil {
		days = d.RetentionDays()
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	n, err := d.Store.DestroyTerminalOlderThan(ctx, cutoff)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warnf("retention sweep failed: %v", err)
		}
		return
	}
	if n > 0 && d.Logger != nil {
		d.Logger.Infof("retention sweep destroyed %d terminal task row(s) older than %d day(s)", n, days)
	}
}
