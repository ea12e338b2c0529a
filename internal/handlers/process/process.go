// Package process implements process_trace: a long-running trace with a
// duration parameter whose captured output is capped at the Command
// Runner's output limit. No category.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const defaultTimeout = 5 * time.Minute

type traceParams struct {
	PID             int `json:"pid"`
	DurationSeconds int `json:"duration_seconds"`
}

// Register wires process_trace into reg.
func Register(reg *handlers.Registry, runner *command.Runner) {
	reg.Register("process_trace", handlers.CategoryNone, defaultTimeout, trace(runner))
}

func trace(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p traceParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.PID <= 0 {
			return handlers.Result{Err: taskerr.Validation("process_trace: metadata requires a positive \"pid\": %v", err)}
		}
		duration := time.Duration(p.DurationSeconds) * time.Second
		if duration <= 0 {
			duration = 30 * time.Second
		}
		argv := []string{"truss", "-p", fmt.Sprintf("%d", p.PID)}
		res := runner.Run(ctx, argv, nil, duration)
		if !res.OK && res.ExitCode == -1 && res.Err != nil && res.Duration >= duration {
			// A trace that runs for its full configured duration and is then
			// terminated by timeout is the expected success path, not a
			// failure: the runner's timeout termination is how the trace
			// window ends.
			return handlers.Result{OK: true, Message: "trace window elapsed", Extra: map[string]interface{}{"output": res.Stdout}}
		}
		if !res.OK {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
		}
		return handlers.Result{OK: true, Message: "trace complete", Extra: map[string]interface{}{"output": res.Stdout}}
	}
}
