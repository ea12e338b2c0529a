// Package service implements the service_{enable,disable,restart,refresh}
// handler family: thin wrappers over the host service manager. None of
// these carry a category.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const defaultTimeout = 5 * time.Minute

// Register wires the service_* family into reg.
func Register(reg *handlers.Registry, runner *command.Runner) {
	reg.Register("service_enable", handlers.CategoryNone, defaultTimeout, svcadm(runner, "enable", "enabled"))
	reg.Register("service_disable", handlers.CategoryNone, defaultTimeout, svcadm(runner, "disable", "disabled"))
	reg.Register("service_restart", handlers.CategoryNone, defaultTimeout, svcadm(runner, "restart", "restarted"))
	reg.Register("service_refresh", handlers.CategoryNone, defaultTimeout, svcadm(runner, "refresh", "refreshed"))
}

func svcadm(runner *command.Runner, subcommand, verb string) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		res := runner.Run(ctx, []string{"svcadm", subcommand, target}, nil, defaultTimeout)
		if !res.OK {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("service %s %s", target, verb)}
	}
}
