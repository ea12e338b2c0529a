// Package zone implements the zone lifecycle handlers: start, stop,
// restart, delete, and the discovery sweep. None of these carry a
// category, so multiple zone operations may run concurrently, including
// against the same zone — the underlying zoneadm/zonecfg commands
// serialize themselves per zone in practice.
package zone

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const defaultTimeout = 5 * time.Minute

type stopParams struct {
	Force bool `json:"force,omitempty"`
}

// Cleanup is the subset of the Task Store zone_delete needs beyond the
// zoneadm/zonecfg commands themselves: purging the zone-scoped
// NetworkInterfaces/NetworkUsage/IPAddresses rows (prefix-matched on the
// zone name, since its VNICs and addresses are named from it) and
// cancelling any task still pending against this zone.
type Cleanup interface {
	PurgeZoneScopedState(ctx context.Context, zoneName string) error
}

// Register wires every zone_* handler into reg, using runner to invoke
// zoneadm/zonecfg.
func Register(reg *handlers.Registry, runner *command.Runner, cleanup Cleanup) {
	reg.Register("zone_start", handlers.CategoryNone, defaultTimeout, startHandler(runner))
	reg.Register("zone_stop", handlers.CategoryNone, defaultTimeout, stopHandler(runner))
	reg.Register("zone_restart", handlers.CategoryNone, defaultTimeout, restartHandler(runner))
	reg.Register("zone_delete", handlers.CategoryNone, defaultTimeout, deleteHandler(runner, cleanup))
	reg.Register("zone_discover", handlers.CategoryNone, defaultTimeout, discoverHandler(runner))
}

func startHandler(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		res := runner.Run(ctx, []string{"zoneadm", "-z", target, "boot"}, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("zone %s started", target))
	}
}

func stopHandler(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p stopParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("zone_stop: invalid metadata: %v", err)}
			}
		}
		argv := []string{"zoneadm", "-z", target, "halt"}
		if p.Force {
			argv = []string{"zoneadm", "-z", target, "halt", "-X"}
		}
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("zone %s stopped", target))
	}
}

func restartHandler(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		progress.Report(10, nil)
		haltRes := runner.Run(ctx, []string{"zoneadm", "-z", target, "halt"}, nil, defaultTimeout)
		if !haltRes.OK {
			return toResult(haltRes, "")
		}
		progress.Report(50, nil)
		bootRes := runner.Run(ctx, []string{"zoneadm", "-z", target, "boot"}, nil, defaultTimeout)
		return toResult(bootRes, fmt.Sprintf("zone %s restarted", target))
	}
}

func deleteHandler(runner *command.Runner, cleanup Cleanup) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		// Terminate any VNC console session before halting; a lingering
		// viewer otherwise holds the zone's console device open.
		runner.Run(ctx, []string{"pkill", "-f", fmt.Sprintf("vnc.*%s", target)}, nil, defaultTimeout)

		// A zone that is already down fails halt harmlessly; proceed regardless.
		runner.Run(ctx, []string{"zoneadm", "-z", target, "halt"}, nil, defaultTimeout)

		progress.Report(30, nil)
		uninstallRes := runner.Run(ctx, []string{"zoneadm", "-z", target, "uninstall", "-F"}, nil, defaultTimeout)
		if !uninstallRes.OK {
			return toResult(uninstallRes, "")
		}

		progress.Report(80, nil)
		deleteRes := runner.Run(ctx, []string{"zonecfg", "-z", target, "delete", "-F"}, nil, defaultTimeout)
		if !deleteRes.OK {
			return toResult(deleteRes, "")
		}

		if err := cleanup.PurgeZoneScopedState(ctx, target); err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "zone deleted but zone-scoped state purge failed", err)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("zone %s deleted", target)}
	}
}

// DiscoveredZone is one zone reported by a zone_discover sweep. It is
// plain data (no periodic dependency here) so internal/periodic's
// reconciliation driver, which owns the Store reference this handler
// intentionally does not have, can translate it into its own ObservedZone.
type DiscoveredZone struct {
	Name  string
	Brand string
	State string
}

// discoverHandler enumerates zoneadm's known zones and reports them via
// Extra; reconciliation against the Zone table (with the Bloom filter
// pre-filter) is performed by cmd/taskengine with the internal/periodic
// helpers once the task completes.
func discoverHandler(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		res := runner.Run(ctx, []string{"zoneadm", "list", "-cp"}, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		zones := parseZoneadmList(res.Stdout)
		return handlers.Result{
			OK:      true,
			Message: fmt.Sprintf("discovered %d zones", len(zones)),
			Extra:   map[string]interface{}{"zones": zones},
		}
	}
}

// parseZoneadmList extracts zone name/state/brand from `zoneadm list -cp`
// output, whose colon-delimited fields are
// zoneid:zonename:state:zonepath:uuid:iptype:brand:r/w.
func parseZoneadmList(out string) []DiscoveredZone {
	var zones []DiscoveredZone
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 2 || fields[1] == "" {
			continue
		}
		zone := DiscoveredZone{Name: fields[1]}
		if len(fields) > 2 {
			zone.State = fields[2]
		}
		if len(fields) > 6 {
			zone.Brand = fields[6]
		}
		zones = append(zones, zone)
	}
	return zones
}

func toResult(res command.Result, okMessage string) handlers.Result {
	if !res.OK {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
	}
	return handlers.Result{OK: true, Message: okMessage}
}
