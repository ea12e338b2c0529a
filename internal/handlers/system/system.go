// Package system implements the system_config handler family: hostname,
// timezone, and time-sync configuration. Hostname and timezone changes
// signal a "reboot required" flag via an external hook function supplied
// at registration time, since the hook's implementation (marking a host
// row, paging an operator, etc.) is outside this core's concern.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const defaultTimeout = 5 * time.Minute

// pkgInstallTimeout is the long timeout for switch_time_sync_system,
// which installs the target time-sync package before switching to it.
const pkgInstallTimeout = 5 * time.Minute

const zoneinfoDir = "/usr/share/lib/zoneinfo"

// RebootRequiredHook is invoked after a successful hostname or timezone
// change so the host record can be flagged for an operator-visible reboot
// notice. It must not block.
type RebootRequiredHook func(host string)

type hostnameParams struct {
	Hostname string `json:"hostname"`
}

type timezoneParams struct {
	Timezone string `json:"timezone"`
}

type timeSyncConfigParams struct {
	Servers []string `json:"servers,omitempty"`
	PoolURL string   `json:"pool_url,omitempty"`
}

type switchTimeSyncParams struct {
	System  string `json:"system"`
	Package string `json:"package"`
}

// Register wires the system_config family into reg.
func Register(reg *handlers.Registry, runner *command.Runner, host string, onRebootRequired RebootRequiredHook) {
	reg.Register("set_hostname", handlers.CategorySystemConfig, defaultTimeout, setHostname(runner, host, onRebootRequired))
	reg.Register("set_timezone", handlers.CategorySystemConfig, defaultTimeout, setTimezone(runner, host, onRebootRequired))
	reg.Register("update_time_sync_config", handlers.CategorySystemConfig, defaultTimeout, updateTimeSyncConfig(runner))
	reg.Register("force_time_sync", handlers.CategorySystemConfig, defaultTimeout, forceTimeSync(runner))
	// switch_time_sync_system is uncategorized at the source but mutates
	// system_config-protected state, so it is registered under the same
	// category here.
	reg.Register("switch_time_sync_system", handlers.CategorySystemConfig, pkgInstallTimeout, switchTimeSyncSystem(runner))
}

func setHostname(runner *command.Runner, host string, onRebootRequired RebootRequiredHook) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p hostnameParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Hostname == "" {
			return handlers.Result{Err: taskerr.Validation("set_hostname: metadata requires \"hostname\": %v", err)}
		}
		res := runner.Run(ctx, []string{"hostname", p.Hostname}, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		if onRebootRequired != nil {
			onRebootRequired(host)
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("hostname set to %s (reboot required)", p.Hostname)}
	}
}

func setTimezone(runner *command.Runner, host string, onRebootRequired RebootRequiredHook) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p timezoneParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Timezone == "" {
			return handlers.Result{Err: taskerr.Validation("set_timezone: metadata requires \"timezone\": %v", err)}
		}
		if !zoneFileExists(p.Timezone) {
			return handlers.Result{Err: taskerr.Precondition("set_timezone: zone file for %q does not exist", p.Timezone)}
		}
		if err := writeTimezoneFile(p.Timezone); err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "set_timezone: write /etc/TIMEZONE", err)}
		}
		if onRebootRequired != nil {
			onRebootRequired(host)
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("timezone set to %s (reboot required)", p.Timezone)}
	}
}

// zoneFileExists is a var so tests can stub it without touching the
// filesystem.
var zoneFileExists = func(tz string) bool {
	_, err := os.Stat(zoneinfoDir + "/" + tz)
	return err == nil
}

// writeTimezoneFile is a var so tests can stub it without touching the
// filesystem. Written directly rather than via a shell redirection so
// tz, which comes straight from task metadata, never reaches a shell.
var writeTimezoneFile = func(tz string) error {
	return os.WriteFile("/etc/TIMEZONE", []byte(fmt.Sprintf("TZ=%s\n", tz)), 0644)
}

func updateTimeSyncConfig(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p timeSyncConfigParams
		if err := json.Unmarshal(metadata, &p); err != nil {
			return handlers.Result{Err: taskerr.Validation("update_time_sync_config: invalid metadata: %v", err)}
		}
		if len(p.Servers) == 0 && p.PoolURL == "" {
			return handlers.Result{Err: taskerr.Validation("update_time_sync_config: at least one of servers or pool_url is required")}
		}
		argv := []string{"svccfg", "-s", "svc:/network/ntp:default", "setprop", "config/servers"}
		if p.PoolURL != "" {
			argv = append(argv, "=", p.PoolURL)
		} else {
			argv = append(argv, "=", joinStrings(p.Servers, " "))
		}
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		refreshRes := runner.Run(ctx, []string{"svcadm", "refresh", "svc:/network/ntp:default"}, nil, defaultTimeout)
		return toResult(refreshRes, "time sync configuration updated")
	}
}

func forceTimeSync(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		res := runner.Run(ctx, []string{"ntpdate", "-u"}, nil, defaultTimeout)
		return toResult(res, "time sync forced")
	}
}

func switchTimeSyncSystem(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p switchTimeSyncParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.System == "" || p.Package == "" {
			return handlers.Result{Err: taskerr.Validation("switch_time_sync_system: metadata requires \"system\" and \"package\": %v", err)}
		}
		progress.Report(10, map[string]interface{}{"step": "installing package"})
		installRes := runner.Run(ctx, []string{"pkg", "install", p.Package}, nil, pkgInstallTimeout)
		if !installRes.OK {
			return toResult(installRes, "")
		}
		progress.Report(70, map[string]interface{}{"step": "enabling service"})
		enableRes := runner.Run(ctx, []string{"svcadm", "enable", p.System}, nil, defaultTimeout)
		return toResult(enableRes, fmt.Sprintf("time sync system switched to %s", p.System))
	}
}

func joinStrings(items []string, sep string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}

func toResult(res command.Result, okMessage string) handlers.Result {
	if !res.OK {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
	}
	return handlers.Result{OK: true, Message: okMessage}
}
