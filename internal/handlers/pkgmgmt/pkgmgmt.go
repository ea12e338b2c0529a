// Package pkgmgmt implements the package_management handler family:
// pkg_*, beadm_*, and repository_* operations. Install/uninstall/update
// carry longer handler timeouts than the default, since package
// operations routinely outrun the 5-minute default.
package pkgmgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const (
	installTimeout = 10 * time.Minute
	updateTimeout  = 30 * time.Minute
	defaultTimeout = 5 * time.Minute
)

type pkgParams struct {
	Packages []string `json:"packages,omitempty"`
}

type repositoryParams struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Register wires the package_management family into reg. pkg_install
// reports progress before running; repository_add runs a follow-up disable
// step when enabled:false is requested. The beadm_* operations share a
// generic argv-template handler, and repository_{remove,modify,enable,
// disable} share another, since their host command shape does not vary.
func Register(reg *handlers.Registry, runner *command.Runner) {
	reg.Register("pkg_install", handlers.CategoryPackageManagement, installTimeout, pkgInstall(runner))
	reg.Register("pkg_uninstall", handlers.CategoryPackageManagement, installTimeout, pkgUninstall(runner))
	reg.Register("pkg_update", handlers.CategoryPackageManagement, updateTimeout, pkgUpdate(runner))
	reg.Register("pkg_refresh", handlers.CategoryPackageManagement, defaultTimeout, pkgRefresh(runner))

	for _, op := range []struct {
		name string
		argv func(string) []string
	}{
		{"beadm_create", func(t string) []string { return []string{"beadm", "create", t} }},
		{"beadm_delete", func(t string) []string { return []string{"beadm", "destroy", "-F", t} }},
		{"beadm_activate", func(t string) []string { return []string{"beadm", "activate", t} }},
		{"beadm_mount", func(t string) []string { return []string{"beadm", "mount", t, "/mnt/" + t} }},
		{"beadm_unmount", func(t string) []string { return []string{"beadm", "unmount", t} }},
	} {
		op := op
		reg.Register(op.name, handlers.CategoryPackageManagement, defaultTimeout, genericHandler(runner, op.name, op.argv))
	}

	reg.Register("repository_add", handlers.CategoryPackageManagement, defaultTimeout, repositoryAdd(runner))
	reg.Register("repository_remove", handlers.CategoryPackageManagement, defaultTimeout, repositoryModify(runner, "repository_remove", func(p repositoryParams) []string {
		return []string{"pkg", "unset-publisher", p.Name}
	}))
	reg.Register("repository_modify", handlers.CategoryPackageManagement, defaultTimeout, repositoryModify(runner, "repository_modify", func(p repositoryParams) []string {
		return []string{"pkg", "set-publisher", "-O", p.URL, p.Name}
	}))
	reg.Register("repository_enable", handlers.CategoryPackageManagement, defaultTimeout, repositoryModify(runner, "repository_enable", func(p repositoryParams) []string {
		return []string{"pkg", "set-publisher", "-e", p.Name}
	}))
	reg.Register("repository_disable", handlers.CategoryPackageManagement, defaultTimeout, repositoryModify(runner, "repository_disable", func(p repositoryParams) []string {
		return []string{"pkg", "set-publisher", "-d", p.Name}
	}))
}

func pkgInstall(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p pkgParams
		if err := json.Unmarshal(metadata, &p); err != nil || len(p.Packages) == 0 {
			return handlers.Result{Err: taskerr.Validation("pkg_install: metadata requires non-empty \"packages\": %v", err)}
		}
		progress.Report(5, map[string]interface{}{"packages": p.Packages})
		argv := append([]string{"pkg", "install"}, p.Packages...)
		res := runner.Run(ctx, argv, nil, installTimeout)
		return toResult(res, fmt.Sprintf("installed %d package(s)", len(p.Packages)))
	}
}

func pkgUninstall(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p pkgParams
		if err := json.Unmarshal(metadata, &p); err != nil || len(p.Packages) == 0 {
			return handlers.Result{Err: taskerr.Validation("pkg_uninstall: metadata requires non-empty \"packages\": %v", err)}
		}
		argv := append([]string{"pkg", "uninstall"}, p.Packages...)
		res := runner.Run(ctx, argv, nil, installTimeout)
		return toResult(res, fmt.Sprintf("uninstalled %d package(s)", len(p.Packages)))
	}
}

func pkgUpdate(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p pkgParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("pkg_update: invalid metadata: %v", err)}
			}
		}
		argv := append([]string{"pkg", "update"}, p.Packages...)
		res := runner.Run(ctx, argv, nil, updateTimeout)
		return toResult(res, "package update complete")
	}
}

func pkgRefresh(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		res := runner.Run(ctx, []string{"pkg", "refresh"}, nil, defaultTimeout)
		return toResult(res, "package catalog refreshed")
	}
}

// repositoryAdd requires a follow-up disable step when enabled:false is
// requested, since pkg set-publisher adds a repository enabled by default.
func repositoryAdd(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p repositoryParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Name == "" || p.URL == "" {
			return handlers.Result{Err: taskerr.Validation("repository_add: metadata requires \"name\" and \"url\": %v", err)}
		}
		res := runner.Run(ctx, []string{"pkg", "set-publisher", "-g", p.URL, p.Name}, nil, defaultTimeout)
		if !res.OK {
			return toResult(res, "")
		}
		if p.Enabled != nil && !*p.Enabled {
			disableRes := runner.Run(ctx, []string{"pkg", "set-publisher", "-d", p.Name}, nil, defaultTimeout)
			if !disableRes.OK {
				return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "repository added but follow-up disable failed", disableRes.Err)}
			}
			return handlers.Result{OK: true, Message: fmt.Sprintf("repository %s added and disabled", p.Name)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("repository %s added", p.Name)}
	}
}

func repositoryModify(runner *command.Runner, operation string, argvFn func(repositoryParams) []string) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p repositoryParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Name == "" {
			return handlers.Result{Err: taskerr.Validation("%s: metadata requires \"name\": %v", operation, err)}
		}
		res := runner.Run(ctx, argvFn(p), nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("%s ok", operation))
	}
}

func genericHandler(runner *command.Runner, operation string, argvFn func(string) []string) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		res := runner.Run(ctx, argvFn(target), nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("%s %s ok", operation, target))
	}
}

func toResult(res command.Result, okMessage string) handlers.Result {
	if !res.OK {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
	}
	return handlers.Result{OK: true, Message: okMessage}
}
