// Package usermgmt implements the user_management handler family: user,
// group, and role administration. user_create's personal-group rollback
// and the name-too-long-is-a-warning rule are the two invariants this
// family is required to honor precisely.
package usermgmt

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

type userCreateParams struct {
	Username          string `json:"username"`
	HomeDir           string `json:"home_dir,omitempty"`
	Shell             string `json:"shell,omitempty"`
	CreatePersonalGroup bool `json:"create_personal_group,omitempty"`
}

type userModifyParams struct {
	HomeDir string `json:"home_dir,omitempty"`
	Shell   string `json:"shell,omitempty"`
}

type setPasswordParams struct {
	Password string `json:"password"`
}

type groupParams struct {
	GID string `json:"gid,omitempty"`
}

type roleParams struct {
	Profiles []string `json:"profiles,omitempty"`
}

// Register wires the user_management family into reg.
func Register(reg *handlers.Registry, runner *command.Runner) {
	reg.Register("user_create", handlers.CategoryUserManagement, defaultTimeout, userCreate(runner))
	reg.Register("user_modify", handlers.CategoryUserManagement, defaultTimeout, userModify(runner))
	reg.Register("user_delete", handlers.CategoryUserManagement, defaultTimeout, genericHandler(runner, "user_delete", func(t string) []string { return []string{"userdel", "-r", t} }))
	reg.Register("user_set_password", handlers.CategoryUserManagement, defaultTimeout, userSetPassword(runner))
	reg.Register("user_lock", handlers.CategoryUserManagement, defaultTimeout, genericHandler(runner, "user_lock", func(t string) []string { return []string{"passwd", "-l", t} }))
	reg.Register("user_unlock", handlers.CategoryUserManagement, defaultTimeout, genericHandler(runner, "user_unlock", func(t string) []string { return []string{"passwd", "-u", t} }))

	reg.Register("group_create", handlers.CategoryUserManagement, defaultTimeout, groupCreate(runner))
	reg.Register("group_modify", handlers.CategoryUserManagement, defaultTimeout, groupModify(runner))
	reg.Register("group_delete", handlers.CategoryUserManagement, defaultTimeout, genericHandler(runner, "group_delete", func(t string) []string { return []string{"groupdel", t} }))

	reg.Register("role_create", handlers.CategoryUserManagement, defaultTimeout, roleCreate(runner))
	reg.Register("role_modify", handlers.CategoryUserManagement, defaultTimeout, roleModify(runner))
	reg.Register("role_delete", handlers.CategoryUserManagement, defaultTimeout, genericHandler(runner, "role_delete", func(t string) []string { return []string{"roledel", "-r", t} }))
}

// userCreate optionally creates a matching personal group first. If
// groupadd succeeds but useradd subsequently fails, the personal group is
// rolled back via groupdel so a half-finished user_create never leaves an
// orphaned group on the host.
func userCreate(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p userCreateParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Username == "" {
			return handlers.Result{Err: taskerr.Validation("user_create: metadata requires \"username\": %v", err)}
		}

		groupCreated := false
		if p.CreatePersonalGroup {
			groupRes := runner.Run(ctx, []string{"groupadd", p.Username}, nil, defaultTimeout)
			if !groupRes.OK {
				return toResult(groupRes, "")
			}
			groupCreated = true
		}

		argv := []string{"useradd"}
		if p.CreatePersonalGroup {
			argv = append(argv, "-g", p.Username)
		}
		if p.HomeDir != "" {
			argv = append(argv, "-d", p.HomeDir, "-m")
		}
		if p.Shell != "" {
			argv = append(argv, "-s", p.Shell)
		}
		argv = append(argv, p.Username)

		res := runner.Run(ctx, argv, nil, defaultTimeout)
		if !res.OK {
			if groupCreated {
				runner.Run(ctx, []string{"groupdel", p.Username}, nil, defaultTimeout)
			}
			return toResult(res, "")
		}

		// useradd reports an overlong username on stderr without a non-zero
		// exit in some configurations; treat that case as a warning, not a
		// failure, per the family's documented behavior.
		if strings.Contains(strings.ToLower(res.Stderr), "too long") {
			return handlers.Result{OK: true, Message: fmt.Sprintf("user %s created (warning: %s)", p.Username, res.Stderr)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("user %s created", p.Username)}
	}
}

func userModify(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p userModifyParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("user_modify: invalid metadata: %v", err)}
			}
		}
		argv := []string{"usermod"}
		if p.HomeDir != "" {
			argv = append(argv, "-d", p.HomeDir)
		}
		if p.Shell != "" {
			argv = append(argv, "-s", p.Shell)
		}
		argv = append(argv, target)
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("user %s modified", target))
	}
}

func userSetPassword(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p setPasswordParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Password == "" {
			return handlers.Result{Err: taskerr.Validation("user_set_password: metadata requires \"password\"")}
		}
		res := runner.Run(ctx, []string{"passwd", target}, []byte(p.Password+"\n"+p.Password+"\n"), defaultTimeout)
		return toResult(res, fmt.Sprintf("password set for %s", target))
	}
}

func groupCreate(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p groupParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("group_create: invalid metadata: %v", err)}
			}
		}
		argv := []string{"groupadd"}
		if p.GID != "" {
			argv = append(argv, "-g", p.GID)
		}
		argv = append(argv, target)
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("group %s created", target))
	}
}

func groupModify(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p groupParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.GID == "" {
			return handlers.Result{Err: taskerr.Validation("group_modify: metadata requires \"gid\": %v", err)}
		}
		res := runner.Run(ctx, []string{"groupmod", "-g", p.GID, target}, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("group %s modified", target))
	}
}

func roleCreate(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p roleParams
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p); err != nil {
				return handlers.Result{Err: taskerr.Validation("role_create: invalid metadata: %v", err)}
			}
		}
		argv := []string{"roleadd"}
		if len(p.Profiles) > 0 {
			argv = append(argv, "-P", strings.Join(p.Profiles, ","))
		}
		argv = append(argv, target)
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("role %s created", target))
	}
}

func roleModify(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p roleParams
		if err := json.Unmarshal(metadata, &p); err != nil || len(p.Profiles) == 0 {
			return handlers.Result{Err: taskerr.Validation("role_modify: metadata requires non-empty \"profiles\": %v", err)}
		}
		res := runner.Run(ctx, []string{"rolemod", "-P", strings.Join(p.Profiles, ","), target}, nil, defaultTimeout)
		return toResult(res, fmt.Sprintf("role %s modified", target))
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
