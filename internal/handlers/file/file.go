// Package file implements the file_* handler family: move, copy, and
// archive create/extract, delegated to the host's standard filesystem
// tools. None of these carry a category.
package file

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

const defaultTimeout = 5 * time.Minute

type moveCopyParams struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type archiveCreateParams struct {
	Paths   []string `json:"paths"`
	DestTar string   `json:"dest_tar"`
}

type archiveExtractParams struct {
	SourceTar   string `json:"source_tar"`
	Destination string `json:"destination"`
}

// Register wires the file_* family into reg.
func Register(reg *handlers.Registry, runner *command.Runner) {
	reg.Register("file_move", handlers.CategoryNone, defaultTimeout, fileMove(runner))
	reg.Register("file_copy", handlers.CategoryNone, defaultTimeout, fileCopy(runner))
	reg.Register("file_archive_create", handlers.CategoryNone, defaultTimeout, archiveCreate(runner))
	reg.Register("file_archive_extract", handlers.CategoryNone, defaultTimeout, archiveExtract(runner))
}

func fileMove(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p moveCopyParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Source == "" || p.Destination == "" {
			return handlers.Result{Err: taskerr.Validation("file_move: metadata requires \"source\" and \"destination\": %v", err)}
		}
		res := runner.Run(ctx, []string{"mv", p.Source, p.Destination}, nil, defaultTimeout)
		return toResult(res, "move complete")
	}
}

func fileCopy(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p moveCopyParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.Source == "" || p.Destination == "" {
			return handlers.Result{Err: taskerr.Validation("file_copy: metadata requires \"source\" and \"destination\": %v", err)}
		}
		res := runner.Run(ctx, []string{"cp", "-r", p.Source, p.Destination}, nil, defaultTimeout)
		return toResult(res, "copy complete")
	}
}

func archiveCreate(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p archiveCreateParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.DestTar == "" || len(p.Paths) == 0 {
			return handlers.Result{Err: taskerr.Validation("file_archive_create: metadata requires \"dest_tar\" and non-empty \"paths\": %v", err)}
		}
		argv := append([]string{"tar", "-czf", p.DestTar}, p.Paths...)
		res := runner.Run(ctx, argv, nil, defaultTimeout)
		return toResult(res, "archive created")
	}
}

func archiveExtract(runner *command.Runner) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		var p archiveExtractParams
		if err := json.Unmarshal(metadata, &p); err != nil || p.SourceTar == "" || p.Destination == "" {
			return handlers.Result{Err: taskerr.Validation("file_archive_extract: metadata requires \"source_tar\" and \"destination\": %v", err)}
		}
		res := runner.Run(ctx, []string{"tar", "-xzf", p.SourceTar, "-C", p.Destination}, nil, defaultTimeout)
		return toResult(res, "archive extracted")
	}
}

func toResult(res command.Result, okMessage string) handlers.Result {
	if !res.OK {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, res.Stderr, res.Err)}
	}
	return handlers.Result{OK: true, Message: okMessage}
}
