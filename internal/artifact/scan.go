package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

// AllLocations is the subset of LocationStore the scan-all variant needs
// beyond the single-location lookup.
type AllLocations interface {
	ListEnabledLocations(ctx context.Context) ([]StorageLocation, error)
}

// RegisterScan wires artifact_scan_all and artifact_scan_location into
// reg, sharing the Coordinator used for downloads so the race-avoidance
// skip-set always reflects the same in-flight download state.
func RegisterScan(reg *handlers.Registry, c *Coordinator, all AllLocations, handlerTimeout time.Duration) {
	reg.Register("artifact_scan_location", handlers.CategoryNone, handlerTimeout, c.scanLocationHandler())
	reg.Register("artifact_scan_all", handlers.CategoryNone, handlerTimeout, c.scanAllHandler(all))
}

func (c *Coordinator) scanLocationHandler() handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		p, err := parseScanMetadata(metadata)
		if err != nil || p.StorageLocationID == "" {
			return handlers.Result{Err: taskerr.Validation("artifact_scan_location: metadata requires \"storage_location_id\": %v", err)}
		}
		loc, err := c.Locations.GetStorageLocation(ctx, p.StorageLocationID)
		if err != nil {
			return handlers.Result{Err: taskerr.Precondition("artifact_scan_location: unknown storage_location_id %s: %v", p.StorageLocationID, err)}
		}
		added, removed, err := c.scanOne(ctx, loc, p.RemoveOrphaned)
		if err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "scan location", err)}
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("scan complete: added=%d removed=%d", added, removed), Extra: map[string]interface{}{"added": added, "removed": removed}}
	}
}

func (c *Coordinator) scanAllHandler(all AllLocations) handlers.HandlerFunc {
	return func(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
		p, err := parseScanMetadata(metadata)
		if err != nil {
			return handlers.Result{Err: taskerr.Validation("artifact_scan_all: invalid metadata: %v", err)}
		}
		locations, err := all.ListEnabledLocations(ctx)
		if err != nil {
			return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "list enabled locations", err)}
		}
		var totalAdded, totalRemoved int
		for i, loc := range locations {
			added, removed, err := c.scanOne(ctx, loc, p.RemoveOrphaned)
			if err != nil {
				return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, fmt.Sprintf("scan location %s", loc.ID), err)}
			}
			totalAdded += added
			totalRemoved += removed
			progress.Report(int(float64(i+1)/float64(len(locations))*100), map[string]interface{}{"location": loc.ID})
		}
		return handlers.Result{OK: true, Message: fmt.Sprintf("scan-all complete: added=%d removed=%d", totalAdded, totalRemoved), Extra: map[string]interface{}{"added": totalAdded, "removed": totalRemoved}}
	}
}

// scanOne performs the race-safe scan of one storage location, returning
// counts of artifacts added and removed.
func (c *Coordinator) scanOne(ctx context.Context, loc StorageLocation, removeOrphaned bool) (added, removed int, err error) {
	skip, err := SkipSet(loc.RootPath, loc.ID, c.Running.RunningDownloads())
	if err != nil {
		return 0, 0, err
	}

	entries, err := os.ReadDir(loc.RootPath)
	if err != nil {
		return 0, 0, err
	}

	existing, err := c.Artifacts.ListArtifactsByLocation(ctx, loc.ID)
	if err != nil {
		return 0, 0, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		known[a.Path] = struct{}{}
	}

	onDisk := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !hasAllowedExtension(entry.Name(), loc.AllowedExtensions) {
			continue
		}
		fullPath := filepath.Join(loc.RootPath, entry.Name())
		if _, skipped := skip[fullPath]; skipped {
			continue
		}
		onDisk[fullPath] = struct{}{}

		if _, alreadyKnown := known[fullPath]; alreadyKnown {
			if err := c.Artifacts.RefreshLastVerified(ctx, loc.ID, fullPath); err != nil {
				return added, removed, err
			}
			continue
		}

		info, statErr := entry.Info()
		if statErr != nil {
			continue
		}
		if err := c.Artifacts.InsertArtifact(ctx, loc.ID, fullPath, info.Size(), ""); err != nil {
			return added, removed, err
		}
		added++
	}

	if removeOrphaned {
		for path := range known {
			if _, stillOnDisk := onDisk[path]; stillOnDisk {
				continue
			}
			if _, skipped := skip[path]; skipped {
				continue
			}
			if err := c.Artifacts.DeleteArtifactByPath(ctx, loc.ID, path); err != nil {
				return added, removed, err
			}
			removed++
		}
	}

	if err := c.Locations.RecountLocationStats(ctx, loc.ID); err != nil {
		return added, removed, err
	}
	return added, removed, nil
}

func parseScanMetadata(metadata []byte) (ScanParams, error) {
	var p ScanParams
	if len(metadata) == 0 {
		return p, nil
	}
	return p, json.Unmarshal(metadata, &p)
}
