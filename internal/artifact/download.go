package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/taskerr"
)

// StorageLocation is the subset of a storage location row the coordinator
// needs.
type StorageLocation struct {
	ID                string
	RootPath          string
	Type              string
	Enabled           bool
	AllowedExtensions []string
}

// LocationStore is the narrow store interface the coordinator depends on
// for storage location lookups and aggregate stat maintenance.
type LocationStore interface {
	GetStorageLocation(ctx context.Context, id string) (StorageLocation, error)
	IncrementLocationStats(ctx context.Context, id string, fileCountDelta int, totalSizeDelta int64) error
	RecountLocationStats(ctx context.Context, id string) error
}

// ArtifactRecord mirrors one row of the Artifact table.
type ArtifactRecord struct {
	Path     string
	Size     int64
	Checksum string
}

// ArtifactStore is the narrow store interface for artifact rows.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, locationID, path string, size int64, checksum string) error
	ListArtifactsByLocation(ctx context.Context, locationID string) ([]ArtifactRecord, error)
	DeleteArtifactByPath(ctx context.Context, locationID, path string) error
	RefreshLastVerified(ctx context.Context, locationID, path string) error
}

// RunningDownloadsProvider lets the scan coordinator ask the scheduler
// which artifact_download_url tasks are currently running, without the
// artifact package depending on the scheduler package.
type RunningDownloadsProvider interface {
	RunningDownloads() []RunningDownload
}

// Coordinator implements both download and scan handlers, sharing the
// path-resolution and store dependencies between them so their notion of
// "the destination path" for a given task never diverges.
type Coordinator struct {
	Locations        LocationStore
	Artifacts        ArtifactStore
	Running          RunningDownloadsProvider
	HTTPClient       *http.Client
	ProgressInterval time.Duration
}

// NewCoordinator builds a Coordinator with sane defaults.
func NewCoordinator(locations LocationStore, artifacts ArtifactStore, running RunningDownloadsProvider, timeout time.Duration, progressInterval time.Duration) *Coordinator {
	if progressInterval <= 0 {
		progressInterval = 10 * time.Second
	}
	return &Coordinator{
		Locations:        locations,
		Artifacts:        artifacts,
		Running:          running,
		HTTPClient:       &http.Client{Timeout: timeout},
		ProgressInterval: progressInterval,
	}
}

// RegisterDownload wires artifact_download_url into reg.
func RegisterDownload(reg *handlers.Registry, c *Coordinator, handlerTimeout time.Duration) {
	reg.Register("artifact_download_url", handlers.CategoryNone, handlerTimeout, c.download)
}

func (c *Coordinator) download(ctx context.Context, target string, metadata []byte, progress handlers.Progress) handlers.Result {
	p, err := ParseDownloadMetadata(metadata)
	if err != nil || p.URL == "" || p.StorageLocationID == "" {
		return handlers.Result{Err: taskerr.Validation("artifact_download_url: metadata requires \"url\" and \"storage_location_id\": %v", err)}
	}

	loc, err := c.Locations.GetStorageLocation(ctx, p.StorageLocationID)
	if err != nil {
		return handlers.Result{Err: taskerr.Precondition("artifact_download_url: unknown storage_location_id %s: %v", p.StorageLocationID, err)}
	}
	if !loc.Enabled {
		return handlers.Result{Err: taskerr.Precondition("artifact_download_url: storage location %s is disabled", p.StorageLocationID)}
	}

	destPath, err := ResolvePath(loc.RootPath, p)
	if err != nil {
		return handlers.Result{Err: taskerr.Validation("artifact_download_url: %v", err)}
	}

	if _, statErr := os.Stat(destPath); statErr == nil && !p.Overwrite {
		return handlers.Result{Err: taskerr.Precondition("artifact_download_url: %s already exists and overwrite is false", destPath)}
	}

	// Pre-create with permissive mode so a non-privileged service user can
	// stream into a file initially touched with elevated rights, avoiding a
	// later chown/chmod round trip.
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "create destination file", err)}
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindValidation, "build download request", err)}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		os.Remove(destPath)
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "download request failed", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Remove(destPath)
		return handlers.Result{Err: taskerr.New(taskerr.KindTransientOS, fmt.Sprintf("download returned status %d", resp.StatusCode))}
	}

	written, err := c.streamWithProgress(ctx, f, resp.Body, resp.ContentLength, progress)
	if err != nil {
		os.Remove(destPath)
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "stream download body", err)}
	}

	checksum, err := digestFile(destPath, p.Algorithm)
	if err != nil {
		os.Remove(destPath)
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "compute checksum", err)}
	}

	if p.ExpectedChecksum != "" && checksum != p.ExpectedChecksum {
		os.Remove(destPath)
		return handlers.Result{Err: taskerr.New(taskerr.KindValidation, fmt.Sprintf("checksum mismatch: expected %s, got %s", p.ExpectedChecksum, checksum))}
	}

	if err := c.Artifacts.InsertArtifact(ctx, p.StorageLocationID, destPath, written, checksum); err != nil {
		os.Remove(destPath)
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindTransientOS, "insert artifact row", err)}
	}
	if err := c.Locations.IncrementLocationStats(ctx, p.StorageLocationID, 1, written); err != nil {
		return handlers.Result{Err: taskerr.Wrap(taskerr.KindCleanup, "artifact stored but location stats increment failed", err)}
	}

	return handlers.Result{OK: true, Message: fmt.Sprintf("downloaded %s (%d bytes)", destPath, written), Extra: map[string]interface{}{"path": destPath, "checksum": checksum, "bytes": written}}
}

// streamWithProgress copies src into dst, reporting bytes/total/speed/ETA
// at c.ProgressInterval and on completion.
func (c *Coordinator) streamWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress handlers.Progress) (int64, error) {
	start := time.Now()
	var written int64
	lastReport := start
	buf := make([]byte, 256*1024)

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)

			if time.Since(lastReport) >= c.ProgressInterval {
				reportProgress(progress, written, total, start)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			reportProgress(progress, written, total, start)
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func reportProgress(progress handlers.Progress, written, total int64, start time.Time) {
	elapsed := time.Since(start).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(written) / elapsed
	}
	info := map[string]interface{}{"bytes": written, "speed_bytes_per_sec": speed}
	percent := 0
	if total > 0 {
		percent = int(float64(written) / float64(total) * 100)
		info["total"] = total
		if speed > 0 {
			remaining := float64(total-written) / speed
			info["eta_seconds"] = remaining
		}
	}
	progress.Report(percent, info)
}

func digestFile(path, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h hash.Hash
	switch algorithm {
	case "", "sha256":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
