// Package artifact implements C9, the Download/Scan Coordinator: a
// streaming artifact downloader and a directory scan reconciler that must
// never treat an in-flight download's partial file as an orphan.
package artifact

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// DownloadParams is the metadata payload of an artifact_download_url task.
type DownloadParams struct {
	URL                string `json:"url"`
	StorageLocationID  string `json:"storage_location_id"`
	Filename           string `json:"filename,omitempty"`
	ExpectedChecksum   string `json:"expected_checksum,omitempty"`
	Algorithm          string `json:"algorithm,omitempty"`
	Overwrite          bool   `json:"overwrite,omitempty"`
}

// ScanParams is the metadata payload of artifact_scan_all / artifact_scan_location.
type ScanParams struct {
	StorageLocationID string `json:"storage_location_id,omitempty"`
	RemoveOrphaned    bool   `json:"remove_orphaned,omitempty"`
}

// ResolveFilename returns the destination filename: the explicit filename
// if given, otherwise the URL's basename.
func ResolveFilename(p DownloadParams) (string, error) {
	if p.Filename != "" {
		return p.Filename, nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", p.URL, err)
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("cannot derive filename from url %q", p.URL)
	}
	return base, nil
}

// ResolvePath computes the final on-disk path for a download, rooted
// inside storageRoot. Both the download handler and the scan coordinator
// must use this same function so their notion of "the destination path"
// never diverges.
func ResolvePath(storageRoot string, p DownloadParams) (string, error) {
	filename, err := ResolveFilename(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(storageRoot, filename), nil
}

// ParseDownloadMetadata unmarshals a task's metadata into DownloadParams.
func ParseDownloadMetadata(metadata []byte) (DownloadParams, error) {
	var p DownloadParams
	if err := json.Unmarshal(metadata, &p); err != nil {
		return p, err
	}
	if p.Algorithm == "" {
		p.Algorithm = "sha256"
	}
	return p, nil
}

// RunningDownload is the minimal view the scan coordinator needs of an
// in-flight artifact_download_url task.
type RunningDownload struct {
	TaskID            string
	StorageLocationID string
	Metadata          []byte
}

// SkipSet builds the race-avoidance skip-set: the destination paths of
// every running download targeting locationID, recomputed with the same
// resolution logic the download handler itself uses.
func SkipSet(storageRoot, locationID string, running []RunningDownload) (map[string]struct{}, error) {
	skip := make(map[string]struct{})
	for _, rd := range running {
		if rd.StorageLocationID != locationID {
			continue
		}
		p, err := ParseDownloadMetadata(rd.Metadata)
		if err != nil {
			continue // malformed metadata on a running task cannot resolve a path; nothing to skip for it
		}
		destPath, err := ResolvePath(storageRoot, p)
		if err != nil {
			continue
		}
		skip[destPath] = struct{}{}
	}
	return skip, nil
}

// hasAllowedExtension reports whether name's extension (case-insensitive,
// without the dot) is in allowed.
func hasAllowedExtension(name string, allowed []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, a := range allowed {
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}
