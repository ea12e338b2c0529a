package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type fakeLocationStore struct {
	locations map[string]StorageLocation
	recounted []string
}

func (f *fakeLocationStore) GetStorageLocation(ctx context.Context, id string) (StorageLocation, error) {
	loc, ok := f.locations[id]
	if !ok {
		return StorageLocation{}, os.ErrNotExist
	}
	return loc, nil
}

func (f *fakeLocationStore) IncrementLocationStats(ctx context.Context, id string, fileCountDelta int, totalSizeDelta int64) error {
	return nil
}

func (f *fakeLocationStore) RecountLocationStats(ctx context.Context, id string) error {
	f.recounted = append(f.recounted, id)
	return nil
}

type fakeArtifactStore struct {
	byLocation map[string][]ArtifactRecord
	inserted   []ArtifactRecord
	deleted    []string
	refreshed  []string
}

func (f *fakeArtifactStore) InsertArtifact(ctx context.Context, locationID, path string, size int64, checksum string) error {
	f.inserted = append(f.inserted, ArtifactRecord{Path: path, Size: size, Checksum: checksum})
	return nil
}

func (f *fakeArtifactStore) ListArtifactsByLocation(ctx context.Context, locationID string) ([]ArtifactRecord, error) {
	return f.byLocation[locationID], nil
}

func (f *fakeArtifactStore) DeleteArtifactByPath(ctx context.Context, locationID, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeArtifactStore) RefreshLastVerified(ctx context.Context, locationID, path string) error {
	f.refreshed = append(f.refreshed, path)
	return nil
}

type fakeRunningDownloads struct {
	running []RunningDownload
}

func (f *fakeRunningDownloads) RunningDownloads() []RunningDownload { return f.running }

func TestScanOne_SkipsInFlightDownload(t *testing.T) {
	dir := t.TempDir()
	partialPath := filepath.Join(dir, "partial.iso")
	if err := os.WriteFile(partialPath, []byte("half"), 0644); err != nil {
		t.Fatalf("write partial file: %v", err)
	}
	completePath := filepath.Join(dir, "complete.iso")
	if err := os.WriteFile(completePath, []byte("all-of-it"), 0644); err != nil {
		t.Fatalf("write complete file: %v", err)
	}

	loc := StorageLocation{ID: "loc1", RootPath: dir, Enabled: true, AllowedExtensions: []string{"iso"}}
	meta, _ := json.Marshal(DownloadParams{URL: "https://example.com/partial.iso", StorageLocationID: "loc1"})

	locations := &fakeLocationStore{locations: map[string]StorageLocation{"loc1": loc}}
	artifacts := &fakeArtifactStore{byLocation: map[string][]ArtifactRecord{}}
	running := &fakeRunningDownloads{running: []RunningDownload{{TaskID: "t1", StorageLocationID: "loc1", Metadata: meta}}}

	c := &Coordinator{Locations: locations, Artifacts: artifacts, Running: running}

	added, removed, err := c.scanOne(context.Background(), loc, false)
	if err != nil {
		t.Fatalf("scanOne() error: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (only complete.iso)", added)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if len(artifacts.inserted) != 1 || artifacts.inserted[0].Path != completePath {
		t.Errorf("inserted = %v, want only %s", artifacts.inserted, completePath)
	}
}

func TestScanOne_RemovesOrphanedWhenRequested(t *testing.T) {
	dir := t.TempDir()
	loc := StorageLocation{ID: "loc1", RootPath: dir, Enabled: true, AllowedExtensions: []string{"iso"}}

	locations := &fakeLocationStore{locations: map[string]StorageLocation{"loc1": loc}}
	goneePath := filepath.Join(dir, "gone.iso")
	artifacts := &fakeArtifactStore{byLocation: map[string][]ArtifactRecord{"loc1": {{Path: goneePath, Size: 10}}}}
	running := &fakeRunningDownloads{}

	c := &Coordinator{Locations: locations, Artifacts: artifacts, Running: running}

	added, removed, err := c.scanOne(context.Background(), loc, true)
	if err != nil {
		t.Fatalf("scanOne() error: %v", err)
	}
	if added != 0 || removed != 1 {
		t.Errorf("added=%d removed=%d, want 0,1", added, removed)
	}
	if len(artifacts.deleted) != 1 || artifacts.deleted[0] != goneePath {
		t.Errorf("deleted = %v, want only %s", artifacts.deleted, goneePath)
	}
}
