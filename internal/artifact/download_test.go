package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type recordingProgress struct {
	calls []int
}

func (r *recordingProgress) Report(percent int, info map[string]interface{}) {
	r.calls = append(r.calls, percent)
}

func TestDownload_Success(t *testing.T) {
	body := []byte("artifact contents for checksum test")
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	dir := t.TempDir()
	locations := &fakeLocationStore{locations: map[string]StorageLocation{
		"loc1": {ID: "loc1", RootPath: dir, Enabled: true},
	}}
	artifacts := &fakeArtifactStore{byLocation: map[string][]ArtifactRecord{}}

	c := NewCoordinator(locations, artifacts, &fakeRunningDownloads{}, 5*time.Second, 10*time.Millisecond)

	metadata := []byte(`{"url":"` + server.URL + `/file.bin","storage_location_id":"loc1","expected_checksum":"` + checksum + `"}`)
	progress := &recordingProgress{}
	result := c.download(context.Background(), "loc1", metadata, progress)

	if !result.OK {
		t.Fatalf("download failed: %v", result.Err)
	}
	if len(artifacts.inserted) != 1 {
		t.Fatalf("expected one artifact inserted, got %d", len(artifacts.inserted))
	}
	if artifacts.inserted[0].Checksum != checksum {
		t.Errorf("checksum = %q, want %q", artifacts.inserted[0].Checksum, checksum)
	}
}

func TestDownload_ChecksumMismatchDeletesFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unexpected content"))
	}))
	defer server.Close()

	dir := t.TempDir()
	locations := &fakeLocationStore{locations: map[string]StorageLocation{
		"loc1": {ID: "loc1", RootPath: dir, Enabled: true},
	}}
	artifacts := &fakeArtifactStore{byLocation: map[string][]ArtifactRecord{}}
	c := NewCoordinator(locations, artifacts, &fakeRunningDownloads{}, 5*time.Second, 0)

	metadata := []byte(`{"url":"` + server.URL + `/file.bin","storage_location_id":"loc1","expected_checksum":"deadbeef"}`)
	result := c.download(context.Background(), "loc1", metadata, &recordingProgress{})

	if result.OK {
		t.Fatalf("expected checksum mismatch to fail the download")
	}
	if _, err := os.Stat(filepath.Join(dir, "file.bin")); !os.IsNotExist(err) {
		t.Errorf("expected destination file to be removed after checksum mismatch")
	}
	if len(artifacts.inserted) != 0 {
		t.Errorf("expected no artifact row on checksum mismatch")
	}
}

func TestDownload_RejectsExistingFileWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "file.bin")
	if err := os.WriteFile(existing, []byte("already here"), 0644); err != nil {
		t.Fatalf("seed existing file: %v", err)
	}

	locations := &fakeLocationStore{locations: map[string]StorageLocation{
		"loc1": {ID: "loc1", RootPath: dir, Enabled: true},
	}}
	artifacts := &fakeArtifactStore{byLocation: map[string][]ArtifactRecord{}}
	c := NewCoordinator(locations, artifacts, &fakeRunningDownloads{}, 5*time.Second, 0)

	metadata := []byte(`{"url":"https://example.com/file.bin","storage_location_id":"loc1"}`)
	result := c.download(context.Background(), "loc1", metadata, &recordingProgress{})

	if result.OK {
		t.Fatalf("expected a precondition failure for an existing file without overwrite")
	}
}
