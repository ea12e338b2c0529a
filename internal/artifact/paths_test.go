package artifact

import (
	"encoding/json"
	"testing"
)

func TestResolveFilename(t *testing.T) {
	tests := []struct {
		name    string
		params  DownloadParams
		want    string
		wantErr bool
	}{
		{"explicit filename wins", DownloadParams{URL: "https://example.com/a/b.iso", Filename: "custom.iso"}, "custom.iso", false},
		{"derived from url basename", DownloadParams{URL: "https://example.com/dist/omnios-r151046.iso"}, "omnios-r151046.iso", false},
		{"no basename is an error", DownloadParams{URL: "https://example.com/"}, "", true},
		{"malformed url is an error", DownloadParams{URL: "http://[::1"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveFilename(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveFilename() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ResolveFilename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	p := DownloadParams{URL: "https://example.com/dist/image.iso"}
	got, err := ResolvePath("/var/artifacts/loc1", p)
	if err != nil {
		t.Fatalf("ResolvePath() error: %v", err)
	}
	want := "/var/artifacts/loc1/image.iso"
	if got != want {
		t.Errorf("ResolvePath() = %q, want %q", got, want)
	}
}

func TestSkipSet_OnlyIncludesMatchingLocation(t *testing.T) {
	metaA, _ := json.Marshal(DownloadParams{URL: "https://example.com/a.iso", StorageLocationID: "loc1"})
	metaB, _ := json.Marshal(DownloadParams{URL: "https://example.com/b.iso", StorageLocationID: "loc2"})

	running := []RunningDownload{
		{TaskID: "t1", StorageLocationID: "loc1", Metadata: metaA},
		{TaskID: "t2", StorageLocationID: "loc2", Metadata: metaB},
	}

	skip, err := SkipSet("/var/artifacts/loc1", "loc1", running)
	if err != nil {
		t.Fatalf("SkipSet() error: %v", err)
	}
	if _, ok := skip["/var/artifacts/loc1/a.iso"]; !ok {
		t.Errorf("expected a.iso in skip set, got %v", skip)
	}
	if len(skip) != 1 {
		t.Errorf("expected exactly one skip entry, got %v", skip)
	}
}

func TestHasAllowedExtension(t *testing.T) {
	if !hasAllowedExtension("image.ISO", []string{"iso", "tar"}) {
		t.Errorf("expected case-insensitive match for .ISO")
	}
	if hasAllowedExtension("image.txt", []string{"iso", "tar"}) {
		t.Errorf("did not expect .txt to match")
	}
}
