package file

import (
	"context"
	"testing"
)

type noopProgress struct{}

func (noopProgress) Report(percent int, info map[string]interface{}) {}

func TestFileMove_RequiresSourceAndDestination(t *testing.T) {
	h := fileMove(nil)
	result := h(context.Background(), "target", []byte(`{"source":"/a"}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for missing destination")
	}
}

func TestArchiveCreate_RequiresPaths(t *testing.T) {
	h := archiveCreate(nil)
	result := h(context.Background(), "target", []byte(`{"dest_tar":"/out.tgz","paths":[]}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for empty paths")
	}
}
