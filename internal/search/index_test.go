package search

import (
	"encoding/json"
	"testing"

	"github.com/omnios-bhyve/taskengine/internal/task"
)

func TestQueryMatchesErrorMessage(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := idx.Put(task.Task{ID: "a", Operation: "zone_start", ErrorMessage: "bhyve boot failure: insufficient memory"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(task.Task{ID: "b", Operation: "zone_stop"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ids, err := idx.Query("memory", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("Query(%q) = %v, want [a]", "memory", ids)
	}
}

func TestQueryMatchesMetadataText(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	md, _ := json.Marshal(map[string]string{"storage_location_id": "sloc-archive-01"})
	if err := idx.Put(task.Task{ID: "c", Operation: "artifact_scan_location", Metadata: md}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ids, err := idx.Query("archive", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("Query(%q) = %v, want [c]", "archive", ids)
	}
}

func TestQueryEmptyStringReturnsNoResults(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids, err := idx.Query("", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ids != nil {
		t.Fatalf("Query(\"\") = %v, want nil", ids)
	}
}

func TestRebuildReplacesContents(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := idx.Put(task.Task{ID: "stale", ErrorMessage: "old failure"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := idx.Rebuild([]task.Task{{ID: "fresh", ErrorMessage: "new failure"}}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	ids, err := idx.Query("failure", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("Query after Rebuild = %v, want [fresh]", ids)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := idx.Put(task.Task{ID: "gone", ErrorMessage: "transient timeout"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ids, err := idx.Query("timeout", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Query after Delete = %v, want empty", ids)
	}
}
