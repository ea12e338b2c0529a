package pkgmgmt

import (
	"context"
	"testing"
)

type noopProgress struct{}

func (noopProgress) Report(percent int, info map[string]interface{}) {}

func TestPkgInstall_RejectsEmptyPackages(t *testing.T) {
	h := pkgInstall(nil)
	result := h(context.Background(), "host1", []byte(`{"packages":[]}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for empty packages")
	}
}

func TestPkgInstall_RejectsMissingMetadata(t *testing.T) {
	h := pkgInstall(nil)
	result := h(context.Background(), "host1", []byte(`not json`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for malformed metadata")
	}
}

func TestRepositoryAdd_RequiresNameAndURL(t *testing.T) {
	h := repositoryAdd(nil)
	result := h(context.Background(), "host1", []byte(`{"name":"extra"}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for a missing url")
	}
}
