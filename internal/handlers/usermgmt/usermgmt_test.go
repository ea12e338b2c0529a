package usermgmt

import (
	"context"
	"testing"
)

type noopProgress struct{}

func (noopProgress) Report(percent int, info map[string]interface{}) {}

func TestUserCreate_RequiresUsername(t *testing.T) {
	h := userCreate(nil)
	result := h(context.Background(), "host1", []byte(`{}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for missing username")
	}
}

func TestUserSetPassword_RequiresPassword(t *testing.T) {
	h := userSetPassword(nil)
	result := h(context.Background(), "alice", []byte(`{}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for missing password")
	}
}

func TestGroupModify_RequiresGID(t *testing.T) {
	h := groupModify(nil)
	result := h(context.Background(), "staff", []byte(`{}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for missing gid")
	}
}

func TestRoleModify_RequiresProfiles(t *testing.T) {
	h := roleModify(nil)
	result := h(context.Background(), "operator", []byte(`{"profiles":[]}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for empty profiles")
	}
}
