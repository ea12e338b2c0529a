package system

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/omnios-bhyve/taskengine/internal/handlers"
)

type noopProgress struct{}

func (noopProgress) Report(percent int, info map[string]interface{}) {}

func TestSetTimezone_RejectsUnknownZone(t *testing.T) {
	orig := zoneFileExists
	defer func() { zoneFileExists = orig }()
	zoneFileExists = func(tz string) bool { return false }

	h := setTimezone(nil, "host1", nil)
	metadata, _ := json.Marshal(timezoneParams{Timezone: "Nowhere/Fake"})
	result := h(context.Background(), "host1", metadata, noopProgress{})

	if result.Err == nil {
		t.Fatalf("expected an error for a nonexistent timezone")
	}
}

func TestSetTimezone_WritesFileDirectlyWithoutShell(t *testing.T) {
	origExists, origWrite := zoneFileExists, writeTimezoneFile
	defer func() { zoneFileExists, writeTimezoneFile = origExists, origWrite }()
	zoneFileExists = func(tz string) bool { return true }

	var wroteTZ string
	writeTimezoneFile = func(tz string) error {
		wroteTZ = tz
		return nil
	}

	rebooted := false
	h := setTimezone(nil, "host1", func(string) { rebooted = true })
	metadata, _ := json.Marshal(timezoneParams{Timezone: "America/Denver; rm -rf /"})
	result := h(context.Background(), "host1", metadata, noopProgress{})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if wroteTZ != "America/Denver; rm -rf /" {
		t.Fatalf("writeTimezoneFile got %q, want the raw timezone value untouched by any shell", wroteTZ)
	}
	if !rebooted {
		t.Fatalf("expected reboot-required hook to fire")
	}
}

func TestSetHostname_RejectsEmptyMetadata(t *testing.T) {
	h := setHostname(nil, "host1", nil)
	result := h(context.Background(), "host1", []byte(`{}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error for missing hostname")
	}
}

func TestUpdateTimeSyncConfig_RequiresServersOrPool(t *testing.T) {
	h := updateTimeSyncConfig(nil)
	result := h(context.Background(), "host1", []byte(`{}`), noopProgress{})
	if result.Err == nil {
		t.Fatalf("expected a validation error when neither servers nor pool_url is set")
	}
}

var _ handlers.Progress = noopProgress{}
