package periodic

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bloom/v3"
)

type fakeZoneStore struct {
	existing map[string]bool
	upserted []ObservedZone
	orphaned []string
}

func (f *fakeZoneStore) ZoneExists(ctx context.Context, name string) (bool, error) {
	return f.existing[name], nil
}

func (f *fakeZoneStore) UpsertObservedZone(ctx context.Context, zone ObservedZone) error {
	f.upserted = append(f.upserted, zone)
	return nil
}

func (f *fakeZoneStore) MarkUnobservedZonesOrphaned(ctx context.Context, observedNames []string) (int, error) {
	observed := make(map[string]bool, len(observedNames))
	for _, n := range observedNames {
		observed[n] = true
	}
	for name := range f.existing {
		if !observed[name] {
			f.orphaned = append(f.orphaned, name)
		}
	}
	return len(f.orphaned), nil
}

func TestReconcileDiscoveredZones_InsertsOnlyNewZones(t *testing.T) {
	filter := bloom.NewWithEstimates(8, 0.01)
	filter.AddString("global")
	filter.AddString("webapp")

	store := &fakeZoneStore{existing: map[string]bool{"global": true, "webapp": true}}

	inserted, _, err := ReconcileDiscoveredZones(context.Background(), store, filter, []ObservedZone{
		{Name: "global"}, {Name: "webapp"}, {Name: "newzone"},
	})
	if err != nil {
		t.Fatalf("ReconcileDiscoveredZones() error: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1", inserted)
	}
	if len(store.upserted) != 3 {
		t.Fatalf("every observed zone should be upserted (refreshed or inserted), got %v", store.upserted)
	}
}

func TestReconcileDiscoveredZones_FalsePositiveStillConfirms(t *testing.T) {
	filter := bloom.NewWithEstimates(8, 0.01)
	filter.AddString("global")
	filter.AddString("webapp")
	filter.AddString("db")

	// "webapp" is in the filter (possibly present) but was deleted from the
	// DB out of band; the confirming lookup must still allow re-insertion.
	store := &fakeZoneStore{existing: map[string]bool{"global": true, "db": true}}

	inserted, _, err := ReconcileDiscoveredZones(context.Background(), store, filter, []ObservedZone{
		{Name: "global"}, {Name: "webapp"}, {Name: "db"},
	})
	if err != nil {
		t.Fatalf("ReconcileDiscoveredZones() error: %v", err)
	}
	if inserted != 1 {
		t.Errorf("expected exactly webapp to be newly inserted, got inserted=%d", inserted)
	}
}

func TestReconcileDiscoveredZones_MarksUnobservedZonesOrphaned(t *testing.T) {
	filter := bloom.NewWithEstimates(8, 0.01)
	filter.AddString("global")

	store := &fakeZoneStore{existing: map[string]bool{"global": true, "gone": true}}

	_, orphaned, err := ReconcileDiscoveredZones(context.Background(), store, filter, []ObservedZone{{Name: "global"}})
	if err != nil {
		t.Fatalf("ReconcileDiscoveredZones() error: %v", err)
	}
	if orphaned != 1 || len(store.orphaned) != 1 || store.orphaned[0] != "gone" {
		t.Errorf("expected only 'gone' marked orphaned, got orphaned=%d %v", orphaned, store.orphaned)
	}
}
