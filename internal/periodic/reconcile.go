package periodic

import (
	"context"

	"github.com/bits-and-blooms/bloom/v3"
)

// ObservedZone is one zone reported by a zone_discover sweep: the name
// zoneadm knows it by, plus the brand/state a known-zone refresh updates.
type ObservedZone struct {
	Name  string
	Brand string
	State string
}

// ZoneStore is the narrow store dependency zone reconciliation needs.
type ZoneStore interface {
	ZoneExists(ctx context.Context, name string) (bool, error)
	UpsertObservedZone(ctx context.Context, zone ObservedZone) error
	MarkUnobservedZonesOrphaned(ctx context.Context, observedNames []string) (int, error)
}

// ReconcileDiscoveredZones reconciles the zoneadm-observed zones against
// the Zone table with all three outcomes spec.md's discovery pass
// requires: a zone observed but not known is inserted (auto_discovered);
// a zone known but not observed this sweep is marked orphaned; a zone
// seen on both sides has its brand/state/last_seen refreshed. filter,
// built from the DB's current zone set by BuildZoneFilter, lets a name
// the filter reports as definitely-absent skip straight to insertion; a
// name it reports as possibly-present still gets a confirming lookup,
// since Bloom filters never produce false negatives but may produce
// false positives.
func ReconcileDiscoveredZones(ctx context.Context, store ZoneStore, filter *bloom.BloomFilter, observed []ObservedZone) (inserted, orphaned int, err error) {
	names := make([]string, 0, len(observed))
	for _, zone := range observed {
		names = append(names, zone.Name)

		known := false
		if filter.TestString(zone.Name) {
			exists, existsErr := store.ZoneExists(ctx, zone.Name)
			if existsErr != nil {
				return inserted, orphaned, existsErr
			}
			known = exists
		}
		if err := store.UpsertObservedZone(ctx, zone); err != nil {
			return inserted, orphaned, err
		}
		if !known {
			inserted++
		}
	}

	orphaned, err = store.MarkUnobservedZonesOrphaned(ctx, names)
	if err != nil {
		return inserted, orphaned, err
	}
	return inserted, orphaned, nil
}
