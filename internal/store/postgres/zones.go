package postgres

import (
	"context"
	"fmt"

	"github.com/omnios-bhyve/taskengine/internal/periodic"
)

// ListKnownZoneNames implements periodic.ZoneNameLister, feeding the
// Bloom pre-filter built before each discovery reconciliation pass.
func (s *Store) ListKnownZoneNames(ctx context.Context) ([]string, error) {
	const query = `SELECT name FROM discovered_zones`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list known zone names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ZoneExists implements periodic.ZoneStore, the confirming lookup used
// when the Bloom filter reports a possible match.
func (s *Store) ZoneExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM discovered_zones WHERE name = $1)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: check zone existence for %s: %w", name, err)
	}
	return exists, nil
}

// UpsertObservedZone implements periodic.ZoneStore: a brand-new zone is
// inserted with auto_discovered=true; a zone already known has its
// brand/state/last_seen_at refreshed and is_orphaned cleared, since
// observing it again means it is no longer orphaned.
func (s *Store) UpsertObservedZone(ctx context.Context, zone periodic.ObservedZone) error {
	const query = `
		INSERT INTO discovered_zones (name, brand, state, auto_discovered, is_orphaned, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, true, false, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			brand        = EXCLUDED.brand,
			state        = EXCLUDED.state,
			is_orphaned  = false,
			last_seen_at = now()`
	if _, err := s.pool.Exec(ctx, query, zone.Name, zone.Brand, zone.State); err != nil {
		return fmt.Errorf("postgres: upsert observed zone %s: %w", zone.Name, err)
	}
	return nil
}

// MarkUnobservedZonesOrphaned implements periodic.ZoneStore: every known
// zone whose name is not in observedNames was not seen in this sweep and
// is flagged is_orphaned, per spec.md's "known but not observed" outcome.
func (s *Store) MarkUnobservedZonesOrphaned(ctx context.Context, observedNames []string) (int, error) {
	const query = `
		UPDATE discovered_zones SET is_orphaned = true
		WHERE NOT is_orphaned AND NOT (name = ANY($1::text[]))`
	tag, err := s.pool.Exec(ctx, query, observedNames)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark unobserved zones orphaned: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
