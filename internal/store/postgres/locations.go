package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/omnios-bhyve/taskengine/internal/artifact"
)

// GetStorageLocation implements artifact.LocationStore.
func (s *Store) GetStorageLocation(ctx context.Context, id string) (artifact.StorageLocation, error) {
	const query = `
		SELECT id, root_path, location_type, enabled, allowed_extensions
		FROM storage_locations WHERE id = $1`
	var loc artifact.StorageLocation
	err := s.pool.QueryRow(ctx, query, id).Scan(&loc.ID, &loc.RootPath, &loc.Type, &loc.Enabled, &loc.AllowedExtensions)
	if err != nil {
		return artifact.StorageLocation{}, fmt.Errorf("postgres: get storage location %s: %w", id, err)
	}
	return loc, nil
}

// ListEnabledLocations implements artifact.AllLocations.
func (s *Store) ListEnabledLocations(ctx context.Context) ([]artifact.StorageLocation, error) {
	const query = `
		SELECT id, root_path, location_type, enabled, allowed_extensions
		FROM storage_locations WHERE enabled = true ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled storage locations: %w", err)
	}
	defer rows.Close()

	var locations []artifact.StorageLocation
	for rows.Next() {
		var loc artifact.StorageLocation
		if err := rows.Scan(&loc.ID, &loc.RootPath, &loc.Type, &loc.Enabled, &loc.AllowedExtensions); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// IncrementLocationStats implements artifact.LocationStore, applying a
// delta without a read-modify-write race.
func (s *Store) IncrementLocationStats(ctx context.Context, id string, fileCountDelta int, totalSizeDelta int64) error {
	const query = `
		UPDATE storage_locations
		SET artifact_count = artifact_count + $1, total_bytes = total_bytes + $2, updated_at = now()
		WHERE id = $3`
	_, err := s.pool.Exec(ctx, query, fileCountDelta, totalSizeDelta, id)
	if err != nil {
		return fmt.Errorf("postgres: increment location stats for %s: %w", id, err)
	}
	return nil
}

// RecountLocationStats implements artifact.LocationStore, recomputing the
// aggregate counters from the artifacts table after a scan so they never
// drift from the authoritative per-artifact rows.
func (s *Store) RecountLocationStats(ctx context.Context, id string) error {
	const query = `
		UPDATE storage_locations
		SET artifact_count = sub.cnt, total_bytes = sub.total, updated_at = now()
		FROM (
			SELECT count(*) AS cnt, coalesce(sum(size_bytes), 0) AS total
			FROM artifacts WHERE storage_location_id = $1
		) AS sub
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: recount location stats for %s: %w", id, err)
	}
	return nil
}

// CreateStorageLocation is used by the HTTP admin surface and by seed
// tooling to register a new storage location.
func (s *Store) CreateStorageLocation(ctx context.Context, name, rootPath, locationType string, allowedExtensions []string) (string, error) {
	id := uuid.NewString()
	const query = `
		INSERT INTO storage_locations (id, name, root_path, location_type, enabled, allowed_extensions)
		VALUES ($1, $2, $3, $4, true, $5)`
	_, err := s.pool.Exec(ctx, query, id, name, rootPath, locationType, allowedExtensions)
	if err != nil {
		return "", fmt.Errorf("postgres: create storage location: %w", err)
	}
	return id, nil
}
