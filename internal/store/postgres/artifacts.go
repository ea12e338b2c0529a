package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/omnios-bhyve/taskengine/internal/artifact"
)

// InsertArtifact implements artifact.ArtifactStore, upserting on
// (storage_location_id, path) so a rediscovered file refreshes its row
// instead of producing a duplicate.
func (s *Store) InsertArtifact(ctx context.Context, locationID, path string, size int64, checksum string) error {
	id := uuid.NewString()
	var checksumArg interface{}
	if checksum != "" {
		checksumArg = checksum
	}
	const query = `
		INSERT INTO artifacts (id, storage_location_id, path, size_bytes, checksum, last_verified_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (storage_location_id, path)
		DO UPDATE SET size_bytes = excluded.size_bytes, checksum = excluded.checksum, last_verified_at = now()`
	_, err := s.pool.Exec(ctx, query, id, locationID, path, size, checksumArg)
	if err != nil {
		return fmt.Errorf("postgres: insert artifact %s: %w", path, err)
	}
	return nil
}

// ListArtifactsByLocation implements artifact.ArtifactStore.
func (s *Store) ListArtifactsByLocation(ctx context.Context, locationID string) ([]artifact.ArtifactRecord, error) {
	const query = `SELECT path, size_bytes, coalesce(checksum, '') FROM artifacts WHERE storage_location_id = $1`
	rows, err := s.pool.Query(ctx, query, locationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts for location %s: %w", locationID, err)
	}
	defer rows.Close()

	var records []artifact.ArtifactRecord
	for rows.Next() {
		var r artifact.ArtifactRecord
		if err := rows.Scan(&r.Path, &r.Size, &r.Checksum); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteArtifactByPath implements artifact.ArtifactStore.
func (s *Store) DeleteArtifactByPath(ctx context.Context, locationID, path string) error {
	const query = `DELETE FROM artifacts WHERE storage_location_id = $1 AND path = $2`
	_, err := s.pool.Exec(ctx, query, locationID, path)
	if err != nil {
		return fmt.Errorf("postgres: delete artifact %s: %w", path, err)
	}
	return nil
}

// RefreshLastVerified implements artifact.ArtifactStore.
func (s *Store) RefreshLastVerified(ctx context.Context, locationID, path string) error {
	const query = `UPDATE artifacts SET last_verified_at = now() WHERE storage_location_id = $1 AND path = $2`
	_, err := s.pool.Exec(ctx, query, locationID, path)
	if err != nil {
		return fmt.Errorf("postgres: refresh last_verified for %s: %w", path, err)
	}
	return nil
}
