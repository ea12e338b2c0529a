package postgres

import (
	"context"
	"fmt"
)

// ReconcileNetworkInterface implements network.Reconciler, keeping the
// NetworkInterfaces/NetworkUsage rows in sync with a datalink mutation.
func (s *Store) ReconcileNetworkInterface(ctx context.Context, host, link, class string, present bool) error {
	if present {
		const upsert = `
			INSERT INTO network_interfaces (host, link, class) VALUES ($1, $2, $3)
			ON CONFLICT (host, link, class) DO NOTHING`
		if _, err := s.pool.Exec(ctx, upsert, host, link, class); err != nil {
			return fmt.Errorf("postgres: reconcile network interface %s/%s: %w", host, link, err)
		}
		const upsertUsage = `
			INSERT INTO network_usage (host, link, class) VALUES ($1, $2, $3)
			ON CONFLICT (host, link, class) DO NOTHING`
		if _, err := s.pool.Exec(ctx, upsertUsage, host, link, class); err != nil {
			return fmt.Errorf("postgres: reconcile network usage %s/%s: %w", host, link, err)
		}
		return nil
	}

	const deleteInterface = `DELETE FROM network_interfaces WHERE host = $1 AND link = $2 AND class = $3`
	if _, err := s.pool.Exec(ctx, deleteInterface, host, link, class); err != nil {
		return fmt.Errorf("postgres: remove network interface %s/%s: %w", host, link, err)
	}
	const deleteUsage = `DELETE FROM network_usage WHERE host = $1 AND link = $2 AND class = $3`
	if _, err := s.pool.Exec(ctx, deleteUsage, host, link, class); err != nil {
		return fmt.Errorf("postgres: remove network usage %s/%s: %w", host, link, err)
	}
	return nil
}

// ReconcileIPAddress implements network.Reconciler for the IPAddresses
// table, keyed by (host, addrobj).
func (s *Store) ReconcileIPAddress(ctx context.Context, host, addrobj string, present bool) error {
	if present {
		const upsert = `
			INSERT INTO ip_addresses (host, addrobj, interface) VALUES ($1, $2, $3)
			ON CONFLICT (host, addrobj) DO NOTHING`
		if _, err := s.pool.Exec(ctx, upsert, host, addrobj, interfaceFromAddrobj(addrobj)); err != nil {
			return fmt.Errorf("postgres: reconcile ip address %s: %w", addrobj, err)
		}
		return nil
	}
	const deleteRow = `DELETE FROM ip_addresses WHERE host = $1 AND addrobj = $2`
	if _, err := s.pool.Exec(ctx, deleteRow, host, addrobj); err != nil {
		return fmt.Errorf("postgres: remove ip address %s: %w", addrobj, err)
	}
	return nil
}

// RemainingIPAddressCount implements network.Reconciler, reporting how
// many IPAddresses rows still reference interfaceName on host. The
// delete_ip_address handler calls this after removing an address's own
// row to decide whether the owning IP interface is now empty.
func (s *Store) RemainingIPAddressCount(ctx context.Context, host, interfaceName string) (int, error) {
	const query = `SELECT count(*) FROM ip_addresses WHERE host = $1 AND interface = $2`
	var count int
	if err := s.pool.QueryRow(ctx, query, host, interfaceName).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count remaining ip addresses for %s/%s: %w", host, interfaceName, err)
	}
	return count, nil
}

// interfaceFromAddrobj derives an addrobj's owning interface, e.g.
// "net0/v4static" -> "net0", the ipadm convention this engine targets.
func interfaceFromAddrobj(addrobj string) string {
	for i := 0; i < len(addrobj); i++ {
		if addrobj[i] == '/' {
			return addrobj[:i]
		}
	}
	return addrobj
}

// PurgeZoneScopedState implements zone.Cleanup: it removes every
// NetworkInterfaces/NetworkUsage row whose link carries zoneName as a
// prefix, every IPAddresses row whose interface carries zoneName as a
// prefix, and cancels every still-pending task targeting zoneName, as
// zone_delete's documented side effect.
func (s *Store) PurgeZoneScopedState(ctx context.Context, zoneName string) error {
	prefix := zoneName + "%"

	const deleteInterfaces = `DELETE FROM network_interfaces WHERE link LIKE $1`
	if _, err := s.pool.Exec(ctx, deleteInterfaces, prefix); err != nil {
		return fmt.Errorf("postgres: purge network interfaces for zone %s: %w", zoneName, err)
	}
	const deleteUsage = `DELETE FROM network_usage WHERE link LIKE $1`
	if _, err := s.pool.Exec(ctx, deleteUsage, prefix); err != nil {
		return fmt.Errorf("postgres: purge network usage for zone %s: %w", zoneName, err)
	}
	const deleteIPs = `DELETE FROM ip_addresses WHERE interface LIKE $1`
	if _, err := s.pool.Exec(ctx, deleteIPs, prefix); err != nil {
		return fmt.Errorf("postgres: purge ip addresses for zone %s: %w", zoneName, err)
	}
	const deleteZone = `DELETE FROM discovered_zones WHERE name = $1`
	if _, err := s.pool.Exec(ctx, deleteZone, zoneName); err != nil {
		return fmt.Errorf("postgres: purge discovered zone row for %s: %w", zoneName, err)
	}
	if _, err := s.CancelPendingForTarget(ctx, zoneName); err != nil {
		return fmt.Errorf("postgres: cancel pending tasks for zone %s: %w", zoneName, err)
	}
	return nil
}
