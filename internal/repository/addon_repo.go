package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

const addonColumns = `id, account_id, allocation_id, subscription_id,
	extra_ports, ports_used, status, expires_at, created_at, updated_at`

func (q *queries) InsertAddon(ctx context.Context, a *models.PortForwardAddon) error {
	query := `
		INSERT INTO staticip.port_forward_addons (
			id, account_id, allocation_id, subscription_id,
			extra_ports, ports_used, status, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err := q.db.Exec(ctx, query,
		a.ID, a.AccountID, a.AllocationID, a.SubscriptionID,
		a.ExtraPorts, a.PortsUsed, a.Status, a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("insert addon", err)
	}
	return nil
}

func (q *queries) GetAddon(ctx context.Context, id string) (*models.PortForwardAddon, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.port_forward_addons WHERE id = $1`, addonColumns)
	return scanAddon(q.db.QueryRow(ctx, query, id))
}

func (q *queries) GetAddonForUpdate(ctx context.Context, id string) (*models.PortForwardAddon, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.port_forward_addons WHERE id = $1 FOR UPDATE`, addonColumns)
	return scanAddon(q.db.QueryRow(ctx, query, id))
}

func (q *queries) UpdateAddon(ctx context.Context, a *models.PortForwardAddon) error {
	query := `
		UPDATE staticip.port_forward_addons SET
			allocation_id = $1,
			ports_used = $2,
			status = $3,
			expires_at = $4,
			updated_at = NOW()
		WHERE id = $5
	`
	tag, err := q.db.Exec(ctx, query, a.AllocationID, a.PortsUsed, a.Status, a.ExpiresAt, a.ID)
	if err != nil {
		return wrapWriteError("update addon", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAddonsForUpdate locks the active addons serving an allocation,
// oldest purchase first. Expiry is filtered by the caller against its clock.
func (q *queries) ListActiveAddonsForUpdate(ctx context.Context, accountID, allocationID string) ([]*models.PortForwardAddon, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_addons
		WHERE status = 'active' AND account_id = $1
		  AND (allocation_id = $2 OR allocation_id IS NULL)
		ORDER BY created_at, id
		FOR UPDATE
	`, addonColumns)
	return q.queryAddons(ctx, query, accountID, allocationID)
}

func (q *queries) ListAddonsByAccount(ctx context.Context, accountID string) ([]*models.PortForwardAddon, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_addons
		WHERE account_id = $1
		ORDER BY created_at, id
	`, addonColumns)
	return q.queryAddons(ctx, query, accountID)
}

// ListAddonsExpiringBefore returns active addons whose expiry is at or before the cutoff
func (q *queries) ListAddonsExpiringBefore(ctx context.Context, before time.Time) ([]*models.PortForwardAddon, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_addons
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
	`, addonColumns)
	return q.queryAddons(ctx, query, before)
}

// ListOrphanedAddons returns active addons attached to a released allocation
func (q *queries) ListOrphanedAddons(ctx context.Context) ([]*models.PortForwardAddon, error) {
	query := `
		SELECT d.id, d.account_id, d.allocation_id, d.subscription_id,
		       d.extra_ports, d.ports_used, d.status, d.expires_at, d.created_at, d.updated_at
		FROM staticip.port_forward_addons d
		JOIN staticip.allocations a ON a.id = d.allocation_id
		WHERE d.status = 'active' AND a.status = 'released'
		ORDER BY d.created_at, d.id
	`
	return q.queryAddons(ctx, query)
}

func (q *queries) queryAddons(ctx context.Context, query string, args ...any) ([]*models.PortForwardAddon, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query addons: %w", err)
	}
	defer rows.Close()

	var addons []*models.PortForwardAddon
	for rows.Next() {
		a, err := scanAddon(rows)
		if err != nil {
			return nil, err
		}
		addons = append(addons, a)
	}
	return addons, rows.Err()
}

func scanAddon(row pgx.Row) (*models.PortForwardAddon, error) {
	a := &models.PortForwardAddon{}
	err := row.Scan(
		&a.ID, &a.AccountID, &a.AllocationID, &a.SubscriptionID,
		&a.ExtraPorts, &a.PortsUsed, &a.Status, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, wrapReadError("scan addon", err)
	}
	return a, nil
}
