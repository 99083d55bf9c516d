package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

const allocationColumns = `id, account_id, subscription_id, region, public_address,
	internal_address, server_id, status, included_ports,
	dispatch_attempts, last_error,
	status_changed_at, suspended_at, lapsed_at, released_at, created_at, updated_at`

// LockAccount serializes allocation creation per account for the rest of the
// transaction. It guards the "no live allocation yet" read, which has no row
// to lock.
func (q *queries) LockAccount(ctx context.Context, accountID string) error {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, accountID); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

func (q *queries) InsertAllocation(ctx context.Context, a *models.Allocation) error {
	query := `
		INSERT INTO staticip.allocations (
			id, account_id, subscription_id, region, public_address,
			internal_address, server_id, status, included_ports,
			dispatch_attempts, last_error,
			status_changed_at, suspended_at, lapsed_at, released_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11,
			$12, $13, $14, $15, $16, $16
		)
	`
	_, err := q.db.Exec(ctx, query,
		a.ID, a.AccountID, a.SubscriptionID, a.Region, a.PublicAddress,
		a.InternalAddress, a.ServerID, a.Status, a.IncludedPorts,
		a.DispatchAttempts, a.LastError,
		a.StatusChangedAt, a.SuspendedAt, a.LapsedAt, a.ReleasedAt, a.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("insert allocation", err)
	}
	return nil
}

func (q *queries) GetAllocation(ctx context.Context, id string) (*models.Allocation, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.allocations WHERE id = $1`, allocationColumns)
	return scanAllocation(q.db.QueryRow(ctx, query, id))
}

// GetAllocationForUpdate locks the allocation row. The lock also guards the
// allocation's rule set: rule admission always takes it first.
func (q *queries) GetAllocationForUpdate(ctx context.Context, id string) (*models.Allocation, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.allocations WHERE id = $1 FOR UPDATE`, allocationColumns)
	return scanAllocation(q.db.QueryRow(ctx, query, id))
}

func (q *queries) UpdateAllocation(ctx context.Context, a *models.Allocation) error {
	query := `
		UPDATE staticip.allocations SET
			public_address = $1,
			internal_address = $2,
			server_id = $3,
			status = $4,
			included_ports = $5,
			dispatch_attempts = $6,
			last_error = $7,
			status_changed_at = $8,
			suspended_at = $9,
			lapsed_at = $10,
			released_at = $11,
			updated_at = NOW()
		WHERE id = $12
	`
	tag, err := q.db.Exec(ctx, query,
		a.PublicAddress, a.InternalAddress, a.ServerID, a.Status, a.IncludedPorts,
		a.DispatchAttempts, a.LastError,
		a.StatusChangedAt, a.SuspendedAt, a.LapsedAt, a.ReleasedAt, a.ID,
	)
	if err != nil {
		return wrapWriteError("update allocation", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) ListLiveAllocationsByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.allocations
		WHERE account_id = $1 AND status <> 'released'
		ORDER BY created_at
	`, allocationColumns)
	return q.queryAllocations(ctx, query, accountID)
}

func (q *queries) ListAllocationsByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.allocations
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, allocationColumns)
	return q.queryAllocations(ctx, query, accountID)
}

func (q *queries) ListLiveAllocationsBySubscription(ctx context.Context, subscriptionID string) ([]*models.Allocation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.allocations
		WHERE subscription_id = $1 AND status <> 'released'
		ORDER BY created_at
	`, allocationColumns)
	return q.queryAllocations(ctx, query, subscriptionID)
}

// ListAllocationsByStatusBefore finds allocations that entered one of the
// given statuses before the cutoff
func (q *queries) ListAllocationsByStatusBefore(ctx context.Context, statuses []string, before time.Time) ([]*models.Allocation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.allocations
		WHERE status = ANY($1) AND status_changed_at < $2
		ORDER BY status_changed_at
	`, allocationColumns)
	return q.queryAllocations(ctx, query, statuses, before)
}

// ListLapsedBefore finds live allocations whose subscription lapsed before the
// cutoff, whatever their status
func (q *queries) ListLapsedBefore(ctx context.Context, before time.Time) ([]*models.Allocation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.allocations
		WHERE status <> 'released' AND lapsed_at < $1
		ORDER BY lapsed_at
	`, allocationColumns)
	return q.queryAllocations(ctx, query, before)
}

// PurgeReleasedAllocationsBefore physically removes released allocations whose
// rules and addons no longer reference them
func (q *queries) PurgeReleasedAllocationsBefore(ctx context.Context, before time.Time) (int, error) {
	query := `
		DELETE FROM staticip.allocations a
		WHERE a.status = 'released' AND a.released_at < $1
		  AND NOT EXISTS (SELECT 1 FROM staticip.port_forward_rules r WHERE r.allocation_id = a.id)
		  AND NOT EXISTS (SELECT 1 FROM staticip.port_forward_addons d WHERE d.allocation_id = a.id)
	`
	tag, err := q.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge released allocations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) queryAllocations(ctx context.Context, query string, args ...any) ([]*models.Allocation, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []*models.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func scanAllocation(row pgx.Row) (*models.Allocation, error) {
	a := &models.Allocation{}
	err := row.Scan(
		&a.ID, &a.AccountID, &a.SubscriptionID, &a.Region, &a.PublicAddress,
		&a.InternalAddress, &a.ServerID, &a.Status, &a.IncludedPorts,
		&a.DispatchAttempts, &a.LastError,
		&a.StatusChangedAt, &a.SuspendedAt, &a.LapsedAt, &a.ReleasedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, wrapReadError("scan allocation", err)
	}
	return a, nil
}
