package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

const poolColumns = `id, region, public_address, server_id, provider_ref,
	is_allocated, allocated_to_account_id, allocated_at, released_at, created_at`

// ClaimFirstAvailable flips the lowest-id free entry of a region to allocated.
// SKIP LOCKED lets concurrent claims in the same region each take a different
// row instead of queueing on the first one.
func (q *queries) ClaimFirstAvailable(ctx context.Context, region, accountID string, now time.Time) (*models.AddressPoolEntry, error) {
	query := fmt.Sprintf(`
		UPDATE staticip.address_pool SET
			is_allocated = TRUE,
			allocated_to_account_id = $2,
			allocated_at = $3,
			released_at = NULL
		WHERE id = (
			SELECT id FROM staticip.address_pool
			WHERE region = $1 AND is_allocated = FALSE
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, poolColumns)
	return scanPoolEntry(q.db.QueryRow(ctx, query, region, accountID, now))
}

// ClaimPoolEntry claims a specific address if it is still free
func (q *queries) ClaimPoolEntry(ctx context.Context, publicAddress, accountID string, now time.Time) (bool, error) {
	query := `
		UPDATE staticip.address_pool SET
			is_allocated = TRUE,
			allocated_to_account_id = $2,
			allocated_at = $3,
			released_at = NULL
		WHERE public_address = $1 AND is_allocated = FALSE
	`
	tag, err := q.db.Exec(ctx, query, publicAddress, accountID, now)
	if err != nil {
		return false, fmt.Errorf("claim pool entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) GetPoolEntryForUpdate(ctx context.Context, publicAddress string) (*models.AddressPoolEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.address_pool WHERE public_address = $1 FOR UPDATE`, poolColumns)
	return scanPoolEntry(q.db.QueryRow(ctx, query, publicAddress))
}

// ReleasePoolEntry clears the allocated flag. It reports false when the entry
// was already free, which callers treat as a no-op.
func (q *queries) ReleasePoolEntry(ctx context.Context, publicAddress string, now time.Time) (bool, error) {
	query := `
		UPDATE staticip.address_pool SET
			is_allocated = FALSE,
			allocated_to_account_id = NULL,
			released_at = $2
		WHERE public_address = $1 AND is_allocated = TRUE
	`
	tag, err := q.db.Exec(ctx, query, publicAddress, now)
	if err != nil {
		return false, fmt.Errorf("release pool entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PoolUtilization returns per-region totals without taking locks
func (q *queries) PoolUtilization(ctx context.Context) ([]models.RegionUtilization, error) {
	query := `
		SELECT region, COUNT(*)::int, (COUNT(*) FILTER (WHERE is_allocated))::int
		FROM staticip.address_pool
		GROUP BY region
		ORDER BY region
	`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pool utilization: %w", err)
	}
	defer rows.Close()

	var result []models.RegionUtilization
	for rows.Next() {
		var u models.RegionUtilization
		if err := rows.Scan(&u.Region, &u.Total, &u.Allocated); err != nil {
			return nil, fmt.Errorf("scan pool utilization: %w", err)
		}
		u.Free = u.Total - u.Allocated
		result = append(result, u)
	}
	return result, rows.Err()
}

func scanPoolEntry(row pgx.Row) (*models.AddressPoolEntry, error) {
	e := &models.AddressPoolEntry{}
	err := row.Scan(
		&e.ID, &e.Region, &e.PublicAddress, &e.ServerID, &e.ProviderRef,
		&e.IsAllocated, &e.AllocatedToAccountID, &e.AllocatedAt, &e.ReleasedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, wrapReadError("scan pool entry", err)
	}
	return e, nil
}
