package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

const ruleColumns = `id, allocation_id, external_port, internal_port, protocol, description,
	is_from_addon, addon_id, status, enabled, dispatch_attempts, last_error,
	status_changed_at, created_at, updated_at`

func (q *queries) InsertRule(ctx context.Context, r *models.PortForwardRule) error {
	query := `
		INSERT INTO staticip.port_forward_rules (
			id, allocation_id, external_port, internal_port, protocol, description,
			is_from_addon, addon_id, status, enabled, dispatch_attempts, last_error,
			status_changed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $14
		)
	`
	_, err := q.db.Exec(ctx, query,
		r.ID, r.AllocationID, r.ExternalPort, r.InternalPort, r.Protocol, r.Description,
		r.IsFromAddon, r.AddonID, r.Status, r.Enabled, r.DispatchAttempts, r.LastError,
		r.StatusChangedAt, r.CreatedAt,
	)
	if err != nil {
		return wrapWriteError("insert rule", err)
	}
	return nil
}

func (q *queries) GetRule(ctx context.Context, id string) (*models.PortForwardRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.port_forward_rules WHERE id = $1`, ruleColumns)
	return scanRule(q.db.QueryRow(ctx, query, id))
}

func (q *queries) GetRuleForUpdate(ctx context.Context, id string) (*models.PortForwardRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM staticip.port_forward_rules WHERE id = $1 FOR UPDATE`, ruleColumns)
	return scanRule(q.db.QueryRow(ctx, query, id))
}

func (q *queries) UpdateRule(ctx context.Context, r *models.PortForwardRule) error {
	query := `
		UPDATE staticip.port_forward_rules SET
			is_from_addon = $1,
			addon_id = $2,
			status = $3,
			enabled = $4,
			dispatch_attempts = $5,
			last_error = $6,
			status_changed_at = $7,
			updated_at = NOW()
		WHERE id = $8
	`
	tag, err := q.db.Exec(ctx, query,
		r.IsFromAddon, r.AddonID, r.Status, r.Enabled,
		r.DispatchAttempts, r.LastError, r.StatusChangedAt, r.ID,
	)
	if err != nil {
		return wrapWriteError("update rule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) FindLiveRuleByPort(ctx context.Context, allocationID string, externalPort int, protocol string) (*models.PortForwardRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_rules
		WHERE allocation_id = $1 AND external_port = $2 AND protocol = $3 AND status <> 'deleted'
	`, ruleColumns)
	return scanRule(q.db.QueryRow(ctx, query, allocationID, externalPort, protocol))
}

// CountIncludedRules counts live rules that consume plan quota. Disabled rules
// hold no quota.
func (q *queries) CountIncludedRules(ctx context.Context, allocationID string) (int, error) {
	query := `
		SELECT COUNT(*)::int FROM staticip.port_forward_rules
		WHERE allocation_id = $1 AND status <> 'deleted' AND enabled = TRUE AND is_from_addon = FALSE
	`
	var n int
	if err := q.db.QueryRow(ctx, query, allocationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count included rules: %w", err)
	}
	return n, nil
}

func (q *queries) ListRulesByAllocation(ctx context.Context, allocationID string, includeDeleted bool) ([]*models.PortForwardRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_rules
		WHERE allocation_id = $1 AND ($2 OR status <> 'deleted')
		ORDER BY created_at, id
	`, ruleColumns)
	return q.queryRules(ctx, query, allocationID, includeDeleted)
}

func (q *queries) ListRulesByStatus(ctx context.Context, statuses []string) ([]*models.PortForwardRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_rules
		WHERE status = ANY($1)
		ORDER BY status_changed_at
	`, ruleColumns)
	return q.queryRules(ctx, query, statuses)
}

// ListRulesByAddons returns live rules that hold a slot of one of the addons
func (q *queries) ListRulesByAddons(ctx context.Context, addonIDs []string) ([]*models.PortForwardRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_rules
		WHERE addon_id = ANY($1) AND status <> 'deleted'
		ORDER BY allocation_id, created_at, id
	`, ruleColumns)
	return q.queryRules(ctx, query, addonIDs)
}

func (q *queries) ListDisabledRules(ctx context.Context, allocationID string) ([]*models.PortForwardRule, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM staticip.port_forward_rules
		WHERE allocation_id = $1 AND status <> 'deleted' AND enabled = FALSE
		ORDER BY created_at, id
	`, ruleColumns)
	return q.queryRules(ctx, query, allocationID)
}

func (q *queries) PurgeDeletedRulesBefore(ctx context.Context, before time.Time) (int, error) {
	query := `DELETE FROM staticip.port_forward_rules WHERE status = 'deleted' AND status_changed_at < $1`
	tag, err := q.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge deleted rules: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) queryRules(ctx context.Context, query string, args ...any) ([]*models.PortForwardRule, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.PortForwardRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (*models.PortForwardRule, error) {
	r := &models.PortForwardRule{}
	err := row.Scan(
		&r.ID, &r.AllocationID, &r.ExternalPort, &r.InternalPort, &r.Protocol, &r.Description,
		&r.IsFromAddon, &r.AddonID, &r.Status, &r.Enabled, &r.DispatchAttempts, &r.LastError,
		&r.StatusChangedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, wrapReadError("scan rule", err)
	}
	return r, nil
}
