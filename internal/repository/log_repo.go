package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

// InsertLog creates a new provision log entry
func (q *queries) InsertLog(ctx context.Context, entry *models.ProvisionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO staticip.provision_logs (id, entity_id, entity_type, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := q.db.Exec(ctx, query,
		entry.ID, entry.EntityID, entry.EntityType, entry.Action, entry.Status, entry.Message, entry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert provision log: %w", err)
	}

	return nil
}

// ListLogs retrieves the most recent logs for an entity
func (q *queries) ListLogs(ctx context.Context, entityID string, limit int) ([]*models.ProvisionLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, entity_id, entity_type, action, status, message, metadata, created_at
		FROM staticip.provision_logs
		WHERE entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := q.db.Query(ctx, query, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query provision logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ProvisionLog
	for rows.Next() {
		entry := &models.ProvisionLog{}
		err := rows.Scan(
			&entry.ID, &entry.EntityID, &entry.EntityType, &entry.Action, &entry.Status,
			&entry.Message, &entry.Metadata, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provision log: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
