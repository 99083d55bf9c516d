package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
	"go.uber.org/zap"
)

// PoolService is the regional address pool. Claims and releases run inside
// the caller's transaction; the utilization delta is emitted only after that
// transaction commits.
type PoolService struct {
	store  repository.Store
	logger *zap.Logger
}

// NewPoolService creates a new pool service
func NewPoolService(store repository.Store, logger *zap.Logger) *PoolService {
	return &PoolService{
		store:  store,
		logger: logger.Named("pool"),
	}
}

// PoolDelta is one change of pool occupancy, +1 for a claim and -1 for a release
type PoolDelta struct {
	Region  string
	Address string
	Delta   int
}

// ClaimFirstAvailable locks and claims the lowest-id free address in region.
// A region with no free address yields ErrPoolExhausted.
func (s *PoolService) ClaimFirstAvailable(ctx context.Context, q repository.Querier, region, accountID string, now time.Time) (*models.AddressPoolEntry, PoolDelta, error) {
	entry, err := q.ClaimFirstAvailable(ctx, region, accountID, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, PoolDelta{}, fmt.Errorf("%w: %s", ErrPoolExhausted, region)
	}
	if err != nil {
		return nil, PoolDelta{}, fmt.Errorf("claim address in %s: %w", region, err)
	}
	return entry, PoolDelta{Region: region, Address: entry.PublicAddress, Delta: 1}, nil
}

// Reclaim claims a specific address again if it is still free
func (s *PoolService) Reclaim(ctx context.Context, q repository.Querier, region, address, accountID string, now time.Time) (bool, PoolDelta, error) {
	ok, err := q.ClaimPoolEntry(ctx, address, accountID, now)
	if err != nil {
		return false, PoolDelta{}, fmt.Errorf("reclaim %s: %w", address, err)
	}
	if !ok {
		return false, PoolDelta{}, nil
	}
	return true, PoolDelta{Region: region, Address: address, Delta: 1}, nil
}

// Release frees an address. Releasing a free address is a no-op and yields a
// zero delta.
func (s *PoolService) Release(ctx context.Context, q repository.Querier, region, address string, now time.Time) (PoolDelta, error) {
	released, err := q.ReleasePoolEntry(ctx, address, now)
	if err != nil {
		return PoolDelta{}, fmt.Errorf("release %s: %w", address, err)
	}
	if !released {
		return PoolDelta{}, nil
	}
	return PoolDelta{Region: region, Address: address, Delta: -1}, nil
}

// Emit logs committed utilization changes for capacity dashboards
func (s *PoolService) Emit(deltas ...PoolDelta) {
	for _, d := range deltas {
		if d.Delta == 0 {
			continue
		}
		s.logger.Info("pool utilization changed",
			zap.String("region", d.Region),
			zap.String("address", d.Address),
			zap.Int("delta", d.Delta),
		)
	}
}

// Utilization returns per-region usage. It takes no locks.
func (s *PoolService) Utilization(ctx context.Context) ([]models.RegionUtilization, error) {
	usage, err := s.store.PoolUtilization(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool utilization: %w", err)
	}
	return usage, nil
}

// writeLog records an audit entry inside the current transaction
func writeLog(ctx context.Context, q repository.Querier, entityType, entityID, action, status, message string, metadata map[string]interface{}) error {
	entry := &models.ProvisionLog{
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		Status:     status,
		Message:    message,
		Metadata:   metadata,
	}
	if err := q.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("write %s log: %w", action, err)
	}
	return nil
}
