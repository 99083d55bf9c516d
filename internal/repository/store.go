package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Querier is the set of queries the services run. Methods suffixed ForUpdate
// take an exclusive row lock that is held until the surrounding transaction
// ends; outside WithTx they behave like plain reads.
type Querier interface {
	// Address pool
	ClaimFirstAvailable(ctx context.Context, region, accountID string, now time.Time) (*models.AddressPoolEntry, error)
	ClaimPoolEntry(ctx context.Context, publicAddress, accountID string, now time.Time) (bool, error)
	GetPoolEntryForUpdate(ctx context.Context, publicAddress string) (*models.AddressPoolEntry, error)
	ReleasePoolEntry(ctx context.Context, publicAddress string, now time.Time) (bool, error)
	PoolUtilization(ctx context.Context) ([]models.RegionUtilization, error)

	// Allocations
	LockAccount(ctx context.Context, accountID string) error
	InsertAllocation(ctx context.Context, a *models.Allocation) error
	GetAllocation(ctx context.Context, id string) (*models.Allocation, error)
	GetAllocationForUpdate(ctx context.Context, id string) (*models.Allocation, error)
	UpdateAllocation(ctx context.Context, a *models.Allocation) error
	ListLiveAllocationsByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error)
	ListAllocationsByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error)
	ListLiveAllocationsBySubscription(ctx context.Context, subscriptionID string) ([]*models.Allocation, error)
	ListAllocationsByStatusBefore(ctx context.Context, statuses []string, before time.Time) ([]*models.Allocation, error)
	ListLapsedBefore(ctx context.Context, before time.Time) ([]*models.Allocation, error)
	PurgeReleasedAllocationsBefore(ctx context.Context, before time.Time) (int, error)

	// Port-forward rules
	InsertRule(ctx context.Context, r *models.PortForwardRule) error
	GetRule(ctx context.Context, id string) (*models.PortForwardRule, error)
	GetRuleForUpdate(ctx context.Context, id string) (*models.PortForwardRule, error)
	UpdateRule(ctx context.Context, r *models.PortForwardRule) error
	FindLiveRuleByPort(ctx context.Context, allocationID string, externalPort int, protocol string) (*models.PortForwardRule, error)
	CountIncludedRules(ctx context.Context, allocationID string) (int, error)
	ListRulesByAllocation(ctx context.Context, allocationID string, includeDeleted bool) ([]*models.PortForwardRule, error)
	ListRulesByStatus(ctx context.Context, statuses []string) ([]*models.PortForwardRule, error)
	ListRulesByAddons(ctx context.Context, addonIDs []string) ([]*models.PortForwardRule, error)
	ListDisabledRules(ctx context.Context, allocationID string) ([]*models.PortForwardRule, error)
	PurgeDeletedRulesBefore(ctx context.Context, before time.Time) (int, error)

	// Port-forward addons
	InsertAddon(ctx context.Context, a *models.PortForwardAddon) error
	GetAddon(ctx context.Context, id string) (*models.PortForwardAddon, error)
	GetAddonForUpdate(ctx context.Context, id string) (*models.PortForwardAddon, error)
	UpdateAddon(ctx context.Context, a *models.PortForwardAddon) error
	ListActiveAddonsForUpdate(ctx context.Context, accountID, allocationID string) ([]*models.PortForwardAddon, error)
	ListAddonsByAccount(ctx context.Context, accountID string) ([]*models.PortForwardAddon, error)
	ListAddonsExpiringBefore(ctx context.Context, before time.Time) ([]*models.PortForwardAddon, error)
	ListOrphanedAddons(ctx context.Context) ([]*models.PortForwardAddon, error)

	// Audit log
	InsertLog(ctx context.Context, entry *models.ProvisionLog) error
	ListLogs(ctx context.Context, entityID string, limit int) ([]*models.ProvisionLog, error)
}

// Store is a Querier that can also run a function inside one transaction.
// If fn returns an error every write made through q is rolled back.
type Store interface {
	Querier
	WithTx(ctx context.Context, fn func(q Querier) error) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
