package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
	"go.uber.org/zap"
)

// AllocationService manages the lease lifecycle:
// pending → configuring → active ⇄ suspended → released.
type AllocationService struct {
	store    repository.Store
	pool     *PoolService
	ledger   *AddonLedger
	plans    PlanProvider
	pusher   ConfigPusher
	notifier StatusNotifier
	lease    config.LeaseConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewAllocationService creates a new allocation service. notifier may be nil.
func NewAllocationService(
	store repository.Store,
	pool *PoolService,
	ledger *AddonLedger,
	plans PlanProvider,
	pusher ConfigPusher,
	notifier StatusNotifier,
	lease config.LeaseConfig,
	logger *zap.Logger,
) *AllocationService {
	return &AllocationService{
		store:    store,
		pool:     pool,
		ledger:   ledger,
		plans:    plans,
		pusher:   pusher,
		notifier: notifier,
		lease:    lease,
		logger:   logger.Named("allocation"),
		now:      time.Now,
	}
}

// CreateAllocation leases a free address in region to the account and
// returns the committed pending allocation. The duplicate check, the plan
// limits and the claim all run under the account lock in one transaction.
// Pushing it to the network agent is left to Dispatch.
func (s *AllocationService) CreateAllocation(ctx context.Context, accountID, region, subscriptionID string) (*models.Allocation, error) {
	if accountID == "" || region == "" || subscriptionID == "" {
		return nil, fmt.Errorf("%w: account, region and subscription are required", ErrInvalidArgument)
	}

	plan, err := s.plans.GetPlan(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan for subscription %s: %w", subscriptionID, err)
	}
	if !plan.AllowsRegion(region) {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotEntitled, region)
	}

	now := s.now()
	alloc := &models.Allocation{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		SubscriptionID:  subscriptionID,
		Region:          region,
		Status:          models.AllocationStatusPending,
		IncludedPorts:   plan.IncludedPorts,
		StatusChangedAt: now,
		CreatedAt:       now,
	}

	var delta PoolDelta
	err = s.store.WithTx(ctx, func(q repository.Querier) error {
		if err := q.LockAccount(ctx, accountID); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		live, err := q.ListLiveAllocationsByAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("list live allocations: %w", err)
		}
		for _, a := range live {
			if a.Region == region {
				return fmt.Errorf("%w: %s", ErrDuplicateAllocation, region)
			}
		}
		if plan.MaxAllocations > 0 && len(live) >= plan.MaxAllocations {
			return fmt.Errorf("%w: %d", ErrAllocationLimit, plan.MaxAllocations)
		}

		entry, d, err := s.pool.ClaimFirstAvailable(ctx, q, region, accountID, now)
		if err != nil {
			return err
		}
		delta = d
		alloc.PublicAddress = entry.PublicAddress
		alloc.ServerID = entry.ServerID

		if err := q.InsertAllocation(ctx, alloc); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrDuplicateAllocation, region)
			}
			return fmt.Errorf("insert allocation: %w", err)
		}

		return writeLog(ctx, q, models.EntityAllocation, alloc.ID, "allocation_created", alloc.Status,
			fmt.Sprintf("Address %s leased in %s", alloc.PublicAddress, region),
			map[string]interface{}{"account_id": accountID, "subscription_id": subscriptionID})
	})
	if err != nil {
		if Kind(err) == KindCapacity || Kind(err) == KindConflict {
			s.logger.Info("allocation refused",
				zap.String("account_id", accountID),
				zap.String("region", region),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.pool.Emit(delta)
	s.logger.Info("allocation created",
		zap.String("allocation_id", alloc.ID),
		zap.String("account_id", accountID),
		zap.String("region", region),
		zap.String("address", alloc.PublicAddress),
	)
	return alloc, nil
}

// Dispatch pushes a pending or configuring allocation to the network agent.
// A successful push moves pending to configuring; a failed push leaves the
// status alone and records the error for reconciliation. The claim is never
// unwound. The returned allocation reflects the state after dispatch.
func (s *AllocationService) Dispatch(ctx context.Context, allocationID string) (*models.Allocation, error) {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, notFound(err, "allocation")
	}
	if alloc.Status != models.AllocationStatusPending && alloc.Status != models.AllocationStatusConfiguring {
		return alloc, nil
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.lease.DispatchTimeout)
	pushErr := s.pusher.PushAllocation(pushCtx, alloc)
	cancel()

	var updated *models.Allocation
	err = s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		updated = a
		// a callback or another transition won the race
		if a.Status != alloc.Status {
			return nil
		}

		now := s.now()
		a.DispatchAttempts++
		action := "allocation_dispatched"
		if pushErr != nil {
			msg := pushErr.Error()
			a.LastError = &msg
			action = "allocation_dispatch_failed"
		} else {
			a.LastError = nil
			if a.Status == models.AllocationStatusPending {
				a.Status = models.AllocationStatusConfiguring
			}
			a.StatusChangedAt = now
		}

		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		return writeLog(ctx, q, models.EntityAllocation, a.ID, action, a.Status, "",
			map[string]interface{}{"attempt": a.DispatchAttempts})
	})
	if err != nil {
		return nil, err
	}

	if pushErr != nil {
		s.logger.Warn("allocation dispatch failed",
			zap.String("allocation_id", allocationID),
			zap.Int("attempt", updated.DispatchAttempts),
			zap.Error(pushErr),
		)
	}
	return updated, nil
}

// Advance moves an allocation along the lifecycle graph. An illegal
// transition fails with ErrInvalidTransition and mutates nothing. Advancing
// to released is the same as Release.
func (s *AllocationService) Advance(ctx context.Context, allocationID, target string) (*models.Allocation, error) {
	if target == models.AllocationStatusReleased {
		return s.Release(ctx, allocationID)
	}

	var (
		alloc *models.Allocation
		from  string
	)
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		from = a.Status
		if !models.CanTransition(from, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
		}

		s.applyTransition(a, target, s.now())
		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		alloc = a

		return writeLog(ctx, q, models.EntityAllocation, a.ID, "allocation_transition", target,
			fmt.Sprintf("%s -> %s", from, target), nil)
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn("invalid transition rejected",
			zap.String("allocation_id", allocationID),
			zap.String("target", target),
			zap.Error(err),
		)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("allocation advanced",
		zap.String("allocation_id", allocationID),
		zap.String("from", from),
		zap.String("to", target),
	)
	s.afterTransition(ctx, alloc, from)
	return alloc, nil
}

func (s *AllocationService) applyTransition(a *models.Allocation, target string, now time.Time) {
	a.Status = target
	a.StatusChangedAt = now
	switch target {
	case models.AllocationStatusSuspended:
		a.SuspendedAt = &now
		if a.LapsedAt == nil {
			a.LapsedAt = &now
		}
	case models.AllocationStatusActive:
		if a.SuspendedAt != nil {
			a.LapsedAt = nil
		}
		a.SuspendedAt = nil
		a.DispatchAttempts = 0
		a.LastError = nil
	}
}

// MarkLapsed starts the grace clock of an allocation that is not active yet.
// The agent may be mid-configuring it, so it is kept rather than released;
// it is suspended on confirmation and released once the grace period is over.
// A second lapse keeps the original clock.
func (s *AllocationService) MarkLapsed(ctx context.Context, allocationID string) (*models.Allocation, error) {
	var (
		alloc  *models.Allocation
		marked bool
	)
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		alloc = a
		if a.IsTerminal() || a.LapsedAt != nil {
			return nil
		}

		now := s.now()
		a.LapsedAt = &now
		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		marked = true
		return writeLog(ctx, q, models.EntityAllocation, a.ID, "allocation_lapsed", a.Status,
			"subscription lapsed, grace period started", nil)
	})
	if err != nil {
		return nil, err
	}

	if marked {
		s.logger.Info("grace period started",
			zap.String("allocation_id", alloc.ID),
			zap.String("status", alloc.Status),
		)
	}
	return alloc, nil
}

// afterTransition tells the agent about suspend and resume, and billing about
// activation. Both are best effort.
func (s *AllocationService) afterTransition(ctx context.Context, alloc *models.Allocation, from string) {
	if alloc.Status == models.AllocationStatusSuspended ||
		(alloc.Status == models.AllocationStatusActive && from == models.AllocationStatusSuspended) {
		s.push(ctx, alloc)
	}
	if alloc.Status == models.AllocationStatusActive && from != models.AllocationStatusSuspended {
		s.notify(ctx, alloc)
	}
}

// Release frees the address, soft-deletes every rule and returns addon slots.
// Releasing a released allocation is a no-op.
func (s *AllocationService) Release(ctx context.Context, allocationID string) (*models.Allocation, error) {
	var (
		alloc      *models.Allocation
		delta      PoolDelta
		wasRelease bool
		ruleCount  int
	)
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		alloc = a
		if a.IsTerminal() {
			return nil
		}

		now := s.now()
		delta, err = s.pool.Release(ctx, q, a.Region, a.PublicAddress, now)
		if err != nil {
			return err
		}

		rules, err := q.ListRulesByAllocation(ctx, a.ID, false)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		for _, r := range rules {
			r.Status = models.RuleStatusDeleted
			r.StatusChangedAt = now
			if err := q.UpdateRule(ctx, r); err != nil {
				return fmt.Errorf("delete rule %s: %w", r.ID, err)
			}
			if r.IsFromAddon && r.AddonID != nil {
				if err := s.ledger.releaseSlot(ctx, q, *r.AddonID); err != nil {
					return err
				}
			}
		}
		ruleCount = len(rules)

		from := a.Status
		a.Status = models.AllocationStatusReleased
		a.StatusChangedAt = now
		a.ReleasedAt = &now
		a.SuspendedAt = nil
		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		wasRelease = true

		return writeLog(ctx, q, models.EntityAllocation, a.ID, "allocation_released", a.Status,
			fmt.Sprintf("%s -> released, %d rules deleted", from, ruleCount),
			map[string]interface{}{"address": a.PublicAddress})
	})
	if err != nil {
		return nil, err
	}

	if !wasRelease {
		return alloc, nil
	}

	s.pool.Emit(delta)
	s.logger.Info("allocation released",
		zap.String("allocation_id", alloc.ID),
		zap.String("address", alloc.PublicAddress),
		zap.Int("rules_deleted", ruleCount),
	)
	s.push(ctx, alloc)
	s.notify(ctx, alloc)
	return alloc, nil
}

// RenewResult describes what a renewal changed
type RenewResult struct {
	Allocation  *models.Allocation
	Readdressed bool
	// Disabled are rules parked because the renewed plan includes fewer ports
	// and no addon headroom could take them
	Disabled []*models.PortForwardRule
}

// Renew applies a renewed plan to an allocation, stops its grace clock and
// resumes it. The pool entry is re-checked: a freed address is claimed again,
// and an address taken by another account is replaced by a fresh claim, in
// which case the allocation and its rules return to pending for a full
// re-push. A smaller plan moves the newest included rules onto addon slots.
func (s *AllocationService) Renew(ctx context.Context, allocationID string, plan *models.PlanDescriptor) (*RenewResult, error) {
	var (
		alloc       *models.Allocation
		deltas      []PoolDelta
		readdressed bool
		from        string
		disabled    []*models.PortForwardRule
	)
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		alloc = a
		if a.IsTerminal() {
			return nil
		}
		from = a.Status
		now := s.now()

		held := false
		entry, err := q.GetPoolEntryForUpdate(ctx, a.PublicAddress)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return fmt.Errorf("lock pool entry: %w", err)
		case entry.IsAllocated:
			held = entry.AllocatedToAccountID != nil && *entry.AllocatedToAccountID == a.AccountID
		default:
			ok, d, err := s.pool.Reclaim(ctx, q, a.Region, a.PublicAddress, a.AccountID, now)
			if err != nil {
				return err
			}
			held = ok
			deltas = append(deltas, d)
		}

		if !held {
			replacement, d, err := s.pool.ClaimFirstAvailable(ctx, q, a.Region, a.AccountID, now)
			if err != nil {
				return err
			}
			deltas = append(deltas, d)
			s.logger.Warn("leased address was reclaimed, moving allocation",
				zap.String("allocation_id", a.ID),
				zap.String("old_address", a.PublicAddress),
				zap.String("new_address", replacement.PublicAddress),
			)
			a.PublicAddress = replacement.PublicAddress
			a.ServerID = replacement.ServerID
			a.InternalAddress = nil
			a.Status = models.AllocationStatusPending
			a.StatusChangedAt = now
			a.SuspendedAt = nil
			a.DispatchAttempts = 0
			a.LastError = nil
			readdressed = true

			rules, err := q.ListRulesByAllocation(ctx, a.ID, false)
			if err != nil {
				return fmt.Errorf("list rules: %w", err)
			}
			for _, r := range rules {
				r.Status = models.RuleStatusPending
				r.StatusChangedAt = now
				r.DispatchAttempts = 0
				r.LastError = nil
				if err := q.UpdateRule(ctx, r); err != nil {
					return fmt.Errorf("reset rule %s: %w", r.ID, err)
				}
			}
		} else if a.Status == models.AllocationStatusSuspended {
			s.applyTransition(a, models.AllocationStatusActive, now)
		}
		a.LapsedAt = nil

		if plan != nil {
			a.IncludedPorts = plan.IncludedPorts
		}
		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}

		parked, err := s.ledger.enforceIncludedLimit(ctx, q, a, now)
		if err != nil {
			return err
		}
		disabled = parked

		return writeLog(ctx, q, models.EntityAllocation, a.ID, "allocation_renewed", a.Status,
			fmt.Sprintf("%s -> %s", from, a.Status),
			map[string]interface{}{
				"readdressed":    readdressed,
				"included_ports": a.IncludedPorts,
				"rules_disabled": len(disabled),
			})
	})
	if err != nil {
		return nil, err
	}
	result := &RenewResult{Allocation: alloc, Readdressed: readdressed, Disabled: disabled}
	if alloc.IsTerminal() {
		return result, nil
	}

	s.pool.Emit(deltas...)
	if len(disabled) > 0 {
		s.logger.Warn("plan downgrade disabled rules",
			zap.String("allocation_id", alloc.ID),
			zap.Int("included_ports", alloc.IncludedPorts),
			zap.Int("rules_disabled", len(disabled)),
		)
	}
	if readdressed {
		updated, err := s.Dispatch(ctx, alloc.ID)
		if err != nil {
			s.logger.Error("failed to dispatch readdressed allocation",
				zap.String("allocation_id", alloc.ID),
				zap.Error(err),
			)
			return result, nil
		}
		result.Allocation = updated
		return result, nil
	}
	if from == models.AllocationStatusSuspended {
		s.logger.Info("allocation resumed", zap.String("allocation_id", alloc.ID))
		s.push(ctx, alloc)
	}
	return result, nil
}

// HandleConfigured records the agent's confirmation. A confirmation that
// overtakes the dispatch bookkeeping walks pending through configuring. An
// allocation whose subscription lapsed while it was being configured goes on
// to suspended and keeps its grace clock.
func (s *AllocationService) HandleConfigured(ctx context.Context, allocationID, serverID, internalAddress string) (*models.Allocation, error) {
	var (
		alloc     *models.Allocation
		activated bool
		suspended bool
	)
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		alloc = a

		switch a.Status {
		case models.AllocationStatusActive:
			return nil
		case models.AllocationStatusPending, models.AllocationStatusConfiguring:
		default:
			return fmt.Errorf("%w: configured callback for %s allocation", ErrInvalidTransition, a.Status)
		}

		from := a.Status
		now := s.now()
		s.applyTransition(a, models.AllocationStatusActive, now)
		if a.LapsedAt != nil {
			s.applyTransition(a, models.AllocationStatusSuspended, now)
			suspended = true
		}
		if serverID != "" {
			a.ServerID = serverID
		}
		if internalAddress != "" {
			a.InternalAddress = &internalAddress
		}
		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		activated = true

		return writeLog(ctx, q, models.EntityAllocation, a.ID, "allocation_configured", a.Status,
			fmt.Sprintf("%s -> %s", from, a.Status), nil)
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn("configured callback rejected", zap.String("allocation_id", allocationID), zap.Error(err))
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	switch {
	case suspended:
		s.logger.Info("allocation configured after lapse, suspended",
			zap.String("allocation_id", alloc.ID),
			zap.String("address", alloc.PublicAddress),
		)
		s.push(ctx, alloc)
	case activated:
		s.logger.Info("allocation active", zap.String("allocation_id", alloc.ID), zap.String("address", alloc.PublicAddress))
		s.notify(ctx, alloc)
	}
	return alloc, nil
}

// HandleFailed records a configuration failure reported by the agent. The
// status is left for the reconciliation sweep.
func (s *AllocationService) HandleFailed(ctx context.Context, allocationID, message string) (*models.Allocation, error) {
	var alloc *models.Allocation
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		alloc = a
		if a.IsTerminal() {
			return nil
		}

		a.LastError = &message
		if err := q.UpdateAllocation(ctx, a); err != nil {
			return fmt.Errorf("update allocation: %w", err)
		}
		return writeLog(ctx, q, models.EntityAllocation, a.ID, "allocation_config_failed", a.Status, message, nil)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("agent reported configuration failure",
		zap.String("allocation_id", allocationID),
		zap.String("status", alloc.Status),
		zap.String("error", message),
	)
	return alloc, nil
}

// FindStaleNeedingReconciliation returns allocations stuck in pending or
// configuring for longer than the stale timeout, oldest first
func (s *AllocationService) FindStaleNeedingReconciliation(ctx context.Context) ([]*models.Allocation, error) {
	cutoff := s.now().Add(-s.lease.StaleTimeout)
	stale, err := s.store.ListAllocationsByStatusBefore(ctx,
		[]string{models.AllocationStatusPending, models.AllocationStatusConfiguring}, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale allocations: %w", err)
	}
	return stale, nil
}

// FindGraceExpired returns live allocations whose grace clock ran past the
// grace period, oldest lapse first
func (s *AllocationService) FindGraceExpired(ctx context.Context) ([]*models.Allocation, error) {
	cutoff := s.now().Add(-s.lease.GracePeriod)
	expired, err := s.store.ListLapsedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list lapsed allocations: %w", err)
	}
	return expired, nil
}

// PurgeReleased physically removes records that have been terminal for longer
// than the retention period. Rules go first so no allocation is left referenced.
func (s *AllocationService) PurgeReleased(ctx context.Context) (int, int, error) {
	cutoff := s.now().Add(-s.lease.Retention)
	var rules, allocations int
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		var err error
		if rules, err = q.PurgeDeletedRulesBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("purge rules: %w", err)
		}
		if allocations, err = q.PurgeReleasedAllocationsBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("purge allocations: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	s.logger.Info("purged terminal records",
		zap.Int("rules", rules),
		zap.Int("allocations", allocations),
		zap.Time("cutoff", cutoff),
	)
	return rules, allocations, nil
}

// Get returns an allocation. A non-empty accountID must own it.
func (s *AllocationService) Get(ctx context.Context, allocationID, accountID string) (*models.Allocation, error) {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, notFound(err, "allocation")
	}
	if accountID != "" && alloc.AccountID != accountID {
		return nil, fmt.Errorf("%w: allocation belongs to another account", ErrForbidden)
	}
	return alloc, nil
}

// ReleaseOwned releases an allocation on behalf of its owner
func (s *AllocationService) ReleaseOwned(ctx context.Context, allocationID, accountID string) (*models.Allocation, error) {
	if _, err := s.Get(ctx, allocationID, accountID); err != nil {
		return nil, err
	}
	return s.Release(ctx, allocationID)
}

// ListByAccount returns every allocation of an account, newest first
func (s *AllocationService) ListByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error) {
	allocs, err := s.store.ListAllocationsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return allocs, nil
}

// ListLiveBySubscription returns the non-released allocations of a subscription
func (s *AllocationService) ListLiveBySubscription(ctx context.Context, subscriptionID string) ([]*models.Allocation, error) {
	allocs, err := s.store.ListLiveAllocationsBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list subscription allocations: %w", err)
	}
	return allocs, nil
}

// History returns the latest audit entries of an allocation
func (s *AllocationService) History(ctx context.Context, allocationID string, limit int) ([]*models.ProvisionLog, error) {
	entries, err := s.store.ListLogs(ctx, allocationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return entries, nil
}

func (s *AllocationService) push(ctx context.Context, alloc *models.Allocation) {
	pushCtx, cancel := context.WithTimeout(ctx, s.lease.DispatchTimeout)
	defer cancel()
	if err := s.pusher.PushAllocation(pushCtx, alloc); err != nil {
		s.logger.Warn("failed to push allocation state",
			zap.String("allocation_id", alloc.ID),
			zap.String("status", alloc.Status),
			zap.Error(err),
		)
	}
}

func (s *AllocationService) notify(ctx context.Context, alloc *models.Allocation) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyAllocationStatus(ctx, alloc); err != nil {
		s.logger.Warn("failed to notify subscription-service",
			zap.String("allocation_id", alloc.ID),
			zap.String("status", alloc.Status),
			zap.Error(err),
		)
	}
}
