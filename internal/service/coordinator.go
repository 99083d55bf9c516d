package service

import (
	"context"
	"fmt"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"go.uber.org/zap"
)

// SubscriptionEvent is a subscription state change from billing
type SubscriptionEvent struct {
	SubscriptionID string
	AccountID      string
	Status         string
	// Region is required for purchase events that lease a new address
	Region string
}

// Coordinator binds allocations and addons to billing subscriptions and
// reacts to their state changes.
type Coordinator struct {
	allocations *AllocationService
	rules       *RuleEngine
	ledger      *AddonLedger
	plans       PlanProvider
	logger      *zap.Logger
}

// NewCoordinator creates a new subscription coordinator
func NewCoordinator(allocations *AllocationService, rules *RuleEngine, ledger *AddonLedger, plans PlanProvider, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		allocations: allocations,
		rules:       rules,
		ledger:      ledger,
		plans:       plans,
		logger:      logger.Named("coordinator"),
	}
}

// HandleEvent dispatches a subscription event and returns the allocations it
// touched
func (c *Coordinator) HandleEvent(ctx context.Context, ev *SubscriptionEvent) ([]*models.Allocation, error) {
	if ev.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription_id is required", ErrInvalidArgument)
	}

	c.logger.Info("subscription event",
		zap.String("subscription_id", ev.SubscriptionID),
		zap.String("status", ev.Status),
	)

	switch ev.Status {
	case models.SubscriptionEventActive:
		return c.OnPurchase(ctx, ev)
	case models.SubscriptionEventRenewed:
		return c.OnRenewal(ctx, ev.SubscriptionID)
	case models.SubscriptionEventLapsed, models.SubscriptionEventCancelled:
		return c.OnLapse(ctx, ev.SubscriptionID)
	default:
		return nil, fmt.Errorf("%w: unknown subscription status %q", ErrInvalidArgument, ev.Status)
	}
}

// OnPurchase leases an address for a newly active subscription. A redelivered
// event for a subscription that already holds an allocation in the region is
// treated as a renewal.
func (c *Coordinator) OnPurchase(ctx context.Context, ev *SubscriptionEvent) ([]*models.Allocation, error) {
	if ev.AccountID == "" || ev.Region == "" {
		return nil, fmt.Errorf("%w: account_id and region are required for activation", ErrInvalidArgument)
	}

	live, err := c.allocations.ListLiveBySubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, err
	}
	for _, a := range live {
		if a.Region == ev.Region {
			return c.OnRenewal(ctx, ev.SubscriptionID)
		}
	}

	alloc, err := c.Provision(ctx, ev.AccountID, ev.Region, ev.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return []*models.Allocation{alloc}, nil
}

// Provision leases an address and hands it to the network agent. Once the
// lease commits it is returned even if the push bookkeeping fails; the
// reconciliation sweep picks it up from there.
func (c *Coordinator) Provision(ctx context.Context, accountID, region, subscriptionID string) (*models.Allocation, error) {
	alloc, err := c.allocations.CreateAllocation(ctx, accountID, region, subscriptionID)
	if err != nil {
		return nil, err
	}

	dispatched, err := c.allocations.Dispatch(ctx, alloc.ID)
	if err != nil {
		c.logger.Error("failed to dispatch new allocation",
			zap.String("allocation_id", alloc.ID),
			zap.Error(err),
		)
		return alloc, nil
	}
	return dispatched, nil
}

// OnLapse suspends active allocations so the address survives the grace
// period. Allocations still being configured are kept and only start their
// grace clock.
func (c *Coordinator) OnLapse(ctx context.Context, subscriptionID string) ([]*models.Allocation, error) {
	live, err := c.allocations.ListLiveBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	var touched []*models.Allocation
	for _, a := range live {
		var (
			updated *models.Allocation
			err     error
		)
		switch a.Status {
		case models.AllocationStatusActive:
			updated, err = c.allocations.Advance(ctx, a.ID, models.AllocationStatusSuspended)
		case models.AllocationStatusPending, models.AllocationStatusConfiguring:
			updated, err = c.allocations.MarkLapsed(ctx, a.ID)
		default:
			continue
		}
		if err != nil {
			return touched, fmt.Errorf("lapse allocation %s: %w", a.ID, err)
		}
		touched = append(touched, updated)
	}
	return touched, nil
}

// OnRenewal resumes suspended allocations on their original address and
// refreshes the plan snapshot. Rules a smaller plan no longer covers are
// pushed disabled; rules a larger plan covers again are restored.
func (c *Coordinator) OnRenewal(ctx context.Context, subscriptionID string) ([]*models.Allocation, error) {
	live, err := c.allocations.ListLiveBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		c.logger.Info("renewal for subscription without live allocations", zap.String("subscription_id", subscriptionID))
		return nil, nil
	}

	plan, err := c.plans.GetPlan(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan for subscription %s: %w", subscriptionID, err)
	}

	var touched []*models.Allocation
	for _, a := range live {
		result, err := c.allocations.Renew(ctx, a.ID, plan)
		if err != nil {
			return touched, fmt.Errorf("renew allocation %s: %w", a.ID, err)
		}
		if result.Readdressed {
			if err := c.rules.DispatchAllocationRules(ctx, a.ID); err != nil {
				c.logger.Error("failed to re-push rules after readdress", zap.String("allocation_id", a.ID), zap.Error(err))
			}
		} else {
			c.rules.DispatchAll(ctx, result.Disabled)
		}
		touched = append(touched, result.Allocation)
	}

	if _, err := c.rules.RestoreDisabledRules(ctx, live[0].AccountID); err != nil {
		c.logger.Error("failed to restore disabled rules", zap.String("subscription_id", subscriptionID), zap.Error(err))
	}
	return touched, nil
}

// ReleaseGraceExpired releases lapsed allocations whose grace period ran out,
// whether suspended or still being configured. It returns how many were
// released.
func (c *Coordinator) ReleaseGraceExpired(ctx context.Context) (int, error) {
	expired, err := c.allocations.FindGraceExpired(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, a := range expired {
		if _, err := c.allocations.Release(ctx, a.ID); err != nil {
			c.logger.Error("failed to release after grace period", zap.String("allocation_id", a.ID), zap.Error(err))
			continue
		}
		released++
	}
	if released > 0 {
		c.logger.Info("grace period expired", zap.Int("released", released))
	}
	return released, nil
}

// AttachAddon records a paid addon and lets it take over rules that an
// earlier addon left disabled
func (c *Coordinator) AttachAddon(ctx context.Context, in *AttachAddonInput) (*models.PortForwardAddon, error) {
	addon, err := c.ledger.AttachAddon(ctx, in)
	if err != nil {
		return nil, err
	}

	if _, err := c.rules.RestoreDisabledRules(ctx, addon.AccountID); err != nil {
		c.logger.Error("failed to restore disabled rules", zap.String("account_id", addon.AccountID), zap.Error(err))
	}

	fresh, err := c.ledger.GetAddon(ctx, addon.ID)
	if err != nil {
		return addon, nil
	}
	return fresh, nil
}

// CancelAddon retires an addon and pushes the rules it leaves disabled
func (c *Coordinator) CancelAddon(ctx context.Context, addonID string) (*models.PortForwardAddon, error) {
	addon, disabled, err := c.ledger.CancelAddon(ctx, addonID)
	if err != nil {
		return nil, err
	}
	c.rules.DispatchAll(ctx, disabled)
	return addon, nil
}

// ExpireAddons runs the addon expiry sweep and pushes the rules it disables
func (c *Coordinator) ExpireAddons(ctx context.Context) (int, error) {
	expired, disabled, err := c.ledger.ExpireAddons(ctx)
	if err != nil {
		return 0, err
	}
	c.rules.DispatchAll(ctx, disabled)
	return len(expired), nil
}
