package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
	"go.uber.org/zap"
)

// errRuleSetMoved signals that new allocations started using an addon while
// its retirement was being prepared
var errRuleSetMoved = errors.New("addon rule set changed")

const retireAttempts = 3

// AddonLedger tracks purchased extra forwarding slots and their consumption.
// Available capacity is always derived from live addon rows.
type AddonLedger struct {
	store  repository.Store
	lease  config.LeaseConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewAddonLedger creates a new addon ledger
func NewAddonLedger(store repository.Store, lease config.LeaseConfig, logger *zap.Logger) *AddonLedger {
	return &AddonLedger{
		store:  store,
		lease:  lease,
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
}

// AttachAddonInput describes a paid addon to record
type AttachAddonInput struct {
	AccountID      string
	AllocationID   *string
	SubscriptionID string
	ExtraPorts     int
	ExpiresAt      *time.Time
}

// AvailableSlots sums the unused slots of every addon serving the allocation
// that is active and not yet expired. Read-only; takes no locks.
func (s *AddonLedger) AvailableSlots(ctx context.Context, alloc *models.Allocation) (int, error) {
	addons, err := s.store.ListAddonsByAccount(ctx, alloc.AccountID)
	if err != nil {
		return 0, fmt.Errorf("list addons: %w", err)
	}
	return availableSlots(addons, alloc, s.now()), nil
}

func availableSlots(addons []*models.PortForwardAddon, alloc *models.Allocation, now time.Time) int {
	total := 0
	for _, a := range addons {
		if a.ServesAllocation(alloc) && a.Contributes(now) {
			total += a.Headroom()
		}
	}
	return total
}

// ConsumeSlot takes one slot from the oldest eligible addon in its own transaction
func (s *AddonLedger) ConsumeSlot(ctx context.Context, alloc *models.Allocation) (*models.PortForwardAddon, error) {
	var addon *models.PortForwardAddon
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		var err error
		addon, err = s.consumeSlot(ctx, q, alloc, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return addon, nil
}

// consumeSlot locks the addons serving alloc, oldest purchase first, and
// increments portsUsed on the first one with headroom. Eligibility is
// re-evaluated under the lock.
func (s *AddonLedger) consumeSlot(ctx context.Context, q repository.Querier, alloc *models.Allocation, now time.Time) (*models.PortForwardAddon, error) {
	addons, err := q.ListActiveAddonsForUpdate(ctx, alloc.AccountID, alloc.ID)
	if err != nil {
		return nil, fmt.Errorf("lock addons: %w", err)
	}

	for _, a := range addons {
		if !a.Contributes(now) || a.Headroom() == 0 {
			continue
		}
		a.PortsUsed++
		if err := q.UpdateAddon(ctx, a); err != nil {
			return nil, fmt.Errorf("consume slot of addon %s: %w", a.ID, err)
		}
		return a, nil
	}

	return nil, ErrNoAddonCapacity
}

// ReleaseSlot returns one slot of addonID in its own transaction
func (s *AddonLedger) ReleaseSlot(ctx context.Context, alloc *models.Allocation, addonID string) error {
	return s.store.WithTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetAllocationForUpdate(ctx, alloc.ID); err != nil {
			return notFound(err, "allocation")
		}
		return s.releaseSlot(ctx, q, addonID)
	})
}

// releaseSlot decrements portsUsed, flooring at zero
func (s *AddonLedger) releaseSlot(ctx context.Context, q repository.Querier, addonID string) error {
	addon, err := q.GetAddonForUpdate(ctx, addonID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("release slot of unknown addon", zap.String("addon_id", addonID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock addon %s: %w", addonID, err)
	}

	if addon.PortsUsed == 0 {
		return nil
	}
	addon.PortsUsed--
	if err := q.UpdateAddon(ctx, addon); err != nil {
		return fmt.Errorf("release slot of addon %s: %w", addonID, err)
	}
	return nil
}

// placeRule finds quota for a rule that lost its slot: free included quota
// first, then a slot of the oldest live addon. It reports false when neither
// has room. The caller holds the allocation lock and saves the rule.
func (s *AddonLedger) placeRule(ctx context.Context, q repository.Querier, alloc *models.Allocation, r *models.PortForwardRule, now time.Time) (bool, error) {
	used, err := q.CountIncludedRules(ctx, alloc.ID)
	if err != nil {
		return false, fmt.Errorf("count included rules: %w", err)
	}
	if used < alloc.IncludedPorts {
		r.IsFromAddon = false
		r.AddonID = nil
		return true, nil
	}

	addon, err := s.consumeSlot(ctx, q, alloc, now)
	if errors.Is(err, ErrNoAddonCapacity) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.IsFromAddon = true
	r.AddonID = &addon.ID
	return true, nil
}

// disableRule parks a rule that has no quota left. It keeps its port and is
// pushed to the agent as disabled.
func disableRule(r *models.PortForwardRule, now time.Time) {
	r.Enabled = false
	r.Status = models.RuleStatusPending
	r.StatusChangedAt = now
	r.DispatchAttempts = 0
	r.LastError = nil
}

// enforceIncludedLimit brings the enabled included rules of alloc back under
// its included port count. The oldest rules keep the plan quota; the excess
// moves to addon slots, and what no addon can take is disabled and returned.
// The caller holds the allocation lock.
func (s *AddonLedger) enforceIncludedLimit(ctx context.Context, q repository.Querier, alloc *models.Allocation, now time.Time) ([]*models.PortForwardRule, error) {
	rules, err := q.ListRulesByAllocation(ctx, alloc.ID, false)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var included []*models.PortForwardRule
	for _, r := range rules {
		if r.Enabled && !r.IsFromAddon {
			included = append(included, r)
		}
	}
	if len(included) <= alloc.IncludedPorts {
		return nil, nil
	}

	var disabled []*models.PortForwardRule
	for _, r := range included[max(alloc.IncludedPorts, 0):] {
		action := "rule_moved_to_addon"
		addon, err := s.consumeSlot(ctx, q, alloc, now)
		switch {
		case errors.Is(err, ErrNoAddonCapacity):
			disableRule(r, now)
			action = "rule_disabled"
			disabled = append(disabled, r)
		case err != nil:
			return nil, err
		default:
			r.IsFromAddon = true
			r.AddonID = &addon.ID
		}
		if err := q.UpdateRule(ctx, r); err != nil {
			return nil, fmt.Errorf("update rule %s: %w", r.ID, err)
		}
		if err := writeLog(ctx, q, models.EntityRule, r.ID, action, r.Status,
			fmt.Sprintf("included ports reduced to %d", alloc.IncludedPorts), nil); err != nil {
			return nil, err
		}
	}
	return disabled, nil
}

// AttachAddon records a purchased addon. When AllocationID is set the addon
// serves only that allocation; otherwise it serves every allocation of the
// account.
func (s *AddonLedger) AttachAddon(ctx context.Context, in *AttachAddonInput) (*models.PortForwardAddon, error) {
	if in.AccountID == "" || in.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: account_id and subscription_id are required", ErrInvalidArgument)
	}
	if in.ExtraPorts <= 0 {
		return nil, fmt.Errorf("%w: extra_ports must be positive", ErrInvalidArgument)
	}

	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at is in the past", ErrInvalidArgument)
	}

	addon := &models.PortForwardAddon{
		ID:             uuid.New().String(),
		AccountID:      in.AccountID,
		AllocationID:   in.AllocationID,
		SubscriptionID: in.SubscriptionID,
		ExtraPorts:     in.ExtraPorts,
		Status:         models.AddonStatusActive,
		ExpiresAt:      in.ExpiresAt,
		CreatedAt:      now,
	}

	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		if in.AllocationID != nil {
			alloc, err := q.GetAllocationForUpdate(ctx, *in.AllocationID)
			if err != nil {
				return notFound(err, "allocation")
			}
			if alloc.AccountID != in.AccountID {
				return fmt.Errorf("%w: allocation belongs to another account", ErrForbidden)
			}
			if alloc.IsTerminal() {
				return fmt.Errorf("%w: allocation %s is released", ErrInvalidArgument, alloc.ID)
			}
		}

		if err := q.InsertAddon(ctx, addon); err != nil {
			return fmt.Errorf("insert addon: %w", err)
		}

		return writeLog(ctx, q, models.EntityAddon, addon.ID, "addon_attached", addon.Status,
			fmt.Sprintf("Addon with %d extra ports attached", addon.ExtraPorts),
			map[string]interface{}{"account_id": addon.AccountID, "subscription_id": addon.SubscriptionID})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("addon attached",
		zap.String("addon_id", addon.ID),
		zap.String("account_id", addon.AccountID),
		zap.Int("extra_ports", addon.ExtraPorts),
	)
	return addon, nil
}

// ExpireAddons retires every active addon whose expiry has passed. Rules that
// were using an expired addon's slots move to remaining quota where there is
// room; the rest are disabled and returned so they can be pushed. They are
// never deleted.
func (s *AddonLedger) ExpireAddons(ctx context.Context) ([]*models.PortForwardAddon, []*models.PortForwardRule, error) {
	due, err := s.store.ListAddonsExpiringBefore(ctx, s.now())
	if err != nil {
		return nil, nil, fmt.Errorf("list expired addons: %w", err)
	}

	var (
		expired  []*models.PortForwardAddon
		disabled []*models.PortForwardRule
	)
	for _, a := range due {
		addon, rules, err := s.retire(ctx, a.ID, models.AddonStatusExpired, true)
		if err != nil {
			s.logger.Error("failed to expire addon", zap.String("addon_id", a.ID), zap.Error(err))
			continue
		}
		if addon == nil {
			continue
		}
		expired = append(expired, addon)
		disabled = append(disabled, rules...)
	}

	if len(expired) > 0 {
		s.logger.Info("addons expired", zap.Int("count", len(expired)), zap.Int("rules_disabled", len(disabled)))
	}
	return expired, disabled, nil
}

// CancelAddon retires an addon before its expiry, for refunds and chargebacks.
// Cancelling a retired addon is a no-op.
func (s *AddonLedger) CancelAddon(ctx context.Context, addonID string) (*models.PortForwardAddon, []*models.PortForwardRule, error) {
	addon, rules, err := s.retire(ctx, addonID, models.AddonStatusCancelled, false)
	if err != nil {
		return nil, nil, err
	}
	if addon == nil {
		existing, err := s.store.GetAddon(ctx, addonID)
		if err != nil {
			return nil, nil, notFound(err, "addon")
		}
		return existing, nil, nil
	}
	return addon, rules, nil
}

// retire moves an active addon to status and re-homes the rules holding its
// slots onto included quota or other live addons, oldest rule first. Rules
// that find no room are disabled and returned. The allocations owning those
// rules are locked first, then the addon. A nil addon means there was nothing
// to retire.
func (s *AddonLedger) retire(ctx context.Context, addonID, status string, onlyIfExpired bool) (*models.PortForwardAddon, []*models.PortForwardRule, error) {
	for attempt := 0; attempt < retireAttempts; attempt++ {
		candidates, err := s.store.ListRulesByAddons(ctx, []string{addonID})
		if err != nil {
			return nil, nil, fmt.Errorf("list addon rules: %w", err)
		}
		allocIDs := allocationIDs(candidates)

		var (
			retired  *models.PortForwardAddon
			disabled []*models.PortForwardRule
			rehomed  int
		)
		now := s.now()
		err = s.store.WithTx(ctx, func(q repository.Querier) error {
			locked := make(map[string]*models.Allocation, len(allocIDs))
			for _, id := range allocIDs {
				a, err := q.GetAllocationForUpdate(ctx, id)
				if err != nil {
					return notFound(err, "allocation")
				}
				locked[id] = a
			}
			// same order as rule admission: allocation, then its addons oldest first
			for _, id := range allocIDs {
				a := locked[id]
				if _, err := q.ListActiveAddonsForUpdate(ctx, a.AccountID, a.ID); err != nil {
					return fmt.Errorf("lock addons: %w", err)
				}
			}

			addon, err := q.GetAddonForUpdate(ctx, addonID)
			if err != nil {
				return notFound(err, "addon")
			}
			if addon.Status != models.AddonStatusActive {
				return nil
			}
			if onlyIfExpired && addon.Contributes(now) {
				return nil
			}

			rules, err := q.ListRulesByAddons(ctx, []string{addonID})
			if err != nil {
				return fmt.Errorf("list addon rules: %w", err)
			}
			for _, r := range rules {
				if locked[r.AllocationID] == nil {
					return errRuleSetMoved
				}
			}

			// retire first so the addon is no candidate for its own rules
			addon.Status = status
			if err := q.UpdateAddon(ctx, addon); err != nil {
				return fmt.Errorf("update addon: %w", err)
			}

			for _, r := range rules {
				if !r.Enabled {
					continue
				}
				placed, err := s.placeRule(ctx, q, locked[r.AllocationID], r, now)
				if err != nil {
					return err
				}
				action := "rule_rehomed"
				if placed {
					if addon.PortsUsed > 0 {
						addon.PortsUsed--
					}
					rehomed++
				} else {
					disableRule(r, now)
					action = "rule_disabled"
					disabled = append(disabled, r)
				}
				if err := q.UpdateRule(ctx, r); err != nil {
					return fmt.Errorf("update rule %s: %w", r.ID, err)
				}
				if err := writeLog(ctx, q, models.EntityRule, r.ID, action, r.Status,
					fmt.Sprintf("addon %s %s", addonID, status), nil); err != nil {
					return err
				}
			}

			if rehomed > 0 {
				if err := q.UpdateAddon(ctx, addon); err != nil {
					return fmt.Errorf("update addon: %w", err)
				}
			}
			retired = addon

			action := "addon_" + status
			return writeLog(ctx, q, models.EntityAddon, addon.ID, action, status,
				fmt.Sprintf("Addon %s, %d rules re-homed, %d rules disabled", status, rehomed, len(disabled)),
				map[string]interface{}{"rules_rehomed": rehomed, "rules_disabled": len(disabled)})
		})
		if errors.Is(err, errRuleSetMoved) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if rehomed > 0 {
			s.logger.Info("addon rules re-homed",
				zap.String("addon_id", addonID),
				zap.Int("rehomed", rehomed),
				zap.Int("disabled", len(disabled)),
			)
		}
		return retired, disabled, nil
	}
	return nil, nil, fmt.Errorf("retire addon %s: rule set kept changing", addonID)
}

func allocationIDs(rules []*models.PortForwardRule) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range rules {
		if !seen[r.AllocationID] {
			seen[r.AllocationID] = true
			ids = append(ids, r.AllocationID)
		}
	}
	// fixed order keeps concurrent retirements from deadlocking
	sort.Strings(ids)
	return ids
}

// ListAddons returns every addon of an account, oldest first
func (s *AddonLedger) ListAddons(ctx context.Context, accountID string) ([]*models.PortForwardAddon, error) {
	addons, err := s.store.ListAddonsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list addons: %w", err)
	}
	return addons, nil
}

// ListExpiring returns active addons expiring within the configured window
func (s *AddonLedger) ListExpiring(ctx context.Context) ([]*models.PortForwardAddon, error) {
	addons, err := s.store.ListAddonsExpiringBefore(ctx, s.now().Add(s.lease.ExpiringWindow))
	if err != nil {
		return nil, fmt.Errorf("list expiring addons: %w", err)
	}
	return addons, nil
}

// ListOrphaned returns active addons still attached to a released allocation
func (s *AddonLedger) ListOrphaned(ctx context.Context) ([]*models.PortForwardAddon, error) {
	addons, err := s.store.ListOrphanedAddons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orphaned addons: %w", err)
	}
	return addons, nil
}

// GetAddon returns one addon
func (s *AddonLedger) GetAddon(ctx context.Context, addonID string) (*models.PortForwardAddon, error) {
	addon, err := s.store.GetAddon(ctx, addonID)
	if err != nil {
		return nil, notFound(err, "addon")
	}
	return addon, nil
}
