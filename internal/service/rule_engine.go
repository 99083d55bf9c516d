package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
	"go.uber.org/zap"
)

// RuleEngine admits, retires and tracks port forwarding rules. Every rule-set
// mutation locks the owning allocation row first, so admission on one
// allocation is serialized.
type RuleEngine struct {
	store  repository.Store
	ledger *AddonLedger
	pusher ConfigPusher
	lease  config.LeaseConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRuleEngine creates a new rule engine
func NewRuleEngine(store repository.Store, ledger *AddonLedger, pusher ConfigPusher, lease config.LeaseConfig, logger *zap.Logger) *RuleEngine {
	return &RuleEngine{
		store:  store,
		ledger: ledger,
		pusher: pusher,
		lease:  lease,
		logger: logger.Named("rules"),
		now:    time.Now,
	}
}

// AddRuleInput is a request to forward one external port
type AddRuleInput struct {
	AllocationID string
	// AccountID, when set, must own the allocation
	AccountID    string
	ExternalPort int
	InternalPort int
	Protocol     string
	Description  string
}

// QuotaSummary is the port quota of one allocation
type QuotaSummary struct {
	AllocationID  string `json:"allocation_id"`
	IncludedPorts int    `json:"included_ports"`
	IncludedUsed  int    `json:"included_used"`
	AddonRules    int    `json:"addon_rules"`
	DisabledRules int    `json:"disabled_rules"`
	AddonSlots    int    `json:"addon_slots_available"`
	Remaining     int    `json:"remaining"`
}

func validatePort(port int) bool {
	return port >= 1 && port <= 65535
}

// AddRule admits a rule. Port uniqueness and quota are checked under the
// allocation lock in the same transaction as the insert: included quota is
// used first, then one addon slot, otherwise ErrQuotaExceeded. Disabled rules
// keep their port but hold no quota.
func (s *RuleEngine) AddRule(ctx context.Context, in *AddRuleInput) (*models.PortForwardRule, error) {
	protocol := strings.ToLower(in.Protocol)
	if !models.IsValidProtocol(protocol) {
		return nil, fmt.Errorf("%w: protocol must be tcp or udp", ErrInvalidArgument)
	}
	if !validatePort(in.ExternalPort) || !validatePort(in.InternalPort) {
		return nil, fmt.Errorf("%w: ports must be between 1 and 65535", ErrInvalidArgument)
	}

	var (
		alloc *models.Allocation
		rule  *models.PortForwardRule
	)
	err := s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, in.AllocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		if in.AccountID != "" && a.AccountID != in.AccountID {
			return fmt.Errorf("%w: allocation belongs to another account", ErrForbidden)
		}
		if a.IsTerminal() {
			return fmt.Errorf("%w: allocation %s is released", ErrInvalidArgument, a.ID)
		}
		alloc = a

		_, err = q.FindLiveRuleByPort(ctx, a.ID, in.ExternalPort, protocol)
		if err == nil {
			return fmt.Errorf("%w: %d/%s", ErrPortAlreadyUsed, in.ExternalPort, protocol)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("check port: %w", err)
		}

		now := s.now()
		rule = &models.PortForwardRule{
			ID:              uuid.New().String(),
			AllocationID:    a.ID,
			ExternalPort:    in.ExternalPort,
			InternalPort:    in.InternalPort,
			Protocol:        protocol,
			Description:     in.Description,
			Status:          models.RuleStatusPending,
			Enabled:         true,
			StatusChangedAt: now,
			CreatedAt:       now,
		}

		used, err := q.CountIncludedRules(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("count included rules: %w", err)
		}
		if used >= a.IncludedPorts {
			addon, err := s.ledger.consumeSlot(ctx, q, a, now)
			if errors.Is(err, ErrNoAddonCapacity) {
				return fmt.Errorf("%w: %d included ports in use and no addon slot left", ErrQuotaExceeded, used)
			}
			if err != nil {
				return err
			}
			rule.IsFromAddon = true
			rule.AddonID = &addon.ID
		}

		if err := q.InsertRule(ctx, rule); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: %d/%s", ErrPortAlreadyUsed, in.ExternalPort, protocol)
			}
			return fmt.Errorf("insert rule: %w", err)
		}

		return writeLog(ctx, q, models.EntityRule, rule.ID, "rule_added", rule.Status,
			fmt.Sprintf("%d/%s -> %d", rule.ExternalPort, rule.Protocol, rule.InternalPort),
			map[string]interface{}{"allocation_id": a.ID, "from_addon": rule.IsFromAddon})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("rule added",
		zap.String("rule_id", rule.ID),
		zap.String("allocation_id", alloc.ID),
		zap.Int("external_port", rule.ExternalPort),
		zap.String("protocol", rule.Protocol),
		zap.Bool("from_addon", rule.IsFromAddon),
	)

	return s.Dispatch(ctx, rule.ID)
}

// RemoveRule soft-deletes a rule and returns its addon slot. Removing a
// deleted rule is a no-op.
func (s *RuleEngine) RemoveRule(ctx context.Context, ruleID, accountID string) (*models.PortForwardRule, error) {
	existing, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, notFound(err, "rule")
	}

	var (
		alloc   *models.Allocation
		rule    *models.PortForwardRule
		removed bool
	)
	err = s.store.WithTx(ctx, func(q repository.Querier) error {
		a, err := q.GetAllocationForUpdate(ctx, existing.AllocationID)
		if err != nil {
			return notFound(err, "allocation")
		}
		if accountID != "" && a.AccountID != accountID {
			return fmt.Errorf("%w: rule belongs to another account", ErrForbidden)
		}
		alloc = a

		r, err := q.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return notFound(err, "rule")
		}
		rule = r
		if r.IsDeleted() {
			return nil
		}

		r.Status = models.RuleStatusDeleted
		r.StatusChangedAt = s.now()
		if err := q.UpdateRule(ctx, r); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		if r.IsFromAddon && r.AddonID != nil {
			if err := s.ledger.releaseSlot(ctx, q, *r.AddonID); err != nil {
				return err
			}
		}
		removed = true

		return writeLog(ctx, q, models.EntityRule, r.ID, "rule_removed", r.Status,
			fmt.Sprintf("%d/%s", r.ExternalPort, r.Protocol),
			map[string]interface{}{"allocation_id": a.ID, "from_addon": r.IsFromAddon})
	})
	if err != nil {
		return nil, err
	}

	if removed {
		s.logger.Info("rule removed", zap.String("rule_id", rule.ID), zap.String("allocation_id", alloc.ID))
		if !alloc.IsTerminal() {
			s.push(ctx, alloc, rule)
		}
	}
	return rule, nil
}

// Dispatch pushes a pending or configuring rule to the network agent. A
// successful push moves pending to configuring; a failure is recorded and
// left for reconciliation.
func (s *RuleEngine) Dispatch(ctx context.Context, ruleID string) (*models.PortForwardRule, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, notFound(err, "rule")
	}
	if rule.Status != models.RuleStatusPending && rule.Status != models.RuleStatusConfiguring {
		return rule, nil
	}
	alloc, err := s.store.GetAllocation(ctx, rule.AllocationID)
	if err != nil {
		return nil, notFound(err, "allocation")
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.lease.DispatchTimeout)
	pushErr := s.pusher.PushRule(pushCtx, alloc, rule)
	cancel()

	var updated *models.PortForwardRule
	err = s.store.WithTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetAllocationForUpdate(ctx, rule.AllocationID); err != nil {
			return notFound(err, "allocation")
		}
		r, err := q.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return notFound(err, "rule")
		}
		updated = r
		if r.Status != rule.Status || r.Enabled != rule.Enabled {
			return nil
		}

		r.DispatchAttempts++
		action := "rule_dispatched"
		if pushErr != nil {
			msg := pushErr.Error()
			r.LastError = &msg
			action = "rule_dispatch_failed"
		} else {
			r.LastError = nil
			if r.Status == models.RuleStatusPending {
				r.Status = models.RuleStatusConfiguring
			}
			r.StatusChangedAt = s.now()
		}

		if err := q.UpdateRule(ctx, r); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		return writeLog(ctx, q, models.EntityRule, r.ID, action, r.Status, "",
			map[string]interface{}{"attempt": r.DispatchAttempts})
	})
	if err != nil {
		return nil, err
	}

	if pushErr != nil {
		s.logger.Warn("rule dispatch failed",
			zap.String("rule_id", ruleID),
			zap.Int("attempt", updated.DispatchAttempts),
			zap.Error(pushErr),
		)
	}
	return updated, nil
}

// DispatchAll pushes each rule, logging failures instead of stopping
func (s *RuleEngine) DispatchAll(ctx context.Context, rules []*models.PortForwardRule) {
	for _, r := range rules {
		if _, err := s.Dispatch(ctx, r.ID); err != nil {
			s.logger.Error("failed to dispatch rule", zap.String("rule_id", r.ID), zap.Error(err))
		}
	}
}

// DispatchAllocationRules pushes every live rule of an allocation
func (s *RuleEngine) DispatchAllocationRules(ctx context.Context, allocationID string) error {
	rules, err := s.store.ListRulesByAllocation(ctx, allocationID, false)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	s.DispatchAll(ctx, rules)
	return nil
}

// HandleConfigured records the agent's confirmation of a rule
func (s *RuleEngine) HandleConfigured(ctx context.Context, ruleID string) (*models.PortForwardRule, error) {
	return s.applyCallback(ctx, ruleID, func(r *models.PortForwardRule) (string, error) {
		switch r.Status {
		case models.RuleStatusActive:
			return "", nil
		case models.RuleStatusPending, models.RuleStatusConfiguring:
			r.Status = models.RuleStatusActive
			r.StatusChangedAt = s.now()
			r.DispatchAttempts = 0
			r.LastError = nil
			return "rule_configured", nil
		default:
			return "", fmt.Errorf("%w: configured callback for %s rule", ErrInvalidTransition, r.Status)
		}
	})
}

// HandleFailed records a rule failure reported by the agent
func (s *RuleEngine) HandleFailed(ctx context.Context, ruleID, message string) (*models.PortForwardRule, error) {
	rule, err := s.applyCallback(ctx, ruleID, func(r *models.PortForwardRule) (string, error) {
		if r.IsDeleted() {
			return "", nil
		}
		r.LastError = &message
		return "rule_config_failed", nil
	})
	if err == nil {
		s.logger.Warn("agent reported rule failure", zap.String("rule_id", ruleID), zap.String("error", message))
	}
	return rule, err
}

func (s *RuleEngine) applyCallback(ctx context.Context, ruleID string, apply func(r *models.PortForwardRule) (string, error)) (*models.PortForwardRule, error) {
	existing, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, notFound(err, "rule")
	}

	var rule *models.PortForwardRule
	err = s.store.WithTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetAllocationForUpdate(ctx, existing.AllocationID); err != nil {
			return notFound(err, "allocation")
		}
		r, err := q.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return notFound(err, "rule")
		}
		rule = r

		action, err := apply(r)
		if err != nil || action == "" {
			return err
		}
		if err := q.UpdateRule(ctx, r); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		msg := ""
		if r.LastError != nil {
			msg = *r.LastError
		}
		return writeLog(ctx, q, models.EntityRule, r.ID, action, r.Status, msg, nil)
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn("rule callback rejected", zap.String("rule_id", ruleID), zap.Error(err))
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListNeedingConfiguration returns rules in pending or configuring, oldest
// status change first
func (s *RuleEngine) ListNeedingConfiguration(ctx context.Context) ([]*models.PortForwardRule, error) {
	rules, err := s.store.ListRulesByStatus(ctx, []string{models.RuleStatusPending, models.RuleStatusConfiguring})
	if err != nil {
		return nil, fmt.Errorf("list rules needing configuration: %w", err)
	}
	return rules, nil
}

// FindStale returns rules needing configuration whose last status change is
// older than the stale timeout
func (s *RuleEngine) FindStale(ctx context.Context) ([]*models.PortForwardRule, error) {
	rules, err := s.ListNeedingConfiguration(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.lease.StaleTimeout)
	var stale []*models.PortForwardRule
	for _, r := range rules {
		if r.StatusChangedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}

// RestoreDisabledRules re-enables rules disabled by addon expiry, addon
// cancellation or a plan downgrade, oldest first, as long as included quota
// or live addon headroom lasts. A restored rule gives back the slot it held
// on a retired addon.
func (s *RuleEngine) RestoreDisabledRules(ctx context.Context, accountID string) ([]*models.PortForwardRule, error) {
	allocs, err := s.store.ListLiveAllocationsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}

	var restored []*models.PortForwardRule
	for _, alloc := range allocs {
		var batch []*models.PortForwardRule
		err := s.store.WithTx(ctx, func(q repository.Querier) error {
			a, err := q.GetAllocationForUpdate(ctx, alloc.ID)
			if err != nil {
				return notFound(err, "allocation")
			}
			if a.IsTerminal() {
				return nil
			}

			disabled, err := q.ListDisabledRules(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("list disabled rules: %w", err)
			}

			now := s.now()
			for _, r := range disabled {
				previous := r.AddonID
				placed, err := s.ledger.placeRule(ctx, q, a, r, now)
				if err != nil {
					return err
				}
				if !placed {
					break
				}
				if previous != nil {
					if err := s.ledger.releaseSlot(ctx, q, *previous); err != nil {
						return err
					}
				}

				r.Enabled = true
				r.Status = models.RuleStatusPending
				r.StatusChangedAt = now
				r.DispatchAttempts = 0
				r.LastError = nil
				if err := q.UpdateRule(ctx, r); err != nil {
					return fmt.Errorf("restore rule %s: %w", r.ID, err)
				}
				if err := writeLog(ctx, q, models.EntityRule, r.ID, "rule_restored", r.Status, "",
					map[string]interface{}{"from_addon": r.IsFromAddon}); err != nil {
					return err
				}
				batch = append(batch, r)
			}
			return nil
		})
		if err != nil {
			return restored, err
		}
		restored = append(restored, batch...)
	}

	if len(restored) > 0 {
		s.logger.Info("disabled rules restored", zap.String("account_id", accountID), zap.Int("count", len(restored)))
		s.DispatchAll(ctx, restored)
	}
	return restored, nil
}

// ListRules returns the live rules of an allocation. A non-empty accountID
// must own it.
func (s *RuleEngine) ListRules(ctx context.Context, allocationID, accountID string) ([]*models.PortForwardRule, error) {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, notFound(err, "allocation")
	}
	if accountID != "" && alloc.AccountID != accountID {
		return nil, fmt.Errorf("%w: allocation belongs to another account", ErrForbidden)
	}
	rules, err := s.store.ListRulesByAllocation(ctx, allocationID, false)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// Quota summarizes included and addon capacity of an allocation. Derived
// live from rules and addons; it may be slightly stale under concurrent writes.
func (s *RuleEngine) Quota(ctx context.Context, allocationID, accountID string) (*QuotaSummary, error) {
	alloc, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, notFound(err, "allocation")
	}
	if accountID != "" && alloc.AccountID != accountID {
		return nil, fmt.Errorf("%w: allocation belongs to another account", ErrForbidden)
	}

	rules, err := s.store.ListRulesByAllocation(ctx, allocationID, false)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	slots, err := s.ledger.AvailableSlots(ctx, alloc)
	if err != nil {
		return nil, err
	}

	summary := &QuotaSummary{
		AllocationID:  alloc.ID,
		IncludedPorts: alloc.IncludedPorts,
		AddonSlots:    slots,
	}
	for _, r := range rules {
		switch {
		case !r.Enabled:
			summary.DisabledRules++
		case r.IsFromAddon:
			summary.AddonRules++
		default:
			summary.IncludedUsed++
		}
	}
	summary.Remaining = slots
	if free := alloc.IncludedPorts - summary.IncludedUsed; free > 0 {
		summary.Remaining += free
	}
	return summary, nil
}

func (s *RuleEngine) push(ctx context.Context, alloc *models.Allocation, rule *models.PortForwardRule) {
	pushCtx, cancel := context.WithTimeout(ctx, s.lease.DispatchTimeout)
	defer cancel()
	if err := s.pusher.PushRule(pushCtx, alloc, rule); err != nil {
		s.logger.Warn("failed to push rule state",
			zap.String("rule_id", rule.ID),
			zap.String("status", rule.Status),
			zap.Error(err),
		)
	}
}
