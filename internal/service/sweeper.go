package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepReport counts what one sweep pass did
type SweepReport struct {
	AllocationsRedispatched int `json:"allocations_redispatched"`
	RulesRedispatched       int `json:"rules_redispatched"`
	NeedsIntervention       int `json:"needs_intervention"`
	AddonsExpired           int `json:"addons_expired"`
	GraceReleased           int `json:"grace_released"`
	RulesPurged             int `json:"rules_purged"`
	AllocationsPurged       int `json:"allocations_purged"`
}

// Sweeper runs the periodic background jobs: reconciliation of stuck
// provisioning, addon expiry and grace-period release. Stuck records are
// re-dispatched, never released.
type Sweeper struct {
	allocations *AllocationService
	rules       *RuleEngine
	coordinator *Coordinator
	lease       config.LeaseConfig
	logger      *zap.Logger

	mu        sync.Mutex
	intervals config.SweepConfig
	reset     chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(allocations *AllocationService, rules *RuleEngine, coordinator *Coordinator, lease config.LeaseConfig, intervals config.SweepConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		allocations: allocations,
		rules:       rules,
		coordinator: coordinator,
		lease:       lease,
		logger:      logger.Named("sweeper"),
		intervals:   intervals,
		reset:       make(chan struct{}, 1),
	}
}

// RunOnce runs every sweep concurrently and waits for all of them. Purging
// terminal records only happens when purge is set.
func (s *Sweeper) RunOnce(ctx context.Context, purge bool) (*SweepReport, error) {
	report := &SweepReport{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		allocs, rules, stuck, err := s.Reconcile(gctx)
		report.AllocationsRedispatched = allocs
		report.RulesRedispatched = rules
		report.NeedsIntervention = stuck
		return err
	})
	g.Go(func() error {
		n, err := s.coordinator.ExpireAddons(gctx)
		report.AddonsExpired = n
		return err
	})
	g.Go(func() error {
		n, err := s.coordinator.ReleaseGraceExpired(gctx)
		report.GraceReleased = n
		return err
	})
	if purge {
		g.Go(func() error {
			rules, allocs, err := s.allocations.PurgeReleased(gctx)
			report.RulesPurged = rules
			report.AllocationsPurged = allocs
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("sweep: %w", err)
	}
	return report, nil
}

// Reconcile re-dispatches stale allocations and rules below the attempt
// limit. Records past the limit are logged for manual intervention.
func (s *Sweeper) Reconcile(ctx context.Context) (int, int, int, error) {
	var allocs, rules, stuck int

	staleAllocs, err := s.allocations.FindStaleNeedingReconciliation(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, a := range staleAllocs {
		if a.DispatchAttempts >= s.lease.MaxDispatchAttempts {
			stuck++
			s.logger.Error("allocation needs manual intervention",
				zap.String("allocation_id", a.ID),
				zap.String("status", a.Status),
				zap.Int("attempts", a.DispatchAttempts),
				zap.Time("since", a.StatusChangedAt),
			)
			continue
		}
		if _, err := s.allocations.Dispatch(ctx, a.ID); err != nil {
			s.logger.Error("failed to re-dispatch allocation", zap.String("allocation_id", a.ID), zap.Error(err))
			continue
		}
		allocs++
	}

	staleRules, err := s.rules.FindStale(ctx)
	if err != nil {
		return allocs, 0, stuck, err
	}
	for _, r := range staleRules {
		if r.DispatchAttempts >= s.lease.MaxDispatchAttempts {
			stuck++
			s.logger.Error("rule needs manual intervention",
				zap.String("rule_id", r.ID),
				zap.String("allocation_id", r.AllocationID),
				zap.Int("attempts", r.DispatchAttempts),
			)
			continue
		}
		if _, err := s.rules.Dispatch(ctx, r.ID); err != nil {
			s.logger.Error("failed to re-dispatch rule", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		rules++
	}

	if allocs+rules+stuck > 0 {
		s.logger.Info("reconciliation pass",
			zap.Int("allocations", allocs),
			zap.Int("rules", rules),
			zap.Int("needs_intervention", stuck),
		)
	}
	return allocs, rules, stuck, nil
}

// UpdateIntervals applies new sweep intervals to a running loop
func (s *Sweeper) UpdateIntervals(intervals config.SweepConfig) {
	s.mu.Lock()
	s.intervals = intervals
	s.mu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *Sweeper) currentIntervals() config.SweepConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals
}

// Run drives the sweeps on their own tickers until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	iv := s.currentIntervals()
	reconcile := time.NewTicker(iv.ReconcileInterval)
	expiry := time.NewTicker(iv.AddonExpiryInterval)
	grace := time.NewTicker(iv.GraceInterval)
	defer reconcile.Stop()
	defer expiry.Stop()
	defer grace.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("reconcile_interval", iv.ReconcileInterval),
		zap.Duration("addon_expiry_interval", iv.AddonExpiryInterval),
		zap.Duration("grace_interval", iv.GraceInterval),
	)

	for {
		select {
		case <-reconcile.C:
			if _, _, _, err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			}

		case <-expiry.C:
			if _, err := s.coordinator.ExpireAddons(ctx); err != nil {
				s.logger.Error("addon expiry sweep failed", zap.Error(err))
			}

		case <-grace.C:
			if _, err := s.coordinator.ReleaseGraceExpired(ctx); err != nil {
				s.logger.Error("grace sweep failed", zap.Error(err))
			}

		case <-s.reset:
			iv = s.currentIntervals()
			reconcile.Reset(iv.ReconcileInterval)
			expiry.Reset(iv.AddonExpiryInterval)
			grace.Reset(iv.GraceInterval)
			s.logger.Info("sweep intervals updated",
				zap.Duration("reconcile_interval", iv.ReconcileInterval),
				zap.Duration("addon_expiry_interval", iv.AddonExpiryInterval),
				zap.Duration("grace_interval", iv.GraceInterval),
			)

		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		}
	}
}
