package service

import (
	"context"
	"errors"
	"testing"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"golang.org/x/sync/errgroup"
)

func TestAddRule_IncludedThenAddonThenQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")
	addon := env.mustAttach(t, "acct-a", 1, nil)

	r1 := env.mustAddRule(t, alloc, 2201)
	r2 := env.mustAddRule(t, alloc, 2202)
	if r1.IsFromAddon || r2.IsFromAddon {
		t.Fatal("first two rules should use included quota")
	}

	r3 := env.mustAddRule(t, alloc, 2203)
	if !r3.IsFromAddon || r3.AddonID == nil || *r3.AddonID != addon.ID {
		t.Fatalf("third rule should come from the addon: %+v", r3)
	}
	if got := env.addon(t, addon.ID).PortsUsed; got != 1 {
		t.Errorf("expected addon ports_used 1, got %d", got)
	}

	_, err := env.rules.AddRule(ctx, &AddRuleInput{
		AllocationID: alloc.ID, AccountID: "acct-a", ExternalPort: 2204, InternalPort: 22, Protocol: "tcp",
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if Kind(err) != KindCapacity || Code(err) != "quota_exceeded" {
		t.Errorf("unexpected classification: kind=%s code=%s", Kind(err), Code(err))
	}

	quota, err := env.rules.Quota(ctx, alloc.ID, "acct-a")
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if quota.IncludedUsed != 2 || quota.AddonRules != 1 || quota.AddonSlots != 0 || quota.Remaining != 0 {
		t.Errorf("unexpected quota: %+v", quota)
	}
}

func TestAddRule_PortUniqueness(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")

	first, err := env.rules.AddRule(ctx, &AddRuleInput{
		AllocationID: alloc.ID, ExternalPort: 8080, InternalPort: 80, Protocol: "TCP",
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if first.Protocol != models.ProtocolTCP {
		t.Errorf("expected protocol to be normalized, got %q", first.Protocol)
	}

	_, err = env.rules.AddRule(ctx, &AddRuleInput{
		AllocationID: alloc.ID, ExternalPort: 8080, InternalPort: 81, Protocol: "tcp",
	})
	if !errors.Is(err, ErrPortAlreadyUsed) {
		t.Fatalf("expected ErrPortAlreadyUsed, got %v", err)
	}

	if _, err := env.rules.AddRule(ctx, &AddRuleInput{
		AllocationID: alloc.ID, ExternalPort: 8080, InternalPort: 80, Protocol: "udp",
	}); err != nil {
		t.Errorf("same port on udp should be accepted: %v", err)
	}
}

func TestAddRule_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")

	tests := []struct {
		name string
		in   AddRuleInput
		want error
	}{
		{"bad protocol", AddRuleInput{ExternalPort: 80, InternalPort: 80, Protocol: "icmp"}, ErrInvalidArgument},
		{"port zero", AddRuleInput{ExternalPort: 0, InternalPort: 80, Protocol: "tcp"}, ErrInvalidArgument},
		{"port too high", AddRuleInput{ExternalPort: 80, InternalPort: 70000, Protocol: "tcp"}, ErrInvalidArgument},
		{"foreign account", AddRuleInput{AccountID: "acct-b", ExternalPort: 80, InternalPort: 80, Protocol: "tcp"}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.AllocationID = alloc.ID
			if _, err := env.rules.AddRule(ctx, &in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := env.rules.AddRule(ctx, &AddRuleInput{AllocationID: "missing", ExternalPort: 80, InternalPort: 80, Protocol: "tcp"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := env.allocations.Release(ctx, alloc.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := env.rules.AddRule(ctx, &AddRuleInput{AllocationID: alloc.ID, ExternalPort: 80, InternalPort: 80, Protocol: "tcp"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected released allocation to refuse rules, got %v", err)
	}
}

func TestAddRule_ConcurrentLastSlot(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	env.plans.set("sub-acct-a", models.PlanDescriptor{IncludedPorts: 1})
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")

	const callers = 5
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, errs[i] = env.rules.AddRule(ctx, &AddRuleInput{
				AllocationID: alloc.ID, ExternalPort: 10000 + i, InternalPort: 22, Protocol: "tcp",
			})
			return nil
		})
	}
	_ = g.Wait()

	ok, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrQuotaExceeded):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || refused != callers-1 {
		t.Errorf("expected 1 admitted and %d refused, got %d admitted and %d refused", callers-1, ok, refused)
	}
}

func TestAddRule_ConcurrentLastAddonSlot(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")
	addon := env.mustAttach(t, "acct-a", 1, nil)
	env.mustAddRule(t, alloc, 2201)
	env.mustAddRule(t, alloc, 2202)

	const callers = 6
	rules := make([]*models.PortForwardRule, callers)
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			rules[i], errs[i] = env.rules.AddRule(ctx, &AddRuleInput{
				AllocationID: alloc.ID, ExternalPort: 11000 + i, InternalPort: 22, Protocol: "udp",
			})
			return nil
		})
	}
	_ = g.Wait()

	ok, refused := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			if !rules[i].IsFromAddon || rules[i].AddonID == nil || *rules[i].AddonID != addon.ID {
				t.Errorf("admitted rule should hold the addon slot: %+v", rules[i])
			}
		case errors.Is(err, ErrQuotaExceeded):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || refused != callers-1 {
		t.Errorf("expected 1 admitted and %d refused, got %d admitted and %d refused", callers-1, ok, refused)
	}
	if got := env.addon(t, addon.ID); got.PortsUsed != 1 {
		t.Errorf("addon must not be oversubscribed, ports_used=%d", got.PortsUsed)
	}
}

func TestAddRule_ConcurrentSamePort(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	env.plans.set("sub-acct-a", models.PlanDescriptor{IncludedPorts: 10})
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")

	const callers = 6
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, errs[i] = env.rules.AddRule(ctx, &AddRuleInput{
				AllocationID: alloc.ID, ExternalPort: 443, InternalPort: 8443 + i, Protocol: "tcp",
			})
			return nil
		})
	}
	_ = g.Wait()

	ok, taken := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPortAlreadyUsed):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || taken != callers-1 {
		t.Errorf("expected 1 admitted and %d conflicts, got %d admitted and %d conflicts", callers-1, ok, taken)
	}

	rules, err := env.rules.ListRules(ctx, alloc.ID, "acct-a")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected a single rule on 443/tcp, got %d", len(rules))
	}
}

func TestRemoveRule_ReleasesAddonSlot(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")
	addon := env.mustAttach(t, "acct-a", 1, nil)

	env.mustAddRule(t, alloc, 2201)
	env.mustAddRule(t, alloc, 2202)
	fromAddon := env.mustAddRule(t, alloc, 2203)

	if _, err := env.rules.RemoveRule(ctx, fromAddon.ID, "acct-b"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign account, got %v", err)
	}

	removed, err := env.rules.RemoveRule(ctx, fromAddon.ID, "acct-a")
	if err != nil {
		t.Fatalf("RemoveRule failed: %v", err)
	}
	if removed.Status != models.RuleStatusDeleted {
		t.Errorf("expected deleted, got %s", removed.Status)
	}
	if got := env.addon(t, addon.ID).PortsUsed; got != 0 {
		t.Errorf("expected addon slot to be returned, ports_used=%d", got)
	}
	pushed, _ := env.pusher.lastRule()
	if pushed.ID != fromAddon.ID || pushed.Status != models.RuleStatusDeleted {
		t.Errorf("expected delete to be pushed, got %+v", pushed)
	}

	pushes := len(env.pusher.rules)
	if _, err := env.rules.RemoveRule(ctx, fromAddon.ID, "acct-a"); err != nil {
		t.Fatalf("second RemoveRule failed: %v", err)
	}
	if len(env.pusher.rules) != pushes {
		t.Error("removing a deleted rule should not push again")
	}

	// the freed slot is usable again
	again := env.mustAddRule(t, alloc, 2204)
	if !again.IsFromAddon {
		t.Error("expected the freed addon slot to be reused")
	}
}

func TestRuleDispatch_FailureKeepsPending(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	alloc := env.mustActivate(t, "acct-a")
	env.pusher.setFail(true)

	rule := env.mustAddRule(t, alloc, 2201)
	if rule.Status != models.RuleStatusPending {
		t.Errorf("expected pending after failed push, got %s", rule.Status)
	}
	if rule.DispatchAttempts != 1 || rule.LastError == nil {
		t.Errorf("expected recorded failure, got attempts=%d err=%v", rule.DispatchAttempts, rule.LastError)
	}

	pending, err := env.rules.ListNeedingConfiguration(context.Background())
	if err != nil {
		t.Fatalf("ListNeedingConfiguration failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rule.ID {
		t.Errorf("expected the failed rule to need configuration, got %d rules", len(pending))
	}
}

func TestRuleCallbacks(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")
	rule := env.mustAddRule(t, alloc, 2201)

	failed, err := env.rules.HandleFailed(ctx, rule.ID, "port busy")
	if err != nil {
		t.Fatalf("HandleFailed failed: %v", err)
	}
	if failed.LastError == nil || *failed.LastError != "port busy" || failed.Status != models.RuleStatusConfiguring {
		t.Errorf("unexpected rule after failure: %+v", failed)
	}

	active, err := env.rules.HandleConfigured(ctx, rule.ID)
	if err != nil {
		t.Fatalf("HandleConfigured failed: %v", err)
	}
	if active.Status != models.RuleStatusActive || active.LastError != nil {
		t.Errorf("unexpected rule after configure: %+v", active)
	}
	if _, err := env.rules.HandleConfigured(ctx, rule.ID); err != nil {
		t.Errorf("repeated configure should be a no-op: %v", err)
	}

	if _, err := env.rules.RemoveRule(ctx, rule.ID, ""); err != nil {
		t.Fatalf("RemoveRule failed: %v", err)
	}
	if _, err := env.rules.HandleConfigured(ctx, rule.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for deleted rule, got %v", err)
	}
}

func TestListRules_Ownership(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")
	env.mustAddRule(t, alloc, 2201)

	rules, err := env.rules.ListRules(ctx, alloc.ID, "acct-a")
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected 1 rule, got %d", len(rules))
	}
	if _, err := env.rules.ListRules(ctx, alloc.ID, "acct-b"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}
