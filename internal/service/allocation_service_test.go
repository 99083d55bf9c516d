package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func TestCreateAllocation_ConcurrentCreatesExhaustPool(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1", "203.0.113.2")
	ctx := context.Background()

	accounts := []string{"acct-a", "acct-b", "acct-c"}
	results := make([]*models.Allocation, len(accounts))
	errs := make([]error, len(accounts))

	var g errgroup.Group
	for i, acct := range accounts {
		g.Go(func() error {
			results[i], errs[i] = env.allocations.CreateAllocation(ctx, acct, "eastus", "sub-"+acct)
			return nil
		})
	}
	_ = g.Wait()

	addresses := make(map[string]bool)
	exhausted := 0
	for i := range accounts {
		if errs[i] != nil {
			if !errors.Is(errs[i], ErrPoolExhausted) {
				t.Fatalf("unexpected error: %v", errs[i])
			}
			exhausted++
			continue
		}
		a := results[i]
		if a.Status != models.AllocationStatusPending {
			t.Errorf("expected pending, got %s", a.Status)
		}
		if stored := env.allocation(t, a.ID); stored.Status != models.AllocationStatusPending {
			t.Errorf("expected pending row, got %s", stored.Status)
		}
		addresses[a.PublicAddress] = true
	}

	if len(addresses) != 2 {
		t.Errorf("expected 2 distinct addresses, got %v", addresses)
	}
	if exhausted != 1 {
		t.Errorf("expected 1 pool exhausted error, got %d", exhausted)
	}
	if n := env.pushedAllocations(); n != 0 {
		t.Errorf("creation alone must not push to the agent, got %d pushes", n)
	}
}

func TestCreateAllocation_ConcurrentSameAccountRegion(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1", "203.0.113.2", "203.0.113.3")
	ctx := context.Background()

	const callers = 8
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, errs[i] = env.allocations.CreateAllocation(ctx, "acct-a", "eastus", "sub-acct-a")
			return nil
		})
	}
	_ = g.Wait()

	ok, duplicate := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateAllocation):
			duplicate++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || duplicate != callers-1 {
		t.Errorf("expected 1 success and %d duplicates, got %d and %d", callers-1, ok, duplicate)
	}

	usage, err := env.pool.Utilization(ctx)
	if err != nil {
		t.Fatalf("Utilization failed: %v", err)
	}
	if usage[0].Allocated != 1 {
		t.Errorf("duplicates must not hold addresses, allocated=%d", usage[0].Allocated)
	}
}

func TestCreateAllocation_ManyCallersFewAddresses(t *testing.T) {
	const free, callers = 3, 10
	addrs := make([]string, free)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("203.0.113.%d", i+1)
	}
	env := newTestEnv(t, addrs...)
	ctx := context.Background()

	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			acct := fmt.Sprintf("acct-%d", i)
			_, errs[i] = env.allocations.CreateAllocation(ctx, acct, "eastus", "sub-"+acct)
			return nil
		})
	}
	_ = g.Wait()

	ok, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPoolExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != free || exhausted != callers-free {
		t.Errorf("expected %d successes and %d exhausted, got %d and %d", free, callers-free, ok, exhausted)
	}

	usage, err := env.pool.Utilization(ctx)
	if err != nil {
		t.Fatalf("Utilization failed: %v", err)
	}
	if len(usage) != 1 || usage[0].Allocated != free || usage[0].Free != 0 {
		t.Errorf("unexpected utilization: %+v", usage)
	}
}

func TestProvision_DispatchMovesToConfiguring(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")

	alloc := env.mustCreate(t, "acct-a")
	if alloc.Status != models.AllocationStatusConfiguring {
		t.Fatalf("expected configuring, got %s", alloc.Status)
	}
	if alloc.PublicAddress != "203.0.113.1" || alloc.IncludedPorts != 2 {
		t.Errorf("unexpected allocation: %+v", alloc)
	}
	pushed, ok := env.pusher.lastAllocation()
	if !ok || pushed.ID != alloc.ID {
		t.Errorf("expected allocation to be pushed to the agent")
	}
	entry := env.poolEntry(t, "203.0.113.1")
	if !entry.IsAllocated || *entry.AllocatedToAccountID != "acct-a" {
		t.Errorf("pool entry not held by account: %+v", entry)
	}
}

func TestProvision_DispatchStoreFailureKeepsLease(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()

	// the lease commits, the dispatch bookkeeping does not
	flaky := &flakyTxStore{Store: env.store, failFrom: 2}
	allocations := NewAllocationService(flaky, env.pool, env.ledger, env.plans, env.pusher, env.notifier, testLease(), env.logger)
	allocations.now = env.clock.Now
	coordinator := NewCoordinator(allocations, env.rules, env.ledger, env.plans, env.logger)

	alloc, err := coordinator.Provision(ctx, "acct-a", "eastus", "sub-acct-a")
	if err != nil {
		t.Fatalf("committed lease must be returned, got %v", err)
	}
	if alloc == nil || alloc.Status != models.AllocationStatusPending {
		t.Fatalf("expected the pending allocation, got %+v", alloc)
	}
	if got := env.allocation(t, alloc.ID); got.Status != models.AllocationStatusPending {
		t.Errorf("expected pending row, got %s", got.Status)
	}
	if env.logs.FilterMessage("failed to dispatch new allocation").Len() != 1 {
		t.Error("expected the dispatch failure to be logged")
	}

	// the sweep finishes the job once the store is back
	env.clock.Advance(testLease().StaleTimeout + time.Minute)
	if _, _, _, err := env.sweeper.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := env.allocation(t, alloc.ID); got.Status != models.AllocationStatusConfiguring {
		t.Errorf("expected configuring after reconciliation, got %s", got.Status)
	}
}

func TestCreateAllocation_Refusals(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1", "203.0.113.2")
	addPool(t, env.store, "westus", "198.51.100.1")
	ctx := context.Background()

	env.mustCreate(t, "acct-a")
	_, err := env.allocations.CreateAllocation(ctx, "acct-a", "eastus", "sub-acct-a")
	if !errors.Is(err, ErrDuplicateAllocation) {
		t.Errorf("expected ErrDuplicateAllocation, got %v", err)
	}

	env.plans.set("sub-limited", models.PlanDescriptor{IncludedPorts: 1, MaxAllocations: 1})
	if _, err := env.allocations.CreateAllocation(ctx, "acct-b", "eastus", "sub-limited"); err != nil {
		t.Fatalf("first allocation under limit failed: %v", err)
	}
	_, err = env.allocations.CreateAllocation(ctx, "acct-b", "westus", "sub-limited")
	if !errors.Is(err, ErrAllocationLimit) {
		t.Errorf("expected ErrAllocationLimit, got %v", err)
	}

	env.plans.set("sub-west", models.PlanDescriptor{IncludedPorts: 1, Regions: []string{"westus"}})
	_, err = env.allocations.CreateAllocation(ctx, "acct-c", "eastus", "sub-west")
	if !errors.Is(err, ErrRegionNotEntitled) {
		t.Errorf("expected ErrRegionNotEntitled, got %v", err)
	}

	_, err = env.allocations.CreateAllocation(ctx, "", "eastus", "sub-x")
	if Kind(err) != KindInvalid {
		t.Errorf("expected invalid kind for missing account, got %v", err)
	}

	// refusals must not leak claims
	if entry := env.poolEntry(t, "198.51.100.1"); entry.IsAllocated {
		t.Error("refused allocation left its claim behind")
	}
}

func TestAllocation_RoundTrip(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()

	alloc, err := env.allocations.CreateAllocation(ctx, "acct-a", "eastus", "sub-acct-a")
	if err != nil {
		t.Fatalf("CreateAllocation failed: %v", err)
	}
	if alloc.Status != models.AllocationStatusPending {
		t.Fatalf("expected pending after create, got %s", alloc.Status)
	}

	configuring, err := env.allocations.Advance(ctx, alloc.ID, models.AllocationStatusConfiguring)
	if err != nil {
		t.Fatalf("Advance(configuring) failed: %v", err)
	}
	if configuring.Status != models.AllocationStatusConfiguring {
		t.Fatalf("expected configuring, got %s", configuring.Status)
	}
	active, err := env.allocations.Advance(ctx, alloc.ID, models.AllocationStatusActive)
	if err != nil {
		t.Fatalf("Advance(active) failed: %v", err)
	}
	if active.Status != models.AllocationStatusActive {
		t.Fatalf("expected active, got %s", active.Status)
	}

	r1 := env.mustAddRule(t, active, 2222)
	r2 := env.mustAddRule(t, active, 8080)

	released, err := env.allocations.Release(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != models.AllocationStatusReleased || released.ReleasedAt == nil {
		t.Errorf("unexpected allocation after release: %+v", released)
	}
	for _, id := range []string{r1.ID, r2.ID} {
		if r := env.rule(t, id); r.Status != models.RuleStatusDeleted {
			t.Errorf("rule %s should be deleted, got %s", id, r.Status)
		}
	}
	if entry := env.poolEntry(t, "203.0.113.1"); entry.IsAllocated {
		t.Error("address should be back in the pool")
	}

	pushed, _ := env.pusher.lastAllocation()
	if pushed.Status != models.AllocationStatusReleased {
		t.Errorf("expected release to be pushed, last push was %s", pushed.Status)
	}
	seen := env.notifier.seen()
	if len(seen) != 2 || seen[0] != models.AllocationStatusActive || seen[1] != models.AllocationStatusReleased {
		t.Errorf("unexpected notifications: %v", seen)
	}

	history, err := env.allocations.History(ctx, alloc.ID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) == 0 || history[0].Action != "allocation_released" {
		t.Errorf("expected newest history entry to be the release, got %+v", history)
	}
}

func TestHandleConfigured_RecordsAgentBinding(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	alloc := env.mustCreate(t, "acct-a")

	active, err := env.allocations.HandleConfigured(context.Background(), alloc.ID, "exit-7", "10.8.0.9")
	if err != nil {
		t.Fatalf("HandleConfigured failed: %v", err)
	}
	if active.Status != models.AllocationStatusActive || active.ServerID != "exit-7" {
		t.Fatalf("unexpected allocation after configure: %+v", active)
	}
	if active.InternalAddress == nil || *active.InternalAddress != "10.8.0.9" {
		t.Errorf("expected internal address to be recorded")
	}
}

func TestRelease_ConcurrentUserAndGraceSweep(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()

	alloc := env.mustActivate(t, "acct-a")
	env.mustAddRule(t, alloc, 2201)
	if _, err := env.coordinator.OnLapse(ctx, alloc.SubscriptionID); err != nil {
		t.Fatalf("OnLapse failed: %v", err)
	}
	env.clock.Advance(testLease().GracePeriod + time.Hour)

	var (
		g        errgroup.Group
		userErr  error
		released int
		sweepErr error
	)
	g.Go(func() error {
		_, userErr = env.allocations.ReleaseOwned(ctx, alloc.ID, "acct-a")
		return nil
	})
	g.Go(func() error {
		released, sweepErr = env.coordinator.ReleaseGraceExpired(ctx)
		return nil
	})
	_ = g.Wait()

	if userErr != nil || sweepErr != nil {
		t.Fatalf("unexpected errors: user=%v sweep=%v", userErr, sweepErr)
	}
	if released > 1 {
		t.Errorf("sweep released %d allocations", released)
	}
	if got := env.allocation(t, alloc.ID); got.Status != models.AllocationStatusReleased {
		t.Errorf("expected released, got %s", got.Status)
	}
	if entry := env.poolEntry(t, alloc.PublicAddress); entry.IsAllocated {
		t.Error("address should be back in the pool")
	}

	deltas := env.logs.FilterMessage("pool utilization changed").All()
	if len(deltas) != 2 {
		t.Errorf("expected one claim and one release delta, got %d", len(deltas))
	}
	if n := env.logs.FilterMessage("allocation released").Len(); n != 1 {
		t.Errorf("expected a single release, got %d", n)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustCreate(t, "acct-a")

	if _, err := env.allocations.Release(ctx, alloc.ID); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	pushes := len(env.pusher.allocations)

	again, err := env.allocations.Release(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if again.Status != models.AllocationStatusReleased {
		t.Errorf("expected released, got %s", again.Status)
	}
	if len(env.pusher.allocations) != pushes {
		t.Error("second release should not push again")
	}

	deltas := env.logs.FilterMessage("pool utilization changed").All()
	if len(deltas) != 2 {
		t.Fatalf("expected one claim and one release delta, got %d", len(deltas))
	}
	if d := deltas[1].ContextMap()["delta"]; d != int64(-1) {
		t.Errorf("expected release delta -1, got %v", d)
	}
}

func TestPool_EmitsCommittedDeltasOnly(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()

	alloc := env.mustCreate(t, "acct-a")
	// refused inside the transaction, nothing committed
	if _, err := env.allocations.CreateAllocation(ctx, "acct-a", "eastus", "sub-acct-a"); err == nil {
		t.Fatal("expected duplicate allocation to fail")
	}

	deltas := env.logs.FilterMessage("pool utilization changed").All()
	if len(deltas) != 1 {
		t.Fatalf("expected exactly one delta, got %d", len(deltas))
	}
	fields := deltas[0].ContextMap()
	if fields["delta"] != int64(1) || fields["region"] != "eastus" || fields["address"] != alloc.PublicAddress {
		t.Errorf("unexpected delta fields: %v", fields)
	}
	if deltas[0].LoggerName != "pool" {
		t.Errorf("expected pool logger, got %q", deltas[0].LoggerName)
	}
}

func TestAdvance_InvalidTransitionMutatesNothing(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	env.pusher.setFail(true)
	ctx := context.Background()

	alloc := env.mustCreate(t, "acct-a")
	before := env.allocation(t, alloc.ID)

	_, err := env.allocations.Advance(ctx, alloc.ID, models.AllocationStatusSuspended)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	after := env.allocation(t, alloc.ID)
	if after.Status != before.Status || !after.StatusChangedAt.Equal(before.StatusChangedAt) {
		t.Errorf("rejected transition changed the allocation: %+v", after)
	}

	warnings := env.logs.FilterMessage("invalid transition rejected").FilterLevelExact(zapcore.WarnLevel)
	if warnings.Len() != 1 {
		t.Errorf("expected one warning, got %d", warnings.Len())
	}
}

func TestAdvance_SuspendAndResume(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")

	suspended, err := env.allocations.Advance(ctx, alloc.ID, models.AllocationStatusSuspended)
	if err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	if suspended.SuspendedAt == nil {
		t.Error("expected suspended_at to be set")
	}
	if entry := env.poolEntry(t, alloc.PublicAddress); !entry.IsAllocated {
		t.Error("suspension must keep the address")
	}

	resumed, err := env.allocations.Advance(ctx, alloc.ID, models.AllocationStatusActive)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.SuspendedAt != nil || resumed.PublicAddress != alloc.PublicAddress {
		t.Errorf("unexpected allocation after resume: %+v", resumed)
	}
	pushed, _ := env.pusher.lastAllocation()
	if pushed.Status != models.AllocationStatusActive {
		t.Errorf("expected resume to be pushed, got %s", pushed.Status)
	}
}

func TestHandleConfigured_IdempotentAndGuarded(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustActivate(t, "acct-a")

	again, err := env.allocations.HandleConfigured(ctx, alloc.ID, "", "")
	if err != nil {
		t.Fatalf("repeated callback should be accepted: %v", err)
	}
	if again.Status != models.AllocationStatusActive {
		t.Errorf("expected active, got %s", again.Status)
	}
	if n := len(env.notifier.seen()); n != 1 {
		t.Errorf("expected a single activation notice, got %d", n)
	}

	if _, err := env.allocations.Release(ctx, alloc.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := env.allocations.HandleConfigured(ctx, alloc.ID, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for released allocation, got %v", err)
	}
}

func TestHandleConfigured_BeforeDispatchBookkeeping(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	env.pusher.setFail(true)
	alloc := env.mustCreate(t, "acct-a")

	active, err := env.allocations.HandleConfigured(context.Background(), alloc.ID, "", "")
	if err != nil {
		t.Fatalf("HandleConfigured failed: %v", err)
	}
	if active.Status != models.AllocationStatusActive || active.LastError != nil || active.DispatchAttempts != 0 {
		t.Errorf("unexpected allocation: %+v", active)
	}
}

func TestHandleFailed_RecordsErrorOnly(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	alloc := env.mustCreate(t, "acct-a")

	failed, err := env.allocations.HandleFailed(context.Background(), alloc.ID, "iptables: permission denied")
	if err != nil {
		t.Fatalf("HandleFailed failed: %v", err)
	}
	if failed.Status != models.AllocationStatusConfiguring {
		t.Errorf("status should not change, got %s", failed.Status)
	}
	if failed.LastError == nil || *failed.LastError != "iptables: permission denied" {
		t.Errorf("expected last error to be recorded, got %v", failed.LastError)
	}
}

func TestGet_OwnershipAndNotFound(t *testing.T) {
	env := newTestEnv(t, "203.0.113.1")
	ctx := context.Background()
	alloc := env.mustCreate(t, "acct-a")

	if _, err := env.allocations.Get(ctx, alloc.ID, "acct-b"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := env.allocations.ReleaseOwned(ctx, alloc.ID, "acct-b"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden on foreign release, got %v", err)
	}
	if _, err := env.allocations.Get(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if a := env.allocation(t, alloc.ID); a.IsTerminal() {
		t.Error("foreign release must not release the allocation")
	}
}
