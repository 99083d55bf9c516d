package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errAgentDown = errors.New("network agent unavailable")

// fakePusher records every push and fails them while fail is set.
type fakePusher struct {
	mu          sync.Mutex
	fail        bool
	allocations []models.Allocation
	rules       []models.PortForwardRule
}

func (p *fakePusher) PushAllocation(ctx context.Context, alloc *models.Allocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocations = append(p.allocations, *alloc)
	if p.fail {
		return errAgentDown
	}
	return nil
}

func (p *fakePusher) PushRule(ctx context.Context, alloc *models.Allocation, rule *models.PortForwardRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, *rule)
	if p.fail {
		return errAgentDown
	}
	return nil
}

func (p *fakePusher) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *fakePusher) lastAllocation() (models.Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.allocations) == 0 {
		return models.Allocation{}, false
	}
	return p.allocations[len(p.allocations)-1], true
}

func (p *fakePusher) lastRule() (models.PortForwardRule, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rules) == 0 {
		return models.PortForwardRule{}, false
	}
	return p.rules[len(p.rules)-1], true
}

// fakePlans serves a per-subscription plan, falling back to a default one.
type fakePlans struct {
	mu    sync.Mutex
	plans map[string]*models.PlanDescriptor
	def   models.PlanDescriptor
}

func (f *fakePlans) GetPlan(ctx context.Context, subscriptionID string) (*models.PlanDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.plans[subscriptionID]; ok {
		c := *p
		return &c, nil
	}
	c := f.def
	return &c, nil
}

func (f *fakePlans) set(subscriptionID string, plan models.PlanDescriptor) {
	f.mu.Lock()
	f.plans[subscriptionID] = &plan
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *fakeNotifier) NotifyAllocationStatus(ctx context.Context, alloc *models.Allocation) error {
	n.mu.Lock()
	n.statuses = append(n.statuses, alloc.Status)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.statuses...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store       *repository.MemoryStore
	pool        *PoolService
	ledger      *AddonLedger
	allocations *AllocationService
	rules       *RuleEngine
	coordinator *Coordinator
	sweeper     *Sweeper
	pusher      *fakePusher
	plans       *fakePlans
	notifier    *fakeNotifier
	clock       *testClock
	logger      *zap.Logger
	logs        *observer.ObservedLogs
}

func testLease() config.LeaseConfig {
	return config.LeaseConfig{
		StaleTimeout:        15 * time.Minute,
		GracePeriod:         72 * time.Hour,
		DispatchTimeout:     time.Second,
		MaxDispatchAttempts: 3,
		Retention:           24 * time.Hour,
		ExpiringWindow:      7 * 24 * time.Hour,
	}
}

func testIntervals() config.SweepConfig {
	return config.SweepConfig{
		ReconcileInterval:   time.Minute,
		AddonExpiryInterval: time.Minute,
		GraceInterval:       time.Minute,
	}
}

// newTestEnv wires every service over a memory store whose eastus pool holds
// the given addresses, in order.
func newTestEnv(t *testing.T, addresses ...string) *testEnv {
	t.Helper()

	store := repository.NewMemoryStore()
	for _, addr := range addresses {
		addPool(t, store, "eastus", addr)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	clock := &testClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	lease := testLease()

	pusher := &fakePusher{}
	plans := &fakePlans{
		plans: make(map[string]*models.PlanDescriptor),
		def:   models.PlanDescriptor{PlanID: "static-basic", IncludedPorts: 2},
	}
	notifier := &fakeNotifier{}

	pool := NewPoolService(store, logger)
	ledger := NewAddonLedger(store, lease, logger)
	ledger.now = clock.Now
	allocations := NewAllocationService(store, pool, ledger, plans, pusher, notifier, lease, logger)
	allocations.now = clock.Now
	rules := NewRuleEngine(store, ledger, pusher, lease, logger)
	rules.now = clock.Now
	coordinator := NewCoordinator(allocations, rules, ledger, plans, logger)
	sweeper := NewSweeper(allocations, rules, coordinator, lease, testIntervals(), logger)

	return &testEnv{
		store:       store,
		pool:        pool,
		ledger:      ledger,
		allocations: allocations,
		rules:       rules,
		coordinator: coordinator,
		sweeper:     sweeper,
		pusher:      pusher,
		plans:       plans,
		notifier:    notifier,
		clock:       clock,
		logger:      logger,
		logs:        logs,
	}
}

func addPool(t *testing.T, store *repository.MemoryStore, region, address string) {
	t.Helper()
	err := store.AddPoolEntries(models.AddressPoolEntry{Region: region, PublicAddress: address, ServerID: "exit-" + region})
	if err != nil {
		t.Fatalf("AddPoolEntries(%s) failed: %v", address, err)
	}
}

// mustCreate leases an eastus address to account under subscription
// sub-<account> and dispatches it to the agent.
func (e *testEnv) mustCreate(t *testing.T, account string) *models.Allocation {
	t.Helper()
	alloc, err := e.coordinator.Provision(context.Background(), account, "eastus", "sub-"+account)
	if err != nil {
		t.Fatalf("Provision(%s) failed: %v", account, err)
	}
	return alloc
}

func (e *testEnv) pushedAllocations() int {
	e.pusher.mu.Lock()
	defer e.pusher.mu.Unlock()
	return len(e.pusher.allocations)
}

// flakyTxStore fails every transaction from the failFrom-th one on.
type flakyTxStore struct {
	repository.Store
	mu       sync.Mutex
	calls    int
	failFrom int
}

var errStoreDown = errors.New("store unavailable")

func (s *flakyTxStore) WithTx(ctx context.Context, fn func(q repository.Querier) error) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n >= s.failFrom {
		return errStoreDown
	}
	return s.Store.WithTx(ctx, fn)
}

// mustActivate creates an allocation and confirms it through the agent callback.
func (e *testEnv) mustActivate(t *testing.T, account string) *models.Allocation {
	t.Helper()
	alloc := e.mustCreate(t, account)
	active, err := e.allocations.HandleConfigured(context.Background(), alloc.ID, "exit-1", "10.8.0.2")
	if err != nil {
		t.Fatalf("HandleConfigured failed: %v", err)
	}
	return active
}

func (e *testEnv) mustAddRule(t *testing.T, alloc *models.Allocation, port int) *models.PortForwardRule {
	t.Helper()
	rule, err := e.rules.AddRule(context.Background(), &AddRuleInput{
		AllocationID: alloc.ID,
		AccountID:    alloc.AccountID,
		ExternalPort: port,
		InternalPort: 22,
		Protocol:     "tcp",
	})
	if err != nil {
		t.Fatalf("AddRule(%d) failed: %v", port, err)
	}
	return rule
}

func (e *testEnv) mustAttach(t *testing.T, account string, ports int, expiresAt *time.Time) *models.PortForwardAddon {
	t.Helper()
	addon, err := e.coordinator.AttachAddon(context.Background(), &AttachAddonInput{
		AccountID:      account,
		SubscriptionID: "addon-sub-" + account,
		ExtraPorts:     ports,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		t.Fatalf("AttachAddon failed: %v", err)
	}
	return addon
}

func (e *testEnv) allocation(t *testing.T, id string) *models.Allocation {
	t.Helper()
	a, err := e.store.GetAllocation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAllocation(%s) failed: %v", id, err)
	}
	return a
}

func (e *testEnv) rule(t *testing.T, id string) *models.PortForwardRule {
	t.Helper()
	r, err := e.store.GetRule(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRule(%s) failed: %v", id, err)
	}
	return r
}

func (e *testEnv) addon(t *testing.T, id string) *models.PortForwardAddon {
	t.Helper()
	a, err := e.store.GetAddon(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAddon(%s) failed: %v", id, err)
	}
	return a
}

func (e *testEnv) poolEntry(t *testing.T, address string) *models.AddressPoolEntry {
	t.Helper()
	entry, err := e.store.PoolEntry(address)
	if err != nil {
		t.Fatalf("PoolEntry(%s) failed: %v", address, err)
	}
	return entry
}
