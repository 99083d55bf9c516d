package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

// MemoryStore is an in-process Store for local development and tests.
// WithTx holds one store-wide mutex for the whole transaction, so every
// transaction is serializable, and restores a snapshot when fn fails.
// Values are copied in and out, so callers never alias stored rows.
type MemoryStore struct {
	*memQueries
}

type memDB struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	pool        []*models.AddressPoolEntry
	allocations map[string]*models.Allocation
	rules       map[string]*models.PortForwardRule
	addons      map[string]*models.PortForwardAddon
	logs        []*models.ProvisionLog
	seq         map[string]int64
	nextSeq     int64
	nextPoolID  int64
}

type memQueries struct {
	db   *memDB
	inTx bool
}

func NewMemoryStore() *MemoryStore {
	db := &memDB{state: &memState{
		allocations: make(map[string]*models.Allocation),
		rules:       make(map[string]*models.PortForwardRule),
		addons:      make(map[string]*models.PortForwardAddon),
		seq:         make(map[string]int64),
	}}
	return &MemoryStore{memQueries: &memQueries{db: db}}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	saved := s.db.state.clone()
	if err := fn(&memQueries{db: s.db, inTx: true}); err != nil {
		s.db.state = saved
		return err
	}
	return nil
}

// AddPoolEntries provisions pool capacity. Entries get ascending ids in the
// order given.
func (s *MemoryStore) AddPoolEntries(entries ...models.AddressPoolEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	st := s.db.state
	for _, e := range entries {
		for _, existing := range st.pool {
			if existing.PublicAddress == e.PublicAddress {
				return fmt.Errorf("add pool entry %s: %w", e.PublicAddress, ErrConflict)
			}
		}
		st.nextPoolID++
		entry := e
		entry.ID = st.nextPoolID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		st.pool = append(st.pool, &entry)
	}
	return nil
}

// PoolEntry returns a copy of the entry for an address.
func (s *MemoryStore) PoolEntry(publicAddress string) (*models.AddressPoolEntry, error) {
	defer s.read()()
	for _, e := range s.db.state.pool {
		if e.PublicAddress == publicAddress {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (q *memQueries) read() func() {
	if q.inTx {
		return func() {}
	}
	q.db.mu.RLock()
	return q.db.mu.RUnlock
}

func (q *memQueries) write() func() {
	if q.inTx {
		return func() {}
	}
	q.db.mu.Lock()
	return q.db.mu.Unlock
}

func (st *memState) clone() *memState {
	c := &memState{
		pool:        make([]*models.AddressPoolEntry, len(st.pool)),
		allocations: make(map[string]*models.Allocation, len(st.allocations)),
		rules:       make(map[string]*models.PortForwardRule, len(st.rules)),
		addons:      make(map[string]*models.PortForwardAddon, len(st.addons)),
		logs:        append([]*models.ProvisionLog(nil), st.logs...),
		seq:         make(map[string]int64, len(st.seq)),
		nextSeq:     st.nextSeq,
		nextPoolID:  st.nextPoolID,
	}
	for i, e := range st.pool {
		v := *e
		c.pool[i] = &v
	}
	for k, a := range st.allocations {
		v := *a
		c.allocations[k] = &v
	}
	for k, r := range st.rules {
		v := *r
		c.rules[k] = &v
	}
	for k, a := range st.addons {
		v := *a
		c.addons[k] = &v
	}
	for k, v := range st.seq {
		c.seq[k] = v
	}
	return c
}

func (st *memState) stamp(id string) {
	st.nextSeq++
	st.seq[id] = st.nextSeq
}

// before orders by creation time, then by insertion order
func (st *memState) before(aID string, aTime time.Time, bID string, bTime time.Time) bool {
	if !aTime.Equal(bTime) {
		return aTime.Before(bTime)
	}
	return st.seq[aID] < st.seq[bID]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ==================== Address pool ====================

func (q *memQueries) ClaimFirstAvailable(ctx context.Context, region, accountID string, now time.Time) (*models.AddressPoolEntry, error) {
	defer q.write()()
	for _, e := range q.db.state.pool {
		if e.Region != region || e.IsAllocated {
			continue
		}
		acct := accountID
		at := now
		e.IsAllocated = true
		e.AllocatedToAccountID = &acct
		e.AllocatedAt = &at
		e.ReleasedAt = nil
		c := *e
		return &c, nil
	}
	return nil, ErrNotFound
}

func (q *memQueries) ClaimPoolEntry(ctx context.Context, publicAddress, accountID string, now time.Time) (bool, error) {
	defer q.write()()
	for _, e := range q.db.state.pool {
		if e.PublicAddress != publicAddress {
			continue
		}
		if e.IsAllocated {
			return false, nil
		}
		acct := accountID
		at := now
		e.IsAllocated = true
		e.AllocatedToAccountID = &acct
		e.AllocatedAt = &at
		e.ReleasedAt = nil
		return true, nil
	}
	return false, nil
}

func (q *memQueries) GetPoolEntryForUpdate(ctx context.Context, publicAddress string) (*models.AddressPoolEntry, error) {
	defer q.read()()
	for _, e := range q.db.state.pool {
		if e.PublicAddress == publicAddress {
			c := *e
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (q *memQueries) ReleasePoolEntry(ctx context.Context, publicAddress string, now time.Time) (bool, error) {
	defer q.write()()
	for _, e := range q.db.state.pool {
		if e.PublicAddress != publicAddress {
			continue
		}
		if !e.IsAllocated {
			return false, nil
		}
		at := now
		e.IsAllocated = false
		e.AllocatedToAccountID = nil
		e.ReleasedAt = &at
		return true, nil
	}
	return false, nil
}

func (q *memQueries) PoolUtilization(ctx context.Context) ([]models.RegionUtilization, error) {
	defer q.read()()
	byRegion := make(map[string]*models.RegionUtilization)
	for _, e := range q.db.state.pool {
		u, ok := byRegion[e.Region]
		if !ok {
			u = &models.RegionUtilization{Region: e.Region}
			byRegion[e.Region] = u
		}
		u.Total++
		if e.IsAllocated {
			u.Allocated++
		}
	}
	result := make([]models.RegionUtilization, 0, len(byRegion))
	for _, u := range byRegion {
		u.Free = u.Total - u.Allocated
		result = append(result, *u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Region < result[j].Region })
	return result, nil
}

// ==================== Allocations ====================

func (q *memQueries) LockAccount(ctx context.Context, accountID string) error {
	return nil
}

func (q *memQueries) InsertAllocation(ctx context.Context, a *models.Allocation) error {
	defer q.write()()
	st := q.db.state
	if _, exists := st.allocations[a.ID]; exists {
		return fmt.Errorf("insert allocation: %w", ErrConflict)
	}
	if a.Status != models.AllocationStatusReleased {
		for _, other := range st.allocations {
			if other.IsTerminal() {
				continue
			}
			if other.AccountID == a.AccountID && other.Region == a.Region {
				return fmt.Errorf("insert allocation: %w (account region)", ErrConflict)
			}
			if other.PublicAddress == a.PublicAddress {
				return fmt.Errorf("insert allocation: %w (public address)", ErrConflict)
			}
		}
	}
	v := *a
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.UpdatedAt = v.CreatedAt
	st.allocations[v.ID] = &v
	st.stamp(v.ID)
	return nil
}

func (q *memQueries) GetAllocation(ctx context.Context, id string) (*models.Allocation, error) {
	defer q.read()()
	a, ok := q.db.state.allocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (q *memQueries) GetAllocationForUpdate(ctx context.Context, id string) (*models.Allocation, error) {
	return q.GetAllocation(ctx, id)
}

func (q *memQueries) UpdateAllocation(ctx context.Context, a *models.Allocation) error {
	defer q.write()()
	st := q.db.state
	existing, ok := st.allocations[a.ID]
	if !ok {
		return ErrNotFound
	}
	if !a.IsTerminal() {
		for id, other := range st.allocations {
			if id != a.ID && !other.IsTerminal() && other.PublicAddress == a.PublicAddress {
				return fmt.Errorf("update allocation: %w (public address)", ErrConflict)
			}
		}
	}
	v := *a
	v.CreatedAt = existing.CreatedAt
	v.UpdatedAt = time.Now()
	st.allocations[a.ID] = &v
	return nil
}

func (q *memQueries) listAllocations(match func(*models.Allocation) bool) []*models.Allocation {
	st := q.db.state
	var result []*models.Allocation
	for _, a := range st.allocations {
		if match(a) {
			c := *a
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return st.before(result[i].ID, result[i].CreatedAt, result[j].ID, result[j].CreatedAt)
	})
	return result
}

func (q *memQueries) ListLiveAllocationsByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error) {
	defer q.read()()
	return q.listAllocations(func(a *models.Allocation) bool {
		return a.AccountID == accountID && !a.IsTerminal()
	}), nil
}

func (q *memQueries) ListAllocationsByAccount(ctx context.Context, accountID string) ([]*models.Allocation, error) {
	defer q.read()()
	result := q.listAllocations(func(a *models.Allocation) bool { return a.AccountID == accountID })
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (q *memQueries) ListLiveAllocationsBySubscription(ctx context.Context, subscriptionID string) ([]*models.Allocation, error) {
	defer q.read()()
	return q.listAllocations(func(a *models.Allocation) bool {
		return a.SubscriptionID == subscriptionID && !a.IsTerminal()
	}), nil
}

func (q *memQueries) ListAllocationsByStatusBefore(ctx context.Context, statuses []string, before time.Time) ([]*models.Allocation, error) {
	defer q.read()()
	result := q.listAllocations(func(a *models.Allocation) bool {
		return contains(statuses, a.Status) && a.StatusChangedAt.Before(before)
	})
	sort.SliceStable(result, func(i, j int) bool { return result[i].StatusChangedAt.Before(result[j].StatusChangedAt) })
	return result, nil
}

func (q *memQueries) ListLapsedBefore(ctx context.Context, before time.Time) ([]*models.Allocation, error) {
	defer q.read()()
	result := q.listAllocations(func(a *models.Allocation) bool {
		return !a.IsTerminal() && a.LapsedAt != nil && a.LapsedAt.Before(before)
	})
	sort.SliceStable(result, func(i, j int) bool { return result[i].LapsedAt.Before(*result[j].LapsedAt) })
	return result, nil
}

func (q *memQueries) PurgeReleasedAllocationsBefore(ctx context.Context, before time.Time) (int, error) {
	defer q.write()()
	st := q.db.state
	referenced := make(map[string]bool)
	for _, r := range st.rules {
		referenced[r.AllocationID] = true
	}
	for _, d := range st.addons {
		if d.AllocationID != nil {
			referenced[*d.AllocationID] = true
		}
	}
	n := 0
	for id, a := range st.allocations {
		if a.IsTerminal() && a.ReleasedAt != nil && a.ReleasedAt.Before(before) && !referenced[id] {
			delete(st.allocations, id)
			n++
		}
	}
	return n, nil
}

// ==================== Rules ====================

func (q *memQueries) InsertRule(ctx context.Context, r *models.PortForwardRule) error {
	defer q.write()()
	st := q.db.state
	if _, exists := st.rules[r.ID]; exists {
		return fmt.Errorf("insert rule: %w", ErrConflict)
	}
	if !r.IsDeleted() {
		for _, other := range st.rules {
			if other.AllocationID == r.AllocationID && !other.IsDeleted() &&
				other.ExternalPort == r.ExternalPort && other.Protocol == r.Protocol {
				return fmt.Errorf("insert rule: %w (port)", ErrConflict)
			}
		}
	}
	v := *r
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.UpdatedAt = v.CreatedAt
	st.rules[v.ID] = &v
	st.stamp(v.ID)
	return nil
}

func (q *memQueries) GetRule(ctx context.Context, id string) (*models.PortForwardRule, error) {
	defer q.read()()
	r, ok := q.db.state.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (q *memQueries) GetRuleForUpdate(ctx context.Context, id string) (*models.PortForwardRule, error) {
	return q.GetRule(ctx, id)
}

func (q *memQueries) UpdateRule(ctx context.Context, r *models.PortForwardRule) error {
	defer q.write()()
	existing, ok := q.db.state.rules[r.ID]
	if !ok {
		return ErrNotFound
	}
	existing.IsFromAddon = r.IsFromAddon
	existing.AddonID = r.AddonID
	existing.Status = r.Status
	existing.Enabled = r.Enabled
	existing.DispatchAttempts = r.DispatchAttempts
	existing.LastError = r.LastError
	existing.StatusChangedAt = r.StatusChangedAt
	existing.UpdatedAt = time.Now()
	return nil
}

func (q *memQueries) listRules(match func(*models.PortForwardRule) bool) []*models.PortForwardRule {
	st := q.db.state
	var result []*models.PortForwardRule
	for _, r := range st.rules {
		if match(r) {
			c := *r
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return st.before(result[i].ID, result[i].CreatedAt, result[j].ID, result[j].CreatedAt)
	})
	return result
}

func (q *memQueries) FindLiveRuleByPort(ctx context.Context, allocationID string, externalPort int, protocol string) (*models.PortForwardRule, error) {
	defer q.read()()
	found := q.listRules(func(r *models.PortForwardRule) bool {
		return r.AllocationID == allocationID && !r.IsDeleted() &&
			r.ExternalPort == externalPort && r.Protocol == protocol
	})
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

func (q *memQueries) CountIncludedRules(ctx context.Context, allocationID string) (int, error) {
	defer q.read()()
	n := 0
	for _, r := range q.db.state.rules {
		if r.AllocationID == allocationID && !r.IsDeleted() && r.Enabled && !r.IsFromAddon {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) ListRulesByAllocation(ctx context.Context, allocationID string, includeDeleted bool) ([]*models.PortForwardRule, error) {
	defer q.read()()
	return q.listRules(func(r *models.PortForwardRule) bool {
		return r.AllocationID == allocationID && (includeDeleted || !r.IsDeleted())
	}), nil
}

func (q *memQueries) ListRulesByStatus(ctx context.Context, statuses []string) ([]*models.PortForwardRule, error) {
	defer q.read()()
	result := q.listRules(func(r *models.PortForwardRule) bool { return contains(statuses, r.Status) })
	sort.SliceStable(result, func(i, j int) bool { return result[i].StatusChangedAt.Before(result[j].StatusChangedAt) })
	return result, nil
}

func (q *memQueries) ListRulesByAddons(ctx context.Context, addonIDs []string) ([]*models.PortForwardRule, error) {
	defer q.read()()
	return q.listRules(func(r *models.PortForwardRule) bool {
		return r.AddonID != nil && contains(addonIDs, *r.AddonID) && !r.IsDeleted()
	}), nil
}

func (q *memQueries) ListDisabledRules(ctx context.Context, allocationID string) ([]*models.PortForwardRule, error) {
	defer q.read()()
	return q.listRules(func(r *models.PortForwardRule) bool {
		return r.AllocationID == allocationID && !r.IsDeleted() && !r.Enabled
	}), nil
}

func (q *memQueries) PurgeDeletedRulesBefore(ctx context.Context, before time.Time) (int, error) {
	defer q.write()()
	n := 0
	for id, r := range q.db.state.rules {
		if r.IsDeleted() && r.StatusChangedAt.Before(before) {
			delete(q.db.state.rules, id)
			n++
		}
	}
	return n, nil
}

// ==================== Addons ====================

func (q *memQueries) InsertAddon(ctx context.Context, a *models.PortForwardAddon) error {
	defer q.write()()
	st := q.db.state
	if _, exists := st.addons[a.ID]; exists {
		return fmt.Errorf("insert addon: %w", ErrConflict)
	}
	v := *a
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.UpdatedAt = v.CreatedAt
	st.addons[v.ID] = &v
	st.stamp(v.ID)
	return nil
}

func (q *memQueries) GetAddon(ctx context.Context, id string) (*models.PortForwardAddon, error) {
	defer q.read()()
	a, ok := q.db.state.addons[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (q *memQueries) GetAddonForUpdate(ctx context.Context, id string) (*models.PortForwardAddon, error) {
	return q.GetAddon(ctx, id)
}

func (q *memQueries) UpdateAddon(ctx context.Context, a *models.PortForwardAddon) error {
	defer q.write()()
	existing, ok := q.db.state.addons[a.ID]
	if !ok {
		return ErrNotFound
	}
	if a.PortsUsed < 0 || a.PortsUsed > existing.ExtraPorts {
		return fmt.Errorf("update addon: ports_used %d outside [0, %d]", a.PortsUsed, existing.ExtraPorts)
	}
	existing.AllocationID = a.AllocationID
	existing.PortsUsed = a.PortsUsed
	existing.Status = a.Status
	existing.ExpiresAt = a.ExpiresAt
	existing.UpdatedAt = time.Now()
	return nil
}

func (q *memQueries) listAddons(match func(*models.PortForwardAddon) bool) []*models.PortForwardAddon {
	st := q.db.state
	var result []*models.PortForwardAddon
	for _, a := range st.addons {
		if match(a) {
			c := *a
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return st.before(result[i].ID, result[i].CreatedAt, result[j].ID, result[j].CreatedAt)
	})
	return result
}

func (q *memQueries) ListActiveAddonsForUpdate(ctx context.Context, accountID, allocationID string) ([]*models.PortForwardAddon, error) {
	defer q.read()()
	return q.listAddons(func(a *models.PortForwardAddon) bool {
		if a.Status != models.AddonStatusActive || a.AccountID != accountID {
			return false
		}
		return a.AllocationID == nil || *a.AllocationID == allocationID
	}), nil
}

func (q *memQueries) ListAddonsByAccount(ctx context.Context, accountID string) ([]*models.PortForwardAddon, error) {
	defer q.read()()
	return q.listAddons(func(a *models.PortForwardAddon) bool { return a.AccountID == accountID }), nil
}

func (q *memQueries) ListAddonsExpiringBefore(ctx context.Context, before time.Time) ([]*models.PortForwardAddon, error) {
	defer q.read()()
	result := q.listAddons(func(a *models.PortForwardAddon) bool {
		return a.Status == models.AddonStatusActive && a.ExpiresAt != nil && !a.ExpiresAt.After(before)
	})
	sort.SliceStable(result, func(i, j int) bool { return result[i].ExpiresAt.Before(*result[j].ExpiresAt) })
	return result, nil
}

func (q *memQueries) ListOrphanedAddons(ctx context.Context) ([]*models.PortForwardAddon, error) {
	defer q.read()()
	allocations := q.db.state.allocations
	return q.listAddons(func(a *models.PortForwardAddon) bool {
		if a.Status != models.AddonStatusActive || a.AllocationID == nil {
			return false
		}
		alloc, ok := allocations[*a.AllocationID]
		return ok && alloc.IsTerminal()
	}), nil
}

// ==================== Audit log ====================

func (q *memQueries) InsertLog(ctx context.Context, entry *models.ProvisionLog) error {
	defer q.write()()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	v := *entry
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	q.db.state.logs = append(q.db.state.logs, &v)
	return nil
}

func (q *memQueries) ListLogs(ctx context.Context, entityID string, limit int) ([]*models.ProvisionLog, error) {
	defer q.read()()
	if limit <= 0 {
		limit = 50
	}
	var result []*models.ProvisionLog
	logs := q.db.state.logs
	for i := len(logs) - 1; i >= 0 && len(result) < limit; i-- {
		if logs[i].EntityID == entityID {
			c := *logs[i]
			result = append(result, &c)
		}
	}
	return result, nil
}
