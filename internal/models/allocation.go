package models

import "time"

// AddressPoolEntry is one leasable public address on an exit node
type AddressPoolEntry struct {
	ID                   int64
	Region               string
	PublicAddress        string
	ServerID             string
	ProviderRef          *string
	IsAllocated          bool
	AllocatedToAccountID *string
	AllocatedAt          *time.Time
	ReleasedAt           *time.Time
	CreatedAt            time.Time
}

// RegionUtilization is the pool usage of a single region
type RegionUtilization struct {
	Region    string `json:"region"`
	Total     int    `json:"total"`
	Allocated int    `json:"allocated"`
	Free      int    `json:"free"`
}

// Allocation is a lease of one pool address to one account in one region
type Allocation struct {
	ID              string
	AccountID       string
	SubscriptionID  string
	Region          string
	PublicAddress   string
	InternalAddress *string
	ServerID        string
	Status          string

	// Plan snapshot taken at creation and renewal
	IncludedPorts int

	DispatchAttempts int
	LastError        *string

	StatusChangedAt time.Time
	SuspendedAt     *time.Time
	// LapsedAt starts the grace clock when the subscription lapses; renewal clears it
	LapsedAt   *time.Time
	ReleasedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether the allocation no longer holds its address.
func (a *Allocation) IsTerminal() bool {
	return a.Status == AllocationStatusReleased
}

// allocationTransitions is the lifecycle graph. Release is handled separately
// because it is legal from every non-terminal state.
var allocationTransitions = map[string][]string{
	AllocationStatusPending:     {AllocationStatusConfiguring, AllocationStatusReleased},
	AllocationStatusConfiguring: {AllocationStatusActive, AllocationStatusReleased},
	AllocationStatusActive:      {AllocationStatusSuspended, AllocationStatusReleased},
	AllocationStatusSuspended:   {AllocationStatusActive, AllocationStatusReleased},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to string) bool {
	for _, next := range allocationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LiveAllocationStatuses are the statuses that hold a pool address.
var LiveAllocationStatuses = []string{
	AllocationStatusPending,
	AllocationStatusConfiguring,
	AllocationStatusActive,
	AllocationStatusSuspended,
}
