package models

import "time"

// PortForwardAddon is a purchased bundle of extra forwarding slots
type PortForwardAddon struct {
	ID             string
	AccountID      string
	AllocationID   *string // nil until attached; account-level addons serve every allocation
	SubscriptionID string
	ExtraPorts     int
	PortsUsed      int
	Status         string
	ExpiresAt      *time.Time // nil means permanent
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contributes reports whether the addon adds headroom at instant now.
func (a *PortForwardAddon) Contributes(now time.Time) bool {
	if a.Status != AddonStatusActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Headroom is the number of unused slots, never negative.
func (a *PortForwardAddon) Headroom() int {
	if a.PortsUsed >= a.ExtraPorts {
		return 0
	}
	return a.ExtraPorts - a.PortsUsed
}

// ServesAllocation reports whether the addon is attached to the allocation,
// directly or through the owning account.
func (a *PortForwardAddon) ServesAllocation(alloc *Allocation) bool {
	if a.AllocationID != nil {
		return *a.AllocationID == alloc.ID
	}
	return a.AccountID == alloc.AccountID
}

// PortForwardRule is one NAT binding on an allocation
type PortForwardRule struct {
	ID           string
	AllocationID string
	ExternalPort int
	InternalPort int
	Protocol     string
	Description  string

	// IsFromAddon rules consume a slot of AddonID instead of plan quota
	IsFromAddon bool
	AddonID     *string

	Status  string
	Enabled bool

	DispatchAttempts int
	LastError        *string

	StatusChangedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsDeleted reports whether the rule has been soft-deleted.
func (r *PortForwardRule) IsDeleted() bool {
	return r.Status == RuleStatusDeleted
}
