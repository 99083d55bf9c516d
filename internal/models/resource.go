package models

import (
	"time"
)

// Allocation status constants
const (
	AllocationStatusPending     = "pending"
	AllocationStatusConfiguring = "configuring"
	AllocationStatusActive      = "active"
	AllocationStatusSuspended   = "suspended"
	AllocationStatusReleased    = "released"
)

// Rule status constants
const (
	RuleStatusPending     = "pending"
	RuleStatusConfiguring = "configuring"
	RuleStatusActive      = "active"
	RuleStatusDeleted     = "deleted"
)

// Addon status constants (mirror the billing subscription lifecycle)
const (
	AddonStatusActive    = "active"
	AddonStatusExpired   = "expired"
	AddonStatusCancelled = "cancelled"
)

// Protocol constants
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Subscription event statuses sent by the billing authority
const (
	SubscriptionEventActive    = "active"
	SubscriptionEventLapsed    = "lapsed"
	SubscriptionEventRenewed   = "renewed"
	SubscriptionEventCancelled = "cancelled"
)

// Log entity types
const (
	EntityAllocation = "allocation"
	EntityRule       = "rule"
	EntityAddon      = "addon"
	EntityPool       = "pool"
)

// ProvisionLog represents an operation log entry
type ProvisionLog struct {
	ID         string                 `json:"id"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"` // "allocation", "rule", "addon" or "pool"
	Action     string                 `json:"action"`
	Status     string                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// PlanDescriptor is the authoritative plan shape supplied by the billing authority
type PlanDescriptor struct {
	PlanID         string   `json:"plan_id"`
	IncludedPorts  int      `json:"included_ports"`
	Regions        []string `json:"regions"`         // empty means every region
	MaxAllocations int      `json:"max_allocations"` // 0 means unlimited
}

// AllowsRegion reports whether the plan is entitled to lease in region.
func (p *PlanDescriptor) AllowsRegion(region string) bool {
	if len(p.Regions) == 0 {
		return true
	}
	for _, r := range p.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// IsValidProtocol reports whether proto can be used for a forwarding rule.
func IsValidProtocol(proto string) bool {
	return proto == ProtocolTCP || proto == ProtocolUDP
}
