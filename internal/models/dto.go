package models

import "time"

// ==================== Internal API DTOs ====================

// SubscriptionEventRequest is sent by subscription-service on state changes
type SubscriptionEventRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
	AccountID      string `json:"account_id"`
	Status         string `json:"status" binding:"required"` // active, lapsed, renewed, cancelled
	Region         string `json:"region"`
}

// CreateAllocationRequest leases an address outside the event flow
type CreateAllocationRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	Region         string `json:"region" binding:"required"`
	SubscriptionID string `json:"subscription_id" binding:"required"`
}

// AdvanceAllocationRequest moves an allocation to a target status
type AdvanceAllocationRequest struct {
	Status string `json:"status" binding:"required"`
}

// AttachAddonRequest records a paid addon (post-payment)
type AttachAddonRequest struct {
	AccountID      string     `json:"account_id" binding:"required"`
	AllocationID   *string    `json:"allocation_id,omitempty"`
	SubscriptionID string     `json:"subscription_id" binding:"required"`
	ExtraPorts     int        `json:"extra_ports" binding:"required,min=1"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ==================== User API DTOs ====================

// AddRuleRequest is for user-initiated port forwards
type AddRuleRequest struct {
	ExternalPort int    `json:"external_port" binding:"required,min=1,max=65535"`
	InternalPort int    `json:"internal_port" binding:"required,min=1,max=65535"`
	Protocol     string `json:"protocol" binding:"required"`
	Description  string `json:"description"`
}

// AllocationInfo is the API view of an allocation
type AllocationInfo struct {
	ID               string  `json:"id"`
	AccountID        string  `json:"account_id"`
	SubscriptionID   string  `json:"subscription_id"`
	Region           string  `json:"region"`
	PublicAddress    string  `json:"public_address"`
	InternalAddress  *string `json:"internal_address,omitempty"`
	ServerID         string  `json:"server_id"`
	Status           string  `json:"status"`
	IncludedPorts    int     `json:"included_ports"`
	DispatchAttempts int     `json:"dispatch_attempts"`
	LastError        *string `json:"last_error,omitempty"`
	StatusChangedAt  string  `json:"status_changed_at"`
	SuspendedAt      *string `json:"suspended_at,omitempty"`
	LapsedAt         *string `json:"lapsed_at,omitempty"`
	ReleasedAt       *string `json:"released_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// RuleInfo is the API view of a port forward rule
type RuleInfo struct {
	ID               string  `json:"id"`
	AllocationID     string  `json:"allocation_id"`
	ExternalPort     int     `json:"external_port"`
	InternalPort     int     `json:"internal_port"`
	Protocol         string  `json:"protocol"`
	Description      string  `json:"description,omitempty"`
	IsFromAddon      bool    `json:"is_from_addon"`
	AddonID          *string `json:"addon_id,omitempty"`
	Status           string  `json:"status"`
	Enabled          bool    `json:"enabled"`
	DispatchAttempts int     `json:"dispatch_attempts"`
	LastError        *string `json:"last_error,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// AddonInfo is the API view of an addon
type AddonInfo struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"account_id"`
	AllocationID   *string `json:"allocation_id,omitempty"`
	SubscriptionID string  `json:"subscription_id"`
	ExtraPorts     int     `json:"extra_ports"`
	PortsUsed      int     `json:"ports_used"`
	Status         string  `json:"status"`
	ExpiresAt      *string `json:"expires_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// ==================== Callback DTOs ====================

// AllocationConfiguredCallback is sent by the network agent once the binding is live
type AllocationConfiguredCallback struct {
	AllocationID    string `json:"allocation_id" binding:"required"`
	ServerID        string `json:"server_id"`
	InternalAddress string `json:"internal_address"`
}

// RuleConfiguredCallback is sent by the network agent once a forward is live
type RuleConfiguredCallback struct {
	RuleID string `json:"rule_id" binding:"required"`
}

// ConfigFailedCallback is sent when the agent could not apply a configuration
type ConfigFailedCallback struct {
	ID           string `json:"id" binding:"required"`
	ErrorMessage string `json:"error_message"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// NewAllocationInfo converts an allocation for the API
func NewAllocationInfo(a *Allocation) *AllocationInfo {
	return &AllocationInfo{
		ID:               a.ID,
		AccountID:        a.AccountID,
		SubscriptionID:   a.SubscriptionID,
		Region:           a.Region,
		PublicAddress:    a.PublicAddress,
		InternalAddress:  a.InternalAddress,
		ServerID:         a.ServerID,
		Status:           a.Status,
		IncludedPorts:    a.IncludedPorts,
		DispatchAttempts: a.DispatchAttempts,
		LastError:        a.LastError,
		StatusChangedAt:  formatTime(a.StatusChangedAt),
		SuspendedAt:      formatTimePtr(a.SuspendedAt),
		LapsedAt:         formatTimePtr(a.LapsedAt),
		ReleasedAt:       formatTimePtr(a.ReleasedAt),
		CreatedAt:        formatTime(a.CreatedAt),
	}
}

// NewAllocationInfos converts a list of allocations
func NewAllocationInfos(allocs []*Allocation) []*AllocationInfo {
	result := make([]*AllocationInfo, 0, len(allocs))
	for _, a := range allocs {
		result = append(result, NewAllocationInfo(a))
	}
	return result
}

// NewRuleInfo converts a rule for the API
func NewRuleInfo(r *PortForwardRule) *RuleInfo {
	return &RuleInfo{
		ID:               r.ID,
		AllocationID:     r.AllocationID,
		ExternalPort:     r.ExternalPort,
		InternalPort:     r.InternalPort,
		Protocol:         r.Protocol,
		Description:      r.Description,
		IsFromAddon:      r.IsFromAddon,
		AddonID:          r.AddonID,
		Status:           r.Status,
		Enabled:          r.Enabled,
		DispatchAttempts: r.DispatchAttempts,
		LastError:        r.LastError,
		CreatedAt:        formatTime(r.CreatedAt),
	}
}

// NewRuleInfos converts a list of rules
func NewRuleInfos(rules []*PortForwardRule) []*RuleInfo {
	result := make([]*RuleInfo, 0, len(rules))
	for _, r := range rules {
		result = append(result, NewRuleInfo(r))
	}
	return result
}

// NewAddonInfo converts an addon for the API
func NewAddonInfo(a *PortForwardAddon) *AddonInfo {
	return &AddonInfo{
		ID:             a.ID,
		AccountID:      a.AccountID,
		AllocationID:   a.AllocationID,
		SubscriptionID: a.SubscriptionID,
		ExtraPorts:     a.ExtraPorts,
		PortsUsed:      a.PortsUsed,
		Status:         a.Status,
		ExpiresAt:      formatTimePtr(a.ExpiresAt),
		CreatedAt:      formatTime(a.CreatedAt),
	}
}

// NewAddonInfos converts a list of addons
func NewAddonInfos(addons []*PortForwardAddon) []*AddonInfo {
	result := make([]*AddonInfo, 0, len(addons))
	for _, a := range addons {
		result = append(result, NewAddonInfo(a))
	}
	return result
}
