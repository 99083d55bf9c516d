package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{AllocationStatusPending, AllocationStatusConfiguring, true},
		{AllocationStatusConfiguring, AllocationStatusActive, true},
		{AllocationStatusActive, AllocationStatusSuspended, true},
		{AllocationStatusSuspended, AllocationStatusActive, true},
		{AllocationStatusPending, AllocationStatusReleased, true},
		{AllocationStatusSuspended, AllocationStatusReleased, true},
		{AllocationStatusPending, AllocationStatusActive, false},
		{AllocationStatusActive, AllocationStatusPending, false},
		{AllocationStatusConfiguring, AllocationStatusSuspended, false},
		{AllocationStatusReleased, AllocationStatusActive, false},
		{AllocationStatusReleased, AllocationStatusReleased, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAddonContributes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		addon PortForwardAddon
		want  bool
	}{
		{"permanent active", PortForwardAddon{Status: AddonStatusActive}, true},
		{"active until later", PortForwardAddon{Status: AddonStatusActive, ExpiresAt: &future}, true},
		{"active but past expiry", PortForwardAddon{Status: AddonStatusActive, ExpiresAt: &past}, false},
		{"expiring exactly now", PortForwardAddon{Status: AddonStatusActive, ExpiresAt: &now}, false},
		{"cancelled", PortForwardAddon{Status: AddonStatusCancelled}, false},
		{"expired", PortForwardAddon{Status: AddonStatusExpired, ExpiresAt: &future}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addon.Contributes(now); got != tt.want {
				t.Errorf("Contributes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddonHeadroom(t *testing.T) {
	a := &PortForwardAddon{ExtraPorts: 3, PortsUsed: 1}
	if got := a.Headroom(); got != 2 {
		t.Errorf("expected headroom 2, got %d", got)
	}
	a.PortsUsed = 5
	if got := a.Headroom(); got != 0 {
		t.Errorf("expected headroom clamped to 0, got %d", got)
	}
}

func TestAddonServesAllocation(t *testing.T) {
	alloc := &Allocation{ID: "alloc-1", AccountID: "acct-1"}
	other := "alloc-2"
	mine := "alloc-1"

	if !(&PortForwardAddon{AccountID: "acct-1"}).ServesAllocation(alloc) {
		t.Error("account-level addon should serve every allocation of the account")
	}
	if (&PortForwardAddon{AccountID: "acct-2"}).ServesAllocation(alloc) {
		t.Error("addon of another account must not serve the allocation")
	}
	if !(&PortForwardAddon{AccountID: "acct-1", AllocationID: &mine}).ServesAllocation(alloc) {
		t.Error("attached addon should serve its allocation")
	}
	if (&PortForwardAddon{AccountID: "acct-1", AllocationID: &other}).ServesAllocation(alloc) {
		t.Error("addon attached elsewhere must not serve the allocation")
	}
}

func TestPlanAllowsRegion(t *testing.T) {
	open := &PlanDescriptor{}
	if !open.AllowsRegion("westeurope") {
		t.Error("plan without regions should allow any region")
	}
	scoped := &PlanDescriptor{Regions: []string{"eastus", "westus"}}
	if !scoped.AllowsRegion("westus") {
		t.Error("expected westus to be allowed")
	}
	if scoped.AllowsRegion("japaneast") {
		t.Error("expected japaneast to be rejected")
	}
}

func TestNewAllocationInfo_FormatsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	created := time.Date(2026, 3, 1, 20, 0, 0, 0, loc)
	info := NewAllocationInfo(&Allocation{
		ID:              "alloc-1",
		Status:          AllocationStatusPending,
		StatusChangedAt: created,
		CreatedAt:       created,
	})

	if info.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("expected UTC RFC3339 timestamp, got %q", info.CreatedAt)
	}
	if info.ReleasedAt != nil {
		t.Errorf("expected nil released_at, got %v", *info.ReleasedAt)
	}
}
