package service

import (
	"context"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

// PlanProvider supplies the authoritative plan of a subscription
type PlanProvider interface {
	GetPlan(ctx context.Context, subscriptionID string) (*models.PlanDescriptor, error)
}

// ConfigPusher sends desired state to the network configuration agent.
// The agent reports the outcome asynchronously through the callback API.
type ConfigPusher interface {
	PushAllocation(ctx context.Context, alloc *models.Allocation) error
	PushRule(ctx context.Context, alloc *models.Allocation, rule *models.PortForwardRule) error
}

// StatusNotifier reports allocation status changes back to billing
type StatusNotifier interface {
	NotifyAllocationStatus(ctx context.Context, alloc *models.Allocation) error
}
