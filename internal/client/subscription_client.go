package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
)

// SubscriptionClient handles communication with subscription-service
type SubscriptionClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewSubscriptionClient creates a new subscription service client
func NewSubscriptionClient(baseURL, internalKey string) *SubscriptionClient {
	return &SubscriptionClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AllocationCallback is sent to subscription-service on allocation status changes
type AllocationCallback struct {
	SubscriptionID string `json:"subscription_id"`
	App            string `json:"app"`
	AllocationID   string `json:"allocation_id"`
	Status         string `json:"status"`
	PublicAddress  string `json:"public_address,omitempty"`
}

// NotifyAllocationStatus sends an allocation status callback to subscription-service
func (c *SubscriptionClient) NotifyAllocationStatus(ctx context.Context, alloc *models.Allocation) error {
	url := fmt.Sprintf("%s/api/internal/fulfillment/callback", c.baseURL)

	body, err := json.Marshal(&AllocationCallback{
		SubscriptionID: alloc.SubscriptionID,
		App:            "staticip",
		AllocationID:   alloc.ID,
		Status:         alloc.Status,
		PublicAddress:  alloc.PublicAddress,
	})
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("subscription-service returned status %d", resp.StatusCode)
	}

	return nil
}

// GetPlan fetches the plan descriptor that governs a subscription
func (c *SubscriptionClient) GetPlan(ctx context.Context, subscriptionID string) (*models.PlanDescriptor, error) {
	url := fmt.Sprintf("%s/api/internal/subscriptions/%s/plan", c.baseURL, subscriptionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("subscription %s has no plan", subscriptionID)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("subscription-service returned status %d", resp.StatusCode)
	}

	var plan models.PlanDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &plan, nil
}
