package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"go.uber.org/zap"
)

// Push operations understood by the network agent
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// NetworkAgentClient pushes NAT/WireGuard configuration to the exit-node agent.
// Pushes are fire-and-forget: the agent reports the outcome through the
// callback API.
type NetworkAgentClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewNetworkAgentClient creates a new network agent client
func NewNetworkAgentClient(baseURL, internalKey string, logger *zap.Logger) *NetworkAgentClient {
	return &NetworkAgentClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// AllocationPush is the payload describing one leased address
type AllocationPush struct {
	Operation     string `json:"operation"`
	AllocationID  string `json:"allocation_id"`
	AccountID     string `json:"account_id"`
	Region        string `json:"region"`
	ServerID      string `json:"server_id"`
	PublicAddress string `json:"public_address"`
	Status        string `json:"status"`
}

// RulePush is the payload describing one port forward
type RulePush struct {
	Operation     string `json:"operation"`
	RuleID        string `json:"rule_id"`
	AllocationID  string `json:"allocation_id"`
	ServerID      string `json:"server_id"`
	PublicAddress string `json:"public_address"`
	ExternalPort  int    `json:"external_port"`
	InternalPort  int    `json:"internal_port"`
	Protocol      string `json:"protocol"`
	Enabled       bool   `json:"enabled"`
}

type agentResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// PushAllocation sends the allocation's desired state to its exit node
func (c *NetworkAgentClient) PushAllocation(ctx context.Context, alloc *models.Allocation) error {
	op := OpUpsert
	if alloc.IsTerminal() {
		op = OpDelete
	}
	return c.push(ctx, "/api/agent/allocations", &AllocationPush{
		Operation:     op,
		AllocationID:  alloc.ID,
		AccountID:     alloc.AccountID,
		Region:        alloc.Region,
		ServerID:      alloc.ServerID,
		PublicAddress: alloc.PublicAddress,
		Status:        alloc.Status,
	})
}

// PushRule sends one rule's desired state; deleted rules are pushed as deletes
func (c *NetworkAgentClient) PushRule(ctx context.Context, alloc *models.Allocation, rule *models.PortForwardRule) error {
	op := OpUpsert
	if rule.IsDeleted() {
		op = OpDelete
	}
	return c.push(ctx, "/api/agent/rules", &RulePush{
		Operation:     op,
		RuleID:        rule.ID,
		AllocationID:  alloc.ID,
		ServerID:      alloc.ServerID,
		PublicAddress: alloc.PublicAddress,
		ExternalPort:  rule.ExternalPort,
		InternalPort:  rule.InternalPort,
		Protocol:      rule.Protocol,
		Enabled:       rule.Enabled,
	})
}

func (c *NetworkAgentClient) push(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		var result agentResponse
		errMsg := string(respBody)
		if json.Unmarshal(respBody, &result) == nil && result.Error != "" {
			errMsg = result.Error
		}
		return fmt.Errorf("network agent returned status %d: %s", resp.StatusCode, errMsg)
	}

	c.logger.Debug("configuration pushed", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return nil
}
