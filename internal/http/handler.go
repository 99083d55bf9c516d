package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/staticip-service/internal/models"
	"github.com/wenwu/saas-platform/staticip-service/internal/service"
	"go.uber.org/zap"
)

type Handler struct {
	pool        *service.PoolService
	allocations *service.AllocationService
	rules       *service.RuleEngine
	ledger      *service.AddonLedger
	coordinator *service.Coordinator
	logger      *zap.Logger
}

func NewHandler(
	pool *service.PoolService,
	allocations *service.AllocationService,
	rules *service.RuleEngine,
	ledger *service.AddonLedger,
	coordinator *service.Coordinator,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		pool:        pool,
		allocations: allocations,
		rules:       rules,
		ledger:      ledger,
		coordinator: coordinator,
		logger:      logger,
	}
}

// statusForKind maps a service error kind to an HTTP status
var statusForKind = map[string]int{
	service.KindCapacity:          http.StatusUnprocessableEntity,
	service.KindConflict:          http.StatusConflict,
	service.KindInvalidTransition: http.StatusConflict,
	service.KindNotFound:          http.StatusNotFound,
	service.KindForbidden:         http.StatusForbidden,
	service.KindInvalid:           http.StatusBadRequest,
	service.KindInternal:          http.StatusInternalServerError,
}

// respondError writes a structured error. Internal errors are logged and
// their details withheld.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind := service.Kind(err)
	status := statusForKind[kind]
	if kind == service.KindInternal {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error", "code": service.Code(err), "kind": kind})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": service.Code(err), "kind": kind})
}

func accountID(c *gin.Context) (string, bool) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return "", false
	}
	return userID, true
}

// ==================== Internal API Handlers ====================

// SubscriptionEvent handles subscription state changes from subscription-service
func (h *Handler) SubscriptionEvent(c *gin.Context) {
	var req models.SubscriptionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	allocs, err := h.coordinator.HandleEvent(c.Request.Context(), &service.SubscriptionEvent{
		SubscriptionID: req.SubscriptionID,
		AccountID:      req.AccountID,
		Status:         req.Status,
		Region:         req.Region,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocations": models.NewAllocationInfos(allocs)})
}

// CreateAllocation leases an address directly and dispatches it
func (h *Handler) CreateAllocation(c *gin.Context) {
	var req models.CreateAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alloc, err := h.coordinator.Provision(c.Request.Context(), req.AccountID, req.Region, req.SubscriptionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewAllocationInfo(alloc))
}

// GetAllocation returns one allocation with its recent history
func (h *Handler) GetAllocation(c *gin.Context) {
	alloc, err := h.allocations.Get(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		h.respondError(c, err)
		return
	}

	history, err := h.allocations.History(c.Request.Context(), alloc.ID, 20)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocation": models.NewAllocationInfo(alloc), "history": history})
}

// ReleaseAllocation releases an allocation; repeated calls succeed
func (h *Handler) ReleaseAllocation(c *gin.Context) {
	alloc, err := h.allocations.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewAllocationInfo(alloc))
}

// AdvanceAllocation moves an allocation to the requested status
func (h *Handler) AdvanceAllocation(c *gin.Context) {
	var req models.AdvanceAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alloc, err := h.allocations.Advance(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewAllocationInfo(alloc))
}

// AttachAddon records a purchased addon
func (h *Handler) AttachAddon(c *gin.Context) {
	var req models.AttachAddonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	addon, err := h.coordinator.AttachAddon(c.Request.Context(), &service.AttachAddonInput{
		AccountID:      req.AccountID,
		AllocationID:   req.AllocationID,
		SubscriptionID: req.SubscriptionID,
		ExtraPorts:     req.ExtraPorts,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewAddonInfo(addon))
}

// CancelAddon retires an addon before its expiry
func (h *Handler) CancelAddon(c *gin.Context) {
	addon, err := h.coordinator.CancelAddon(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewAddonInfo(addon))
}

// ==================== Callback Handlers ====================

// AllocationConfigured handles the agent's confirmation for an allocation
func (h *Handler) AllocationConfigured(c *gin.Context) {
	var req models.AllocationConfiguredCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.allocations.HandleConfigured(c.Request.Context(), req.AllocationID, req.ServerID, req.InternalAddress); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AllocationFailed handles an agent failure report for an allocation
func (h *Handler) AllocationFailed(c *gin.Context) {
	var req models.ConfigFailedCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.allocations.HandleFailed(c.Request.Context(), req.ID, req.ErrorMessage); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RuleConfigured handles the agent's confirmation for a rule
func (h *Handler) RuleConfigured(c *gin.Context) {
	var req models.RuleConfiguredCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.rules.HandleConfigured(c.Request.Context(), req.RuleID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RuleFailed handles an agent failure report for a rule
func (h *Handler) RuleFailed(c *gin.Context) {
	var req models.ConfigFailedCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.rules.HandleFailed(c.Request.Context(), req.ID, req.ErrorMessage); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ==================== User API Handlers ====================

// GetMyAllocations lists the caller's allocations
func (h *Handler) GetMyAllocations(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	allocs, err := h.allocations.ListByAccount(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocations": models.NewAllocationInfos(allocs)})
}

// ReleaseMyAllocation releases one of the caller's allocations
func (h *Handler) ReleaseMyAllocation(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	alloc, err := h.allocations.ReleaseOwned(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewAllocationInfo(alloc))
}

// GetMyRules lists the live rules of one of the caller's allocations
func (h *Handler) GetMyRules(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	rules, err := h.rules.ListRules(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": models.NewRuleInfos(rules)})
}

// AddMyRule adds a port forward to one of the caller's allocations
func (h *Handler) AddMyRule(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	var req models.AddRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := h.rules.AddRule(c.Request.Context(), &service.AddRuleInput{
		AllocationID: c.Param("id"),
		AccountID:    userID,
		ExternalPort: req.ExternalPort,
		InternalPort: req.InternalPort,
		Protocol:     req.Protocol,
		Description:  req.Description,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewRuleInfo(rule))
}

// DeleteMyRule removes one of the caller's rules
func (h *Handler) DeleteMyRule(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	rule, err := h.rules.RemoveRule(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewRuleInfo(rule))
}

// GetMyQuota returns the port quota of one of the caller's allocations
func (h *Handler) GetMyQuota(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	quota, err := h.rules.Quota(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, quota)
}

// GetMyAddons lists the caller's addons
func (h *Handler) GetMyAddons(c *gin.Context) {
	userID, ok := accountID(c)
	if !ok {
		return
	}

	addons, err := h.ledger.ListAddons(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"addons": models.NewAddonInfos(addons)})
}

// ==================== Admin API Handlers ====================

// PoolUtilization returns per-region pool usage
func (h *Handler) PoolUtilization(c *gin.Context) {
	usage, err := h.pool.Utilization(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"regions": usage})
}

// StaleAllocations lists allocations stuck in provisioning
func (h *Handler) StaleAllocations(c *gin.Context) {
	allocs, err := h.allocations.FindStaleNeedingReconciliation(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocations": models.NewAllocationInfos(allocs)})
}

// PendingRules lists rules waiting for configuration
func (h *Handler) PendingRules(c *gin.Context) {
	rules, err := h.rules.ListNeedingConfiguration(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": models.NewRuleInfos(rules)})
}

// ExpiringAddons lists active addons expiring soon
func (h *Handler) ExpiringAddons(c *gin.Context) {
	addons, err := h.ledger.ListExpiring(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"addons": models.NewAddonInfos(addons)})
}

// OrphanedAddons lists active addons attached to released allocations
func (h *Handler) OrphanedAddons(c *gin.Context) {
	addons, err := h.ledger.ListOrphaned(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"addons": models.NewAddonInfos(addons)})
}
