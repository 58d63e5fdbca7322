package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inventory-ledger/internal/interfaces"
	"inventory-ledger/internal/models"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// LedgerHandler exposes the ledger over HTTP
type LedgerHandler struct {
	ledger  interfaces.LedgerService
	sweeper interfaces.ExpirySweeper
	checks  map[string]HealthCheck
	service string
}

// NewLedgerHandler creates a new ledger API handler. sweeper may be nil.
func NewLedgerHandler(ledger interfaces.LedgerService, sweeper interfaces.ExpirySweeper, serviceName string) *LedgerHandler {
	return &LedgerHandler{
		ledger:  ledger,
		sweeper: sweeper,
		checks:  make(map[string]HealthCheck),
		service: serviceName,
	}
}

// AddHealthCheck registers a dependency probed by /health
func (h *LedgerHandler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// SetupRoutes builds the router
func (h *LedgerHandler) SetupRoutes() *gin.Engine {
	useJSONFieldNames()

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(ErrorHandlerMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", h.healthCheck)

	api := r.Group("/api/v1")
	{
		api.POST("/reservations", h.reserve)
		api.POST("/reservations/release", h.unreserve)
		api.PATCH("/reservations", h.adjustReservation)

		api.GET("/holders/:holder_id/reservations", h.listHolderReservations)
		api.DELETE("/holders/:holder_id/reservations", h.releaseHolder)
		api.POST("/holders/:holder_id/complete", h.completeOrder)

		api.POST("/movements", h.applyMovement)
		api.POST("/movements/sale", h.issueSale)
		api.POST("/movements/receive", h.receiveStock)
		api.GET("/movements", h.listMovements)
		api.GET("/movements/:id", h.getMovement)

		api.POST("/transfers", h.transferStock)

		api.GET("/variants/:variant_id/availability", h.getAvailability)
		api.PUT("/levels/:variant_id/:warehouse_id/threshold", h.setThreshold)

		api.POST("/admin/expiry/sweep", h.sweepNow)
	}

	return r
}

func (h *LedgerHandler) reserve(c *gin.Context) {
	var req models.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	result, err := h.ledger.Reserve(c.Request.Context(), req.VariantID, req.Quantity, req.HolderID)
	if err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Str("holder_id", req.HolderID).Msg("Failed to reserve stock")
		Response.Error(c, err)
		return
	}
	Response.Created(c, result)
}

func (h *LedgerHandler) unreserve(c *gin.Context) {
	var req models.UnreserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	if err := h.ledger.Unreserve(c.Request.Context(), req.VariantID, req.WarehouseID, req.Quantity, req.HolderID); err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Str("holder_id", req.HolderID).Msg("Failed to release reservation")
		Response.Error(c, err)
		return
	}
	Response.NoContent(c)
}

func (h *LedgerHandler) adjustReservation(c *gin.Context) {
	var req models.AdjustReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	result, err := h.ledger.AdjustReservation(c.Request.Context(), req.VariantID, req.WarehouseID, req.Delta, req.HolderID)
	if err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Int("delta", req.Delta).Msg("Failed to adjust reservation")
		Response.Error(c, err)
		return
	}
	Response.Success(c, result)
}

func (h *LedgerHandler) listHolderReservations(c *gin.Context) {
	holderID := c.Param("holder_id")
	entries, err := h.ledger.ListHolderReservations(c.Request.Context(), holderID)
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, gin.H{"holder_id": holderID, "reservations": entries})
}

func (h *LedgerHandler) releaseHolder(c *gin.Context) {
	holderID := c.Param("holder_id")
	released, err := h.ledger.ReleaseHolder(c.Request.Context(), holderID)
	if err != nil {
		log.Warn().Err(err).Str("holder_id", holderID).Msg("Failed to release holder")
		Response.Error(c, err)
		return
	}
	Response.Success(c, gin.H{"holder_id": holderID, "released": released})
}

func (h *LedgerHandler) completeOrder(c *gin.Context) {
	holderID := c.Param("holder_id")

	var req models.CompleteOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	movements, err := h.ledger.CompleteOrder(c.Request.Context(), holderID, req.OrderID)
	if err != nil {
		log.Warn().Err(err).Str("holder_id", holderID).Str("order_id", req.OrderID).Msg("Failed to complete order")
		Response.Error(c, err)
		return
	}
	Response.Success(c, gin.H{"holder_id": holderID, "order_id": req.OrderID, "movements": movements})
}

func (h *LedgerHandler) issueSale(c *gin.Context) {
	var req models.IssueSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	movement, err := h.ledger.IssueSale(c.Request.Context(), req.VariantID, req.WarehouseID, req.Quantity, req.OrderID, req.UnitCost)
	if err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Str("order_id", req.OrderID).Msg("Failed to issue sale")
		Response.Error(c, err)
		return
	}
	Response.Created(c, movement)
}

func (h *LedgerHandler) receiveStock(c *gin.Context) {
	var req models.ReceiveStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	movement, err := h.ledger.ReceiveStock(c.Request.Context(), &req)
	if err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Msg("Failed to receive stock")
		Response.Error(c, err)
		return
	}
	Response.Created(c, movement)
}

func (h *LedgerHandler) applyMovement(c *gin.Context) {
	var req models.ApplyMovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	movement, err := h.ledger.ApplyMovement(c.Request.Context(), &req)
	if err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Str("kind", req.Kind).Msg("Failed to apply movement")
		Response.Error(c, err)
		return
	}
	Response.Created(c, movement)
}

func (h *LedgerHandler) transferStock(c *gin.Context) {
	var req models.TransferStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	result, err := h.ledger.TransferStock(c.Request.Context(), req.FromWarehouseID, req.ToWarehouseID, req.VariantID, req.Quantity, req.ActorID)
	if err != nil {
		log.Warn().Err(err).Str("variant_id", req.VariantID).Msg("Failed to transfer stock")
		Response.Error(c, err)
		return
	}
	Response.Created(c, result)
}

func (h *LedgerHandler) getAvailability(c *gin.Context) {
	variantID := c.Param("variant_id")

	var warehouseID *string
	if w, ok := c.GetQuery("warehouse_id"); ok && w != "" {
		warehouseID = &w
	}

	resp, err := h.ledger.GetAvailableStock(c.Request.Context(), variantID, warehouseID)
	if err != nil {
		Response.Error(c, err)
		return
	}

	if resp.CacheHit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	Response.Success(c, resp)
}

func (h *LedgerHandler) listMovements(c *gin.Context) {
	filter, err := parseMovementsFilter(c)
	if err != nil {
		Response.Error(c, err)
		return
	}

	list, err := h.ledger.ListMovements(c.Request.Context(), filter)
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, list)
}

func parseMovementsFilter(c *gin.Context) (models.ListMovementsFilter, error) {
	var filter models.ListMovementsFilter

	if v, ok := c.GetQuery("variant_id"); ok && v != "" {
		filter.VariantID = &v
	}
	if v, ok := c.GetQuery("warehouse_id"); ok && v != "" {
		filter.WarehouseID = &v
	}
	if v, ok := c.GetQuery("reference_type"); ok && v != "" {
		filter.ReferenceType = &v
	}
	if v, ok := c.GetQuery("reference_id"); ok && v != "" {
		filter.ReferenceID = &v
	}
	if v, ok := c.GetQuery("kind"); ok && v != "" {
		kind, err := models.ParseMovementKind(v)
		if err != nil {
			return filter, err
		}
		filter.Kind = &kind
	}
	for _, name := range []string{"from", "to"} {
		v, ok := c.GetQuery(name)
		if !ok || v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, models.NewValidationError(name, "must be an RFC 3339 timestamp", v)
		}
		if name == "from" {
			filter.From = &t
		} else {
			filter.To = &t
		}
	}
	for _, name := range []string{"limit", "offset"} {
		v, ok := c.GetQuery(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, models.NewValidationError(name, "must be a non-negative integer", v)
		}
		if name == "limit" {
			filter.Limit = n
		} else {
			filter.Offset = n
		}
	}
	return filter, nil
}

func (h *LedgerHandler) getMovement(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		Response.ValidationError(c, "id", "Invalid movement ID format")
		return
	}

	movement, err := h.ledger.GetMovement(c.Request.Context(), id)
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, movement)
}

func (h *LedgerHandler) setThreshold(c *gin.Context) {
	var req models.SetThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BindError(c, err)
		return
	}

	level, err := h.ledger.SetLowStockThreshold(c.Request.Context(), c.Param("variant_id"), c.Param("warehouse_id"), *req.Threshold)
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, level)
}

func (h *LedgerHandler) sweepNow(c *gin.Context) {
	if h.sweeper == nil {
		Response.problem(c, models.NewProblemDetails(http.StatusServiceUnavailable, "Service Unavailable", "Expiry sweeper is not running in this process"))
		return
	}

	result, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		Response.Error(c, models.NewSystemError(models.ErrorCodeCacheError, "expiry_scheduler", "sweep failed", err))
		return
	}
	Response.Success(c, result)
}

func (h *LedgerHandler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"service":      h.service,
		"dependencies": deps,
	})
}
