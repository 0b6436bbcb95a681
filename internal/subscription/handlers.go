package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for subscription operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.Create)
	r.GET("/subscriptions", h.GetActive)
	r.POST("/subscriptions/:id/cancel", h.Cancel)
}

type createRequest struct {
	PlanType string `json:"planType" binding:"required"`
}

// Create handles POST /v1/subscriptions
func (h *Handler) Create(c *gin.Context) {
	userID := c.GetString("userID")

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub, err := h.service.Create(c.Request.Context(), userID, req.PlanType)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUnknownPlan):
			status = http.StatusBadRequest
			code = "unknown_plan"
		case errors.Is(err, ErrAlreadyActive):
			status = http.StatusConflict
			code = "already_subscribed"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// GetActive handles GET /v1/subscriptions
func (h *Handler) GetActive(c *gin.Context) {
	userID := c.GetString("userID")

	sub, err := h.service.ActiveForUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No active subscription",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Cancel handles POST /v1/subscriptions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	userID := c.GetString("userID")
	id := c.Param("id")

	sub, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if sub.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Subscription belongs to another user",
		})
		return
	}

	cancelled, err := h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_active",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": cancelled})
}
