package billingkey

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for billing key operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new billing key handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up billing key routes. Registration itself lives at
// the server level because it also touches subscriptions.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/billing/keys", h.GetActive)
	r.GET("/billing/keys/history", h.History)
	r.DELETE("/billing/keys", h.Remove)
}

// GetActive handles GET /v1/billing/keys
func (h *Handler) GetActive(c *gin.Context) {
	userID := c.GetString("userID")

	key, err := h.service.Active(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveKey) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No active billing key",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"billing_key": key})
}

// History handles GET /v1/billing/keys/history
func (h *Handler) History(c *gin.Context) {
	userID := c.GetString("userID")

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	keys, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"billing_keys": keys,
		"count":        len(keys),
	})
}

// Remove handles DELETE /v1/billing/keys
func (h *Handler) Remove(c *gin.Context) {
	userID := c.GetString("userID")

	if err := h.service.Remove(c.Request.Context(), userID); err != nil {
		if errors.Is(err, ErrNoActiveKey) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No active billing key",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
