package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/autonomy/internal/engine"
	"github.com/mbd888/autonomy/internal/idgen"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
	clock        func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, d *Dispatcher) *Handler {
	h := &Handler{store: store, clock: time.Now}
	if d != nil {
		h.urlValidator = d.urlValidator
	}
	return h
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if h.urlValidator != nil {
		if err := h.urlValidator(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": err.Error(),
			})
			return
		}
	}

	events, ok := parseEvents(req.Events)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_events",
			"message": "events must be a non-empty subset of the supported event types",
			"allowed": engine.AllEvents,
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.clock().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned here
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":  "deleted",
			"message": "Webhook deleted",
		})
	}
}

func parseEvents(raw []string) ([]engine.EventType, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	known := make(map[engine.EventType]bool, len(engine.AllEvents))
	for _, et := range engine.AllEvents {
		known[et] = true
	}
	seen := make(map[engine.EventType]bool, len(raw))
	var events []engine.EventType
	for _, r := range raw {
		et := engine.EventType(r)
		if !known[et] {
			return nil, false
		}
		if !seen[et] {
			seen[et] = true
			events = append(events, et)
		}
	}
	return events, true
}
