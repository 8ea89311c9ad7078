package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/auth"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/logging"
	"github.com/mbd888/autonomy/internal/pagination"
	"github.com/mbd888/autonomy/internal/validation"
)

// maxKeyLength matches the widest identifier column in the schema.
const maxKeyLength = 128

// writeError maps engine errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var ve *autonomy.ValidationError
	var fe validation.Errors
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"field":   ve.Field,
			"message": ve.Error(),
		})
	case errors.As(err, &fe):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"field":   fe[0].Field,
			"message": fe.Error(),
			"details": fe,
		})
	case errors.Is(err, autonomy.ErrEngineNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "engine_not_running",
			"message": "The decision engine is stopped",
		})
	// A resolved item also matches ErrQueueItemNotFound, so check it first.
	case errors.Is(err, approval.ErrItemResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": err.Error(),
		})
	case errors.Is(err, autonomy.ErrQueueItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Approval not found",
		})
	case errors.Is(err, autonomy.ErrInvalidConfiguration),
		errors.Is(err, approval.ErrMissingResolvedBy),
		errors.Is(err, approval.ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

func bindAction(c *gin.Context) (*autonomy.Action, bool) {
	var action autonomy.Action
	if err := c.ShouldBindJSON(&action); err != nil {
		var ute *json.UnmarshalTypeError
		if errors.As(err, &ute) && ute.Field != "" {
			writeError(c, &autonomy.ValidationError{
				Field:  typeErrorField(ute),
				Reason: fmt.Sprintf("has the wrong type (got JSON %s, want %s)", ute.Value, jsonKind(ute.Type)),
			})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON action",
		})
		return nil, false
	}
	if err := validation.Validate(
		validation.MaxLength("id", action.ID, maxKeyLength),
		validation.MaxLength("engine", action.Engine, maxKeyLength),
		validation.MaxLength("category", action.Category, maxKeyLength),
		validation.MaxLength("type", action.Type, maxKeyLength),
		validation.MaxLength("description", action.Description, validation.MaxStringLength),
	); err != nil {
		writeError(c, err)
		return nil, false
	}
	return &action, true
}

// typeErrorField returns the dotted JSON path of a mistyped field.
func typeErrorField(ute *json.UnmarshalTypeError) string {
	if ute.Struct == "Metadata" && !strings.HasPrefix(ute.Field, "metadata.") {
		return "metadata." + ute.Field
	}
	return ute.Field
}

func jsonKind(t reflect.Type) string {
	if t == nil {
		return "a different type"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice:
		return "array"
	}
	return t.String()
}

// routeAction handles POST /v1/actions
func (s *Server) routeAction(c *gin.Context) {
	action, ok := bindAction(c)
	if !ok {
		return
	}
	decision, err := s.engine.Route(c.Request.Context(), action)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// classifyAction handles POST /v1/actions/classify. Nothing is queued or
// counted.
func (s *Server) classifyAction(c *gin.Context) {
	action, ok := bindAction(c)
	if !ok {
		return
	}
	decision, err := s.engine.Preview(action)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// listApprovals handles GET /v1/approvals?status=pending
func (s *Server) listApprovals(c *gin.Context) {
	status := c.Query("status")
	if status != "" {
		if err := validation.Validate(validation.OneOf("status", status,
			string(approval.StatusPending),
			string(approval.StatusApproved),
			string(approval.StatusRejected),
			string(approval.StatusExpired),
		)); err != nil {
			writeError(c, err)
			return
		}
	}
	limit, ok := queryLimit(c, pagination.MaxLimit)
	if !ok {
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		writeError(c, validation.Errors{{Field: "cursor", Message: err.Error()}})
		return
	}

	items := s.engine.Approvals(c.Request.Context(), approval.Status(status))
	page := pagination.Paginate(items, cursor, limit, func(item *approval.Item) (time.Time, string) {
		return item.CreatedAt, item.ID
	})
	resp := gin.H{"approvals": page.Items, "count": len(page.Items), "hasMore": page.HasMore}
	if page.HasMore {
		resp["nextCursor"] = page.Next
	}
	c.JSON(http.StatusOK, resp)
}

// queryLimit parses the optional ?limit= parameter. It writes a 400 and
// returns false when the value is not a positive integer no larger than max.
func queryLimit(c *gin.Context, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"field":   "limit",
			"message": fmt.Sprintf("limit must be an integer between 1 and %d", max),
		})
		return 0, false
	}
	return n, true
}

// getApproval handles GET /v1/approvals/:id
func (s *Server) getApproval(c *gin.Context) {
	item, err := s.engine.Approval(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": item})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

// resolveApproval handles POST /v1/approvals/:id/approve and /reject. The
// resolver defaults to the authenticated operator.
func (s *Server) resolveApproval(resolution approval.Resolution) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Request body must be JSON",
				})
				return
			}
		}
		resolvedBy := validation.SanitizeString(req.ResolvedBy, maxKeyLength)
		if resolvedBy == "" {
			resolvedBy = auth.OperatorName(c)
		}

		item, err := s.engine.Resolve(c.Request.Context(), c.Param("id"), resolution, resolvedBy)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"approval": item})
	}
}

// getStatus handles GET /v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status(c.Request.Context()))
}

// getUsage handles GET /v1/usage
func (s *Server) getUsage(c *gin.Context) {
	snapshot := s.engine.Usage()
	c.JSON(http.StatusOK, gin.H{
		"day":        snapshot.Day,
		"categories": snapshot.Categories,
		"total":      snapshot.Total(),
		"limits":     s.engine.Limits(),
	})
}

type levelRequest struct {
	Level int `json:"level" binding:"required"`
}

// setLevel handles PUT /v1/level
func (s *Server) setLevel(c *gin.Context) {
	var req levelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "level is required (1-4)",
		})
		return
	}
	level := autonomy.Level(req.Level)
	if err := s.engine.SetLevel(level); err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("autonomy level set via API",
		"level", req.Level,
		"operator", auth.OperatorName(c),
	)
	c.JSON(http.StatusOK, gin.H{
		"level":       level,
		"name":        level.String(),
		"description": level.Description(),
	})
}

// startEngine handles POST /v1/engine/start
func (s *Server) startEngine(c *gin.Context) {
	if err := s.engine.Start(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": s.engine.IsRunning()})
}

// stopEngine handles POST /v1/engine/stop
func (s *Server) stopEngine(c *gin.Context) {
	if err := s.engine.Stop(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": s.engine.IsRunning()})
}

// listAssessments handles GET /v1/risk/assessments?actionId=&limit=
func (s *Server) listAssessments(c *gin.Context) {
	limit, ok := queryLimit(c, pagination.MaxLimit)
	if !ok {
		return
	}
	assessments, err := s.engine.Assessments(c.Request.Context(), c.Query("actionId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": assessments, "count": len(assessments)})
}
