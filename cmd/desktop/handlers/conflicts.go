package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
)

// ConflictHandler serves the conflict engine over HTTP.
type ConflictHandler struct {
	svc           *conflict.Service
	retentionDays int
}

// NewConflictHandler creates a ConflictHandler. retentionDays is used by
// cleanup requests that do not name a window.
func NewConflictHandler(svc *conflict.Service, retentionDays int) *ConflictHandler {
	return &ConflictHandler{svc: svc, retentionDays: retentionDays}
}

// ListPending handles GET /api/conflicts/pending[?entity=ID]
func (h *ConflictHandler) ListPending(c *gin.Context) {
	var (
		conflicts []*models.Conflict
		err       error
	)
	if entity := c.Query("entity"); entity != "" {
		conflicts, err = h.svc.GetPendingConflictsFor(c.Request.Context(), entity)
	} else {
		conflicts, err = h.svc.GetPendingConflicts(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflicts)
}

// History handles GET /api/conflicts/history
func (h *ConflictHandler) History(c *gin.Context) {
	history, err := h.svc.GetResolutionHistory(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// Stats handles GET /api/conflicts/stats
func (h *ConflictHandler) Stats(c *gin.Context) {
	stats, err := h.svc.GetConflictStatistics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Get handles GET /api/conflicts/:id
func (h *ConflictHandler) Get(c *gin.Context) {
	found, err := h.svc.GetConflict(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

// Strategies handles GET /api/strategies
func (h *ConflictHandler) Strategies(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Strategies())
}

type detectRequest struct {
	Local        models.Record `json:"local"`
	Remote       models.Record `json:"remote"`
	Action       models.Action `json:"action"`
	AutoStrategy string        `json:"autoStrategy"`
}

// Detect handles POST /api/conflicts/detect
// Detected conflicts are stored; with autoStrategy they are resolved at once.
func (h *ConflictHandler) Detect(c *gin.Context) {
	var req detectRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	result, err := h.svc.DetectConflicts(ctx, req.Local, req.Remote, req.Action)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.AutoStrategy == "" || !result.HasConflicts {
		c.JSON(http.StatusOK, result)
		return
	}

	resolutions, err := h.svc.ResolveConflictsAutomatically(ctx, result.Conflicts, req.AutoStrategy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hasConflicts":          result.HasConflicts,
		"conflicts":             result.Conflicts,
		"resolutionSuggestions": result.ResolutionSuggestions,
		"resolutions":           resolutions,
	})
}

// ResolveAuto handles POST /api/conflicts/resolve-auto
// Body: {"conflictIds": [...], "strategy": "last_modified"}
func (h *ConflictHandler) ResolveAuto(c *gin.Context) {
	var req struct {
		ConflictIDs []string `json:"conflictIds" binding:"required"`
		Strategy    string   `json:"strategy" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	conflicts := make([]*models.Conflict, 0, len(req.ConflictIDs))
	for _, id := range req.ConflictIDs {
		found, err := h.svc.GetConflict(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		conflicts = append(conflicts, found)
	}

	resolutions, err := h.svc.ResolveConflictsAutomatically(ctx, conflicts, req.Strategy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolutions)
}

// Resolve handles POST /api/conflicts/:id/resolve
// Body: {"outcome": "local", "details": "..."}
func (h *ConflictHandler) Resolve(c *gin.Context) {
	var req struct {
		Outcome models.Outcome `json:"outcome"`
		Details string         `json:"details"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.ResolveConflictManually(c.Request.Context(), c.Param("id"), req.Outcome, req.Details)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Apply handles POST /api/conflicts/:id/apply
// Automatic strategies resolve the conflict; others only propose a resolution.
func (h *ConflictHandler) Apply(c *gin.Context) {
	var req struct {
		Strategy string `json:"strategy" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.svc.ApplyStrategy(c.Request.Context(), c.Param("id"), req.Strategy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resolution": res,
		"persisted":  res.Strategy.Automatic,
	})
}

// Cleanup handles POST /api/conflicts/cleanup
// Body (optional): {"retentionDays": 30}
func (h *ConflictHandler) Cleanup(c *gin.Context) {
	var req struct {
		RetentionDays int `json:"retentionDays"`
	}
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	days := req.RetentionDays
	if days <= 0 {
		days = h.retentionDays
	}

	deleted, err := h.svc.CleanupResolvedConflicts(c.Request.Context(), days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted":       deleted,
		"retentionDays": days,
	})
}
