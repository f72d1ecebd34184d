package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/queue"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/scheduler"
)

// SyncHandler exposes the offline mutation queue and the background scheduler.
type SyncHandler struct {
	sched  *scheduler.Scheduler
	queue  *queue.SyncQueue
	remote bool
}

// NewSyncHandler creates a SyncHandler. remote reports whether a remote
// replica is configured, i.e. whether queued mutations can be delivered.
func NewSyncHandler(sched *scheduler.Scheduler, q *queue.SyncQueue, remote bool) *SyncHandler {
	return &SyncHandler{sched: sched, queue: q, remote: remote}
}

// =====================================================
// Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"configured": h.remote,
		"scheduler":  h.sched.GetStatus(),
	})
}

// SyncNow handles POST /api/sync/now
func (h *SyncHandler) SyncNow(c *gin.Context) {
	result, err := h.sched.SyncNow(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SetOnline handles POST /api/sync/online
// Body: {"online": false}
func (h *SyncHandler) SetOnline(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	h.sched.SetOnlineStatus(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.sched.IsOnline()})
}

// =====================================================
// Queue Endpoints
// =====================================================

// ListQueue handles GET /api/sync/queue
func (h *SyncHandler) ListQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"items": h.queue.List(),
		"stats": h.queue.GetStats(),
	})
}

// Enqueue handles POST /api/sync/queue
// Body: {"collection": "prices", "action": "update", "record": {...}}
func (h *SyncHandler) Enqueue(c *gin.Context) {
	var req struct {
		Collection string        `json:"collection" binding:"required"`
		Action     models.Action `json:"action"`
		Record     models.Record `json:"record"`
	}
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.queue.Enqueue(c.Request.Context(), req.Collection, req.Action, req.Record)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, item)
}

// RetryFailed handles POST /api/sync/queue/retry
func (h *SyncHandler) RetryFailed(c *gin.Context) {
	n, err := h.queue.RetryAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// RemoveItem handles DELETE /api/sync/queue/:id
func (h *SyncHandler) RemoveItem(c *gin.Context) {
	if err := h.queue.Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
