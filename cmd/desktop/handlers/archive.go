package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/pricewatch/backend/internal/archive"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

// PasswordHeader carries the password of an encrypted archive on import.
const PasswordHeader = "X-Archive-Password"

const maxArchiveBytes = 64 << 20

// ArchiveHandler exports and imports snapshots of the conflict store and
// exposes the scheduled backups.
type ArchiveHandler struct {
	store  store.Store
	backup *archive.Backup
}

// NewArchiveHandler creates a new ArchiveHandler.
func NewArchiveHandler(s store.Store, backup *archive.Backup) *ArchiveHandler {
	return &ArchiveHandler{store: s, backup: backup}
}

type exportRequest struct {
	Password string `json:"password"`
}

// Export handles POST /api/archive/export and answers with the archive as
// an attachment.
func (h *ArchiveHandler) Export(c *gin.Context) {
	var req exportRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	var buf bytes.Buffer
	manifest, err := archive.Export(c.Request.Context(), h.store, &buf, archive.ExportOptions{Password: req.Password})
	if err != nil {
		respondError(c, err)
		return
	}

	name := fmt.Sprintf("pricewatch-%s.pwa", manifest.ExportedAt.Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("X-Archive-Items", fmt.Sprint(manifest.ItemCount))
	c.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

// Import handles POST /api/archive/import. The body is the raw archive.
func (h *ArchiveHandler) Import(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxArchiveBytes)
	result, err := archive.Import(c.Request.Context(), h.store, body, c.GetHeader(PasswordHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type backupList struct {
	LastRun *time.Time `json:"lastRun,omitempty"`
	Backups []string   `json:"backups"`
}

// ListBackups handles GET /api/archive/backups. Only file names are returned.
func (h *ArchiveHandler) ListBackups(c *gin.Context) {
	paths, err := h.backup.List()
	if err != nil {
		respondError(c, err)
		return
	}

	out := backupList{Backups: make([]string, 0, len(paths))}
	for _, p := range paths {
		out.Backups = append(out.Backups, filepath.Base(p))
	}
	if last := h.backup.LastRun(); !last.IsZero() {
		out.LastRun = &last
	}
	c.JSON(http.StatusOK, out)
}

// RunBackup handles POST /api/archive/backups by writing a backup now.
func (h *ArchiveHandler) RunBackup(c *gin.Context) {
	path, err := h.backup.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"backup": filepath.Base(path)})
}
