package main

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/kimhsiao/pricewatch/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/pricewatch/backend/internal/app"
	"github.com/kimhsiao/pricewatch/backend/internal/archive"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/scheduler"
)

func setupRoutes(a *app.App, sched *scheduler.Scheduler, backup *archive.Backup, hub *Hub) http.Handler {
	r := gin.New()

	httpLogger := logging.Get().Slog().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: isLoopbackOrigin,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:    []string{"Content-Type", handlers.PasswordHeader},
	}))

	conflictH := handlers.NewConflictHandler(a.Conflicts, a.Config.RetentionDays)
	syncH := handlers.NewSyncHandler(sched, a.Queue, a.Reconciler != nil)
	archiveH := handlers.NewArchiveHandler(a.Store, backup)

	r.GET("/api/health", healthHandler)
	r.GET("/ws", hub.ServeWS)

	api := r.Group("/api")
	{
		// conflicts
		api.GET("/conflicts/pending", conflictH.ListPending)
		api.GET("/conflicts/history", conflictH.History)
		api.GET("/conflicts/stats", conflictH.Stats)
		api.GET("/conflicts/:id", conflictH.Get)
		api.POST("/conflicts/detect", conflictH.Detect)
		api.POST("/conflicts/resolve-auto", conflictH.ResolveAuto)
		api.POST("/conflicts/cleanup", conflictH.Cleanup)
		api.POST("/conflicts/:id/resolve", conflictH.Resolve)
		api.POST("/conflicts/:id/apply", conflictH.Apply)
		api.GET("/strategies", conflictH.Strategies)

		// offline queue and scheduler
		api.GET("/sync/status", syncH.GetStatus)
		api.POST("/sync/now", syncH.SyncNow)
		api.POST("/sync/online", syncH.SetOnline)
		api.GET("/sync/queue", syncH.ListQueue)
		api.POST("/sync/queue", syncH.Enqueue)
		api.POST("/sync/queue/retry", syncH.RetryFailed)
		api.DELETE("/sync/queue/:id", syncH.RemoveItem)

		// snapshots
		api.POST("/archive/export", archiveH.Export)
		api.POST("/archive/import", archiveH.Import)
		api.GET("/archive/backups", archiveH.ListBackups)
		api.POST("/archive/backups", archiveH.RunBackup)
	}

	return r
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pricewatch-desktop",
		"version": Version,
	})
}
