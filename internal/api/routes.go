package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ludia8888/warden/internal/gate"
	"github.com/ludia8888/warden/internal/locks"
)

func registerRoutes(router *gin.Engine, manager *locks.Manager, gateCfg gate.Config, adminToken string, logger *slog.Logger) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{manager: manager}

	v1 := router.Group("/v1")
	{
		// Schema mutations pass through the freeze gate before any handler.
		schemas := v1.Group("/schemas/:branch")
		schemas.Use(gate.Middleware(manager, gateCfg, logger))
		{
			schemas.GET("/*rest", h.readSchema)
			schemas.POST("/*rest", h.writeSchema)
			schemas.PUT("/*rest", h.writeSchema)
			schemas.PATCH("/*rest", h.writeSchema)
			schemas.DELETE("/*rest", h.writeSchema)
		}

		v1.GET("/branches/:branch/state", h.branchState)

		admin := v1.Group("/admin", AdminAuth(adminToken))
		{
			admin.POST("/locks", h.createLock)
			admin.GET("/locks", h.listLocks)
			admin.GET("/locks/:id", h.getLock)
			admin.DELETE("/locks/:id", h.deactivateLock)
			admin.PATCH("/locks/:id/progress", h.updateProgress)
		}
	}
}
