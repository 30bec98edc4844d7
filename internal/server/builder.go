// Package server exposes the pool and ledger over a small admin HTTP API.
package server

import (
	"net/http"

	"apipool-go/internal/caller"
	"apipool-go/internal/keysource"
	"apipool-go/internal/ledger"
	mw "apipool-go/internal/middleware"
	"apipool-go/internal/pool"

	"github.com/gin-gonic/gin"
)

// Dependencies encapsulates runtime services required by the admin engine.
type Dependencies struct {
	Pool   *pool.Pool
	Ledger *ledger.Ledger
	// Keys enables POST /keys/reload when set.
	Keys *keysource.Source
	// Caller enables POST /invoke/:op when set.
	Caller *caller.Caller
	// AdminKey and AdminKeyHash guard every route but /healthz and /metrics.
	AdminKey     string
	AdminKeyHash string
}

// BuildEngine constructs the admin gin engine.
func BuildEngine(deps Dependencies) *gin.Engine {
	if deps.Ledger == nil && deps.Pool != nil {
		deps.Ledger = deps.Pool.Ledger()
	}
	engine := gin.New()
	engine.Use(mw.RequestID(), mw.Recovery(), mw.RequestLogger(), mw.Metrics())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", mw.MetricsHandler)

	h := &handler{deps: deps}
	admin := engine.Group("", mw.AdminAuth(deps.AdminKey, deps.AdminKeyHash))
	keys := admin.Group("/keys")
	keys.GET("", h.listKeys)
	keys.POST("/check", h.checkKeys)
	keys.POST("/reload", h.reloadKeys)
	keys.POST("/:id/retire", h.retireKey)

	admin.POST("/invoke/:op", h.invoke)

	stats := admin.Group("/stats")
	stats.GET("", h.countEvents)
	stats.GET("/keys", h.countByKey)
	return engine
}

type handler struct {
	deps Dependencies
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": err.Error(), "code": code}})
}
