package server

import (
	"errors"
	"net/http"

	"apipool-go/internal/apikey"
	"apipool-go/internal/pool"

	"github.com/gin-gonic/gin"
)

type invokeRequest struct {
	Args []any `json:"args"`
}

// invoke runs one intercepted call through a randomly selected key.
func (h *handler) invoke(c *gin.Context) {
	if h.deps.Caller == nil {
		abortWithError(c, http.StatusNotFound, "no_caller", errors.New("call interception is not configured"))
		return
	}
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	result, err := h.deps.Caller.Invoke(c.Request.Context(), c.Param("op"), req.Args...)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": result})
	case errors.Is(err, pool.ErrPoolExhausted):
		abortWithError(c, http.StatusServiceUnavailable, "pool_exhausted", err)
	case errors.Is(err, apikey.ErrUnknownOperation):
		abortWithError(c, http.StatusNotFound, "unknown_operation", err)
	default:
		abortWithError(c, http.StatusBadGateway, "call_failed", err)
	}
}
