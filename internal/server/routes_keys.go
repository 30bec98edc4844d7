package server

import (
	"errors"
	"net/http"

	"apipool-go/internal/pool"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type keysResponse struct {
	Active   []string          `json:"active"`
	Archived []pool.Retirement `json:"archived"`
}

type checkResponse struct {
	pool.Report
	Summary []string `json:"summary"`
	Errors  string   `json:"errors,omitempty"`
}

type retireRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) listKeys(c *gin.Context) {
	c.JSON(http.StatusOK, keysResponse{
		Active:   h.deps.Pool.Active(),
		Archived: h.deps.Pool.Archived(),
	})
}

func (h *handler) checkKeys(c *gin.Context) {
	report, err := h.deps.Pool.CheckUsable(c.Request.Context())
	resp := checkResponse{Report: report, Summary: report.Lines()}
	if err != nil {
		// the sweep completed; only ledger writes failed
		resp.Errors = err.Error()
		log.WithError(err).Warn("liveness check recorded with ledger errors")
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) retireKey(c *gin.Context) {
	id := c.Param("id")
	c.Set("api_key_id", id)

	var req retireRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	var cause error
	if req.Reason != "" {
		cause = errors.New(req.Reason)
	}

	member, err := h.deps.Pool.Retire(id, pool.ReasonManual, cause)
	if errors.Is(err, pool.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "retire_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": member.ID(), "reason": pool.ReasonManual})
}

func (h *handler) reloadKeys(c *gin.Context) {
	if h.deps.Keys == nil {
		abortWithError(c, http.StatusNotFound, "no_key_source", errors.New("no key file configured"))
		return
	}
	res, err := h.deps.Keys.Load(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "reload_failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
