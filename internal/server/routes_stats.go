package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apipool-go/internal/ledger"

	"github.com/gin-gonic/gin"
)

const defaultWindow = time.Hour

// parseWindow accepts Go durations ("90m", "3600s") or bare seconds.
func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultWindow, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("window must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("window must not be negative")
	}
	return d, nil
}

func (h *handler) countEvents(c *gin.Context) {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_window", err)
		return
	}
	filter := ledger.Filter{Key: c.Query("key")}
	if raw := c.Query("status"); raw != "" {
		status, err := ledger.ParseStatus(strings.ToLower(raw))
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_status", err)
			return
		}
		filter.Status = status
	}

	n, err := h.deps.Ledger.CountInWindow(c.Request.Context(), window, filter)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "ledger_error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n, "window_seconds": int64(window.Seconds())})
}

func (h *handler) countByKey(c *gin.Context) {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_window", err)
		return
	}
	counts, err := h.deps.Ledger.CountByKeyInWindow(c.Request.Context(), window)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "ledger_error", err)
		return
	}
	if counts == nil {
		counts = []ledger.KeyCount{}
	}
	c.JSON(http.StatusOK, counts)
}
