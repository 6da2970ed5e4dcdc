// Package handler exposes the HTTP surface cmd/live serves alongside its
// pipeline: liveness/readiness for orchestration, and (wired separately
// in cmd/live) the Prometheus scrape endpoint. cmd/historical serves no
// HTTP surface.
package handler

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"csic-platform/service/blockchain/recording/internal/config"
)

// HealthHandler serves health checks for the running pipeline.
type HealthHandler struct {
	config *config.Config
	ready  atomic.Bool
}

// NewHealthHandler creates a new HealthHandler. The service reports not
// ready until SetReady(true) is called by the pipeline orchestrator once
// its stages are wired and running.
func NewHealthHandler(cfg *config.Config) *HealthHandler {
	return &HealthHandler{config: cfg}
}

// SetReady flips the readiness flag ReadinessCheck reports. LivenessCheck
// does not consult it.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// GetHealth returns overall system health.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.config.App.Name,
	})
}

// LivenessCheck reports whether the process is alive, unconditionally.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ReadinessCheck reports whether the pipeline has finished wiring its
// stages and is actively processing.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
