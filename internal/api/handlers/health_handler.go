package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/session"
)

type HealthHandler struct {
	store   artifact.Store
	manager *session.Manager
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Storage   string    `json:"storage"`
	Sessions  int       `json:"sessions"`
}

func NewHealthHandler(store artifact.Store, manager *session.Manager) *HealthHandler {
	return &HealthHandler{
		store:   store,
		manager: manager,
	}
}

// Check handles health check requests
func (h *HealthHandler) Check(c *gin.Context) {
	reqLogger := logger.FromContext(c.Request.Context())

	response := HealthResponse{
		Status:    "UP",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Storage:   "UP",
		Sessions:  h.manager.Len(),
	}

	if err := h.store.Ping(c.Request.Context()); err != nil {
		reqLogger.Error().Err(err).Msg("Storage health check failed")
		response.Status = "DEGRADED"
		response.Storage = "DOWN"
	}

	c.JSON(http.StatusOK, response)
}
