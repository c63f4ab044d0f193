package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/logger"
)

type ArtifactHandler struct {
	store artifact.Store
}

func NewArtifactHandler(store artifact.Store) *ArtifactHandler {
	return &ArtifactHandler{store: store}
}

// GetArtifact serves the bytes behind a live reference for inline display
func (h *ArtifactHandler) GetArtifact(c *gin.Context) {
	reqLogger := logger.FromContext(c.Request.Context())
	id := c.Param("id")

	ref, err := h.store.Stat(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not found"})
			return
		}
		reqLogger.Error().Err(err).Str("artifact_id", id).Msg("Failed to stat artifact")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read artifact"})
		return
	}

	reader, err := h.store.Open(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not found"})
			return
		}
		reqLogger.Error().Err(err).Str("artifact_id", id).Msg("Failed to open artifact")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read artifact"})
		return
	}
	defer reader.Close()

	c.DataFromReader(http.StatusOK, ref.Size, ref.ContentType, reader, map[string]string{
		"Cache-Control": "no-store",
	})
}
