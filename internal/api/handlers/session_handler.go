package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/session"
	"github.com/not-nullexception/image-reducer/internal/worker"
)

type SessionHandler struct {
	manager        *session.Manager
	pool           *worker.Pool
	maxUploadBytes int64
}

func NewSessionHandler(manager *session.Manager, pool *worker.Pool, maxUploadBytes int64) *SessionHandler {
	return &SessionHandler{
		manager:        manager,
		pool:           pool,
		maxUploadBytes: maxUploadBytes,
	}
}

type formatRequest struct {
	Format string `json:"format" binding:"required"`
}

// CreateSession opens a new idle session
func (h *SessionHandler) CreateSession(c *gin.Context) {
	s := h.manager.Create(c.Request.Context())
	c.JSON(http.StatusCreated, s.View())
}

// GetSession returns the current view of a session
func (h *SessionHandler) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.View())
}

// DeleteSession ends a session and releases its references
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	reqLogger := logger.FromContext(c.Request.Context())

	err := h.manager.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		reqLogger.Warn().Err(err).Str("session_id", c.Param("id")).Msg("Failed to delete session")
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// SelectImage handles the image upload of a session
func (h *SessionHandler) SelectImage(c *gin.Context) {
	reqLogger := logger.FromContext(c.Request.Context())

	s, ok := h.lookup(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1024*1024)

	// Get file from request
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		reqLogger.Warn().Err(err).Msg("Failed to get image from request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to get image from request"})
		return
	}
	defer file.Close()

	// Check file size
	if header.Size > h.maxUploadBytes {
		reqLogger.Error().Str("filename", header.Filename).Int64("size", header.Size).Msg("File too large")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File too large, max %dMB", h.maxUploadBytes/(1024*1024))})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		reqLogger.Error().Err(err).Str("filename", header.Filename).Msg("Failed to read uploaded file")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}

	view, err := s.Select(c.Request.Context(), header.Filename, data)
	if err != nil {
		h.fail(c, err, "Failed to store image")
		return
	}

	c.JSON(http.StatusOK, view)
}

// UpdateParams edits the compression parameters. Omitted fields are kept.
func (h *SessionHandler) UpdateParams(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	var patch session.ParamsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	view, err := s.EditParams(patch)
	if err != nil {
		h.fail(c, err, "Failed to update parameters")
		return
	}

	c.JSON(http.StatusOK, view)
}

// SelectFormat changes the download format
func (h *SessionHandler) SelectFormat(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	var req formatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	view, err := s.SelectFormat(req.Format)
	if err != nil {
		h.fail(c, err, "Failed to select format")
		return
	}

	c.JSON(http.StatusOK, view)
}

// Compress starts a compression on the worker pool and answers 202 with the
// compressing view. With ?wait=true it answers once the compression is done.
func (h *SessionHandler) Compress(c *gin.Context) {
	reqLogger := logger.FromContext(c.Request.Context())

	s, ok := h.lookup(c)
	if !ok {
		return
	}

	// A client going away does not cancel the compression
	ctx := context.WithoutCancel(c.Request.Context())

	if c.Query("wait") == "true" {
		view, err := s.Compress(ctx)
		if err != nil {
			h.fail(c, err, "Failed to compress image")
			return
		}
		c.JSON(http.StatusOK, view)
		return
	}

	view, err := s.StartCompress(ctx, h.pool.Go)
	if err != nil {
		h.fail(c, err, "Failed to compress image")
		return
	}

	status := http.StatusOK
	if view.Phase == session.PhaseCompressing {
		status = http.StatusAccepted
		reqLogger.Info().Str("session_id", view.ID).Msg("Compression started")
	}
	c.JSON(status, view)
}

// OpenModal shows the download dialog again
func (h *SessionHandler) OpenModal(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.OpenModal())
}

// CloseModal dismisses the download dialog
func (h *SessionHandler) CloseModal(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.CloseModal())
}

// Download streams the compressed image as an attachment. Without an
// artifact it answers 204.
func (h *SessionHandler) Download(c *gin.Context) {
	reqLogger := logger.FromContext(c.Request.Context())

	s, ok := h.lookup(c)
	if !ok {
		return
	}

	dl, _, err := s.Download(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to download image")
		return
	}
	if dl == nil {
		c.Status(http.StatusNoContent)
		return
	}
	defer dl.Body.Close()

	reqLogger.Debug().Str("filename", dl.Filename).Int64("size", dl.Size).Msg("Streaming download")

	c.DataFromReader(http.StatusOK, dl.Size, dl.ContentType, dl.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, dl.Filename),
	})
}

func (h *SessionHandler) lookup(c *gin.Context) (*session.Session, bool) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn().Err(err).Str("session_id", c.Param("id")).Msg("Session lookup failed")
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) fail(c *gin.Context, err error, msg string) {
	reqLogger := logger.FromContext(c.Request.Context())

	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  verr.Error(),
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.Is(err, session.ErrSessionClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	default:
		reqLogger.Error().Err(err).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
