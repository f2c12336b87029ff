package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// statsHandler handles GET /api/v1/stats.
func (s *Server) statsHandler(c *gin.Context) {
	stats, err := s.sup.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// cleanupHandler handles POST /api/v1/cleanup. The body is optional.
func (s *Server) cleanupHandler(c *gin.Context) {
	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.sup.Cleanup(c.Request.Context(), req.DryRun)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
