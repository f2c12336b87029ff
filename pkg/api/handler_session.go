package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drover-sh/drover/pkg/models"
)

// defaultTailLines is used when GET .../tail has no lines parameter.
const defaultTailLines = 50

// maxTailLines bounds one tail request.
const maxTailLines = 1000

// submitSessionHandler handles POST /api/v1/sessions.
func (s *Server) submitSessionHandler(c *gin.Context) {
	var req SubmitSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.sup.Submit(c.Request.Context(), req.Task, models.SubmitOptions{
		Iterations: req.Iterations,
		Model:      req.Model,
		WorkingDir: req.WorkingDir,
		Metadata:   req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	var filters models.SessionFilters

	if v := c.Query("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := models.SessionStatus(raw)
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + raw})
				return
			}
			filters.Statuses = append(filters.Statuses, status)
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filters.Limit = n
	}

	sessions, err := s.sup.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	view, err := s.sup.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// stopSessionHandler handles POST /api/v1/sessions/:id/stop. Stops are
// asynchronous for supervised sessions: the response carries the status
// at the time of the request.
func (s *Server) stopSessionHandler(c *gin.Context) {
	session, err := s.sup.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &StopResponse{
		SessionID: session.ID,
		Status:    session.Status,
		Message:   "session stop requested",
	})
}

// resumeSessionHandler handles POST /api/v1/sessions/:id/resume. The
// returned session may carry a new id when a stopped or failed session
// is continued as a follow-up.
func (s *Server) resumeSessionHandler(c *gin.Context) {
	session, err := s.sup.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// tailSessionHandler handles GET /api/v1/sessions/:id/tail.
func (s *Server) tailSessionHandler(c *gin.Context) {
	lines := defaultTailLines
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTailLines {
			c.JSON(http.StatusBadRequest,
				gin.H{"error": "lines must be between 1 and " + strconv.Itoa(maxTailLines)})
			return
		}
		lines = n
	}

	id := c.Param("id")
	tail, err := s.sup.Tail(c.Request.Context(), id, lines)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &TailResponse{SessionID: id, Lines: tail})
}
