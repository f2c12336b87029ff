package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drover-sh/drover/pkg/schedule"
)

// createScheduleHandler handles POST /api/v1/schedules.
func (s *Server) createScheduleHandler(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := s.sup.CreateSchedule(c.Request.Context(), req.Schedule, req.Command,
		schedule.CreateOptions{Timezone: req.Timezone, Disabled: req.Disabled})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sched)
}

// listSchedulesHandler handles GET /api/v1/schedules.
func (s *Server) listSchedulesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.ListSchedules())
}

// getScheduleHandler handles GET /api/v1/schedules/:id.
func (s *Server) getScheduleHandler(c *gin.Context) {
	sched, err := s.sup.GetSchedule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sched)
}

// stopScheduleHandler handles POST /api/v1/schedules/:id/stop.
func (s *Server) stopScheduleHandler(c *gin.Context) {
	sched, err := s.sup.StopSchedule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sched)
}

// deleteScheduleHandler handles DELETE /api/v1/schedules/:id. Deleting
// an absent schedule succeeds.
func (s *Server) deleteScheduleHandler(c *gin.Context) {
	if err := s.sup.DeleteSchedule(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
