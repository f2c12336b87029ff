// Package api exposes the supervisor's operations over HTTP. It is a
// thin translation layer: parse and validate the request, call the
// supervisor, map the error taxonomy onto status codes.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/drover-sh/drover/pkg/supervisor"
)

// Server holds the handler dependencies.
type Server struct {
	sup *supervisor.Supervisor
}

// NewServer creates an API server around a supervisor.
func NewServer(sup *supervisor.Supervisor) *Server {
	return &Server{sup: sup}
}

// Router builds the route table. The caller owns the http.Server that
// serves it.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.submitSessionHandler)
		v1.GET("/sessions", s.listSessionsHandler)
		v1.GET("/sessions/:id", s.getSessionHandler)
		v1.POST("/sessions/:id/stop", s.stopSessionHandler)
		v1.POST("/sessions/:id/resume", s.resumeSessionHandler)
		v1.GET("/sessions/:id/tail", s.tailSessionHandler)

		v1.GET("/stats", s.statsHandler)
		v1.POST("/cleanup", s.cleanupHandler)

		v1.POST("/schedules", s.createScheduleHandler)
		v1.GET("/schedules", s.listSchedulesHandler)
		v1.GET("/schedules/:id", s.getScheduleHandler)
		v1.POST("/schedules/:id/stop", s.stopScheduleHandler)
		v1.DELETE("/schedules/:id", s.deleteScheduleHandler)
	}

	return r
}
