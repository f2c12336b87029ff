package api

import "github.com/drover-sh/drover/pkg/models"

// StopResponse is returned by POST /api/v1/sessions/:id/stop.
type StopResponse struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Message   string               `json:"message"`
}

// TailResponse is returned by GET /api/v1/sessions/:id/tail.
type TailResponse struct {
	SessionID string   `json:"session_id"`
	Lines     []string `json:"lines"`
}
