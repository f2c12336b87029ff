package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drover-sh/drover/pkg/droverr"
)

// respondError maps the error taxonomy onto HTTP status codes and writes
// the error envelope. Untyped errors are internal.
func respondError(c *gin.Context, err error) {
	code := droverr.CodeOf(err)

	var status int
	switch code {
	case droverr.CodeNotFound:
		status = http.StatusNotFound
	case droverr.CodeInvalidState, droverr.CodeDuplicate:
		status = http.StatusConflict
	case droverr.CodeDbBusy, droverr.CodeDbUnavailable, droverr.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	case droverr.CodeOracleUnavailable, droverr.CodeOracleInvalidResponse:
		status = http.StatusBadGateway
	default:
		slog.Error("Unexpected API error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}
