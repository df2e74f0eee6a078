package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}
