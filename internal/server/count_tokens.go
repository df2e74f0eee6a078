package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/token"
)

// handleCountTokens serves POST /v1/messages/count_tokens. The figure is
// computed locally; no backend is consulted.
func (s *Server) handleCountTokens(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "malformed JSON body"))
		return
	}
	if req.Model == "" {
		writeError(c, proxyerr.New(proxyerr.KindInvalidRequest, "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, proxyerr.New(proxyerr.KindInvalidRequest, "messages must not be empty"))
		return
	}

	count, err := token.EstimateRequestTokens(&req)
	if err != nil {
		writeError(c, proxyerr.Wrap(proxyerr.KindInvalidRequest, err, "estimating tokens"))
		return
	}
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{InputTokens: count})
}
