package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/auth"
	"github.com/crosstalk-dev/crosstalk/internal/config"
)

// errTypeAuth is the wire error type for rejected credentials.
const errTypeAuth = "AuthenticationError"

// APIKeyAuth guards the proxy surface with locally minted API keys. The key
// arrives in x-api-key or Authorization: Bearer, the headers Anthropic
// clients already send. The check re-reads the config per request so an
// enable flip or secret rotation takes effect without a restart.
func APIKeyAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authCfg := cfg.GetAuth()
		if !authCfg.Enabled {
			c.Next()
			return
		}

		key := clientKey(c)
		if key == "" {
			reject(c, "missing API key: pass x-api-key or Authorization: Bearer")
			return
		}

		manager := auth.NewManager(authCfg.Secret)
		if _, err := manager.ValidateAPIKey(key); err != nil {
			reject(c, "invalid API key")
			return
		}

		c.Next()
	}
}

// clientKey pulls the credential from the request, x-api-key first.
func clientKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	header := c.GetHeader("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func reject(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, anthropic.NewErrorResponse(errTypeAuth, message))
}
