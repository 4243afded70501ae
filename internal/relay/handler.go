package relay

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator validates the bearer credential supplied at handshake time
// and returns the authenticated user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the gin handler that upgrades an authenticated request to a
// relay connection. The credential is passed at connection-establishment time
// (query parameter or Authorization header), never per message; requests
// without a valid credential are rejected before the upgrade.
func Handler(relay *Relay, validator TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			header := c.GetHeader("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		userID, err := validator.ValidateToken(token)
		if err != nil {
			logger.Warn("relay handshake rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("relay upgrade failed", zap.Error(err))
			return
		}

		relay.HandleConn(conn, userID)
	}
}
