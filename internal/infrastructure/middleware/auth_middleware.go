package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// PeerClaims is the subset of the platform token the signaling edge needs:
// the already-authenticated peer identifier.
type PeerClaims struct {
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// ContextKeyPeerID is where the authenticated peer id lands in the gin context.
const ContextKeyPeerID = "peer_id"

// PeerAuthMiddleware validates the platform-issued JWT and exposes the peer
// id to the handler. WebSocket clients cannot set headers on the upgrade
// request from a browser, so a "token" query parameter is accepted as well.
func PeerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication token required"})
			return
		}

		claims := &PeerClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		peerID := claims.PeerID
		if peerID == "" {
			peerID = claims.Subject
		}
		if peerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token carries no peer id"})
			return
		}

		c.Set(ContextKeyPeerID, peerID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
