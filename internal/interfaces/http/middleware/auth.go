package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/infrastructure/auth/token"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const (
	claimsKey    = "carecircle.claims"
	requestIDKey = "carecircle.request_id"

	// streamTokenParam carries the token on websocket upgrades, where browsers
	// cannot set an Authorization header.
	streamTokenParam = "access_token"
)

// TokenVerifier validates a raw bearer token. token.Manager satisfies it.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// Auth rejects requests without a valid bearer token and stores the verified
// claims on the gin context.
func Auth(verifier TokenVerifier, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c.Request)
		if raw == "" && isWebsocketUpgrade(c.Request) {
			raw = c.Query(streamTokenParam)
		}
		if raw == "" {
			abortUnauthorized(c, errors.Unauthorized("authentication required"))
			return
		}
		claims, err := verifier.Verify(raw)
		if err != nil {
			logger.Debug("token rejected",
				logging.String("path", c.Request.URL.Path),
				logging.String("request_id", RequestID(c)),
				logging.Err(err))
			abortUnauthorized(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Claims returns the verified caller, or nil on unauthenticated routes.
func Claims(c *gin.Context) *token.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.Claims)
	return claims
}

// UserID returns the authenticated user ID or "".
func UserID(c *gin.Context) string {
	if claims := Claims(c); claims != nil {
		return claims.UserID
	}
	return ""
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func abortUnauthorized(c *gin.Context, err error) {
	if !errors.IsCode(err, errors.ErrCodeUnauthorized) {
		err = errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid credentials")
	}
	c.Header("WWW-Authenticate", `Bearer realm="carecircle"`)
	AbortWithError(c, err)
}
