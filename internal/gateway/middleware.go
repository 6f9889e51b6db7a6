package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/communityforge/inference-gateway/internal/auth"
)

// Token scopes accepted by the gateway.
const (
	ScopeInference = "inference"
	ScopeReport    = "usage:report"
)

const identityKey = "identity"

// AuthMiddleware verifies the bearer token and injects the caller
// identity. requiredScope rejects tokens issued for another surface.
func AuthMiddleware(service *auth.Service, requiredScope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": RejectUnauthenticated, "detail": "missing bearer token"})
			return
		}

		claims, errVerify := service.Verify(token)
		if errVerify != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": RejectUnauthenticated, "detail": "invalid token"})
			return
		}
		if claims.Scope != requiredScope {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": RejectUnauthenticated, "detail": "scope not permitted"})
			return
		}
		if strings.TrimSpace(claims.CommunityID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"kind": RejectUnauthenticated, "detail": "token missing community"})
			return
		}

		traceID := strings.TrimSpace(c.GetHeader("X-Trace-Id"))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(identityKey, Identity{
			UserID:      claims.Subject,
			CommunityID: claims.CommunityID,
			ChannelID:   claims.ChannelID,
			Tier:        claims.Tier,
			TraceID:     traceID,
		})
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// identityFrom pulls the authenticated identity set by the middleware.
func identityFrom(c *gin.Context) (Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := value.(Identity)
	return id, ok
}
