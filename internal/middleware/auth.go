// auth.go guards the audit query API with API keys or JWTs. It does not
// authenticate business traffic. Middleware ordering on the query routes:
//
//	RequestLogger → RateLimit → Auth → RequireScope → Handler
//
// Invalid credentials produce one authentication/login_failure event and
// missing scopes one authorization/access_denied event.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/auth"
	"github.com/auditcore/auditcore/internal/correlation"
)

// gin.Context keys set by AuthMiddleware.
const (
	AuthSubjectKey = "auth_subject"
	AuthNameKey    = "auth_name"
	AuthMethodKey  = "auth_method"
	ScopesKey      = "scopes"
)

// APIKeyHeader is accepted as an alternative to a bearer API key.
const APIKeyHeader = "X-API-Key"

// ActorFromContext returns the audit actor authenticated for this request.
func ActorFromContext(c *gin.Context) (audit.Actor, bool) {
	subject := c.GetString(AuthSubjectKey)
	if subject == "" {
		return audit.Actor{}, false
	}
	if c.GetString(AuthMethodKey) == "api_key" {
		return audit.ServiceActor(subject), true
	}
	return audit.UserActor(subject, c.GetString(AuthNameKey)), true
}

// credential returns the presented secret, or "" when none was sent.
func credential(c *gin.Context) (string, bool) {
	if key := strings.TrimSpace(c.GetHeader(APIKeyHeader)); key != "" {
		return key, true
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	token, err := auth.ExtractAPIKeyFromHeader(header)
	if err != nil {
		return "", true
	}
	return token, true
}

// looksLikeJWT reports whether token has the three dot-separated JWS segments.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// AuthMiddleware validates authentication (JWT or API key). Either verifier may
// be nil to disable that method.
func AuthMiddleware(keys *auth.KeyRing, jwtm *auth.JWTManager, auditLogger *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, present := credential(c)
		if !present {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		reject := func(reason, method string) {
			b := audit.NewEvent(audit.EventAuthentication).
				Resource(audit.ResourceCredential, "").
				Action(audit.ActionLoginFailure).
				Outcome(audit.OutcomeFailure).
				Detail("reason", reason)
			if method != "" {
				b.Detail("auth_method", method)
			}
			auditLogger.Log(c.Request.Context(), b)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
		}

		if token == "" {
			reject("malformed authorization header", "")
			return
		}

		// JWT is stateless, so it is tried before the bcrypt comparison of API keys.
		if jwtm != nil && looksLikeJWT(token) {
			claims, err := jwtm.ValidateJWT(token)
			if err != nil {
				reject("invalid token", "jwt")
				return
			}
			authenticated(c, claims.Subject, claims.Name, "jwt", claims.Scopes)
			return
		}

		if apiKey, ok := keys.Authenticate(token); ok {
			authenticated(c, apiKey.Name, apiKey.Name, "api_key", apiKey.Scopes)
			return
		}
		reject("unknown api key", "api_key")
	}
}

func authenticated(c *gin.Context, subject, name, method string, scopes []string) {
	c.Set(AuthSubjectKey, subject)
	c.Set(AuthNameKey, name)
	c.Set(AuthMethodKey, method)
	c.Set(ScopesKey, scopes)
	c.Request = c.Request.WithContext(correlation.WithActor(c.Request.Context(), subject))
	c.Next()
}

// RequireScope aborts with 403 unless the authenticated caller holds scope.
func RequireScope(scope auth.Scope, auditLogger *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes := c.GetStringSlice(ScopesKey)
		if auth.HasScope(scopes, scope) {
			c.Next()
			return
		}

		b := audit.NewEvent(audit.EventAuthorization).
			Resource(audit.ResourceEndpoint, routeOf(c)).
			Action(audit.ActionAccessDenied).
			Outcome(audit.OutcomeDenied).
			Detail("required_scope", string(scope))
		if actor, ok := ActorFromContext(c); ok {
			b.Actor(actor)
		}
		auditLogger.Log(c.Request.Context(), b)

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":          "Insufficient permissions",
			"required_scope": string(scope),
		})
	}
}
