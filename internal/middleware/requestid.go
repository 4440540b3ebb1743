package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/auditcore/auditcore/internal/correlation"
)

const (
	// RequestIDHeader is the canonical HTTP header used to propagate the request identifier.
	RequestIDHeader = correlation.Header

	// RequestIDKey is the gin.Context key under which the request ID string is stored so
	// that handlers and other middleware can retrieve it without reading the response header.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware returns a Gin handler that ensures every request carries a unique
// identifier propagated as an X-Request-ID HTTP header, for routers that do not use
// RequestLogger.
//
// Behaviour:
//   - If the inbound request already carries a usable X-Request-ID header, its value is
//     reused (capped in length).
//   - Otherwise a new UUID v4 is generated for the request.
//
// The identifier is installed as the request's correlation scope, stored in gin.Context
// under RequestIDKey and echoed back in the response X-Request-ID header.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := correlation.ExtractOrGenerate(c.Request.Header)

		cc, ok := correlation.From(c.Request.Context())
		if !ok || cc.RequestID == "" {
			cc = correlation.Context{RequestID: id, ClientIP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
			c.Request = c.Request.WithContext(correlation.With(c.Request.Context(), cc))
		}

		c.Set(RequestIDKey, cc.RequestID)
		c.Header(RequestIDHeader, cc.RequestID)

		c.Next()
	}
}
