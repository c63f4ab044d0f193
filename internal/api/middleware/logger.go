package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/not-nullexception/image-reducer/internal/logger"
)

// ContextualLogger injects a request logger into the request context. The
// component is derived from the matched route; trace and span ids are added
// when the tracing middleware ran first.
func ContextualLogger(defaultComponent string) gin.HandlerFunc {
	return func(c *gin.Context) {
		component := defaultComponent
		if routePath := c.FullPath(); routePath != "" {
			// "/api/sessions/:id/compress" -> "api-sessions-id-compress"
			component = strings.Trim(strings.NewReplacer("/", "-", ":", "").Replace(routePath), "-")
			if component == "" {
				component = "root"
			}
		}

		requestLogger := logger.GetLoggerWithContext(c.Request.Context(), component)
		ctx := logger.ToContext(c.Request.Context(), requestLogger)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
