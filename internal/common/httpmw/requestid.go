package httpmw

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentlab/agentlab/internal/common/logger"
)

const requestIDHeader = "X-Request-Id"

// RequestID assigns a request ID to every request, echoing the client's
// X-Request-Id header when present. The ID is stored on the request context
// under logger.RequestIDKey and returned in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(requestIDHeader, id)

		c.Next()
	}
}
