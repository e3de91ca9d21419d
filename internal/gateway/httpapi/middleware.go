package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const sessionIDKey = "labSessionId"

// requireSession rejects scoped requests without the session header.
func (a *API) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(SessionHeader)
		if id == "" {
			errorJSON(c, http.StatusBadRequest, "missing "+SessionHeader+" header")
			c.Abort()
			return
		}
		c.Set(sessionIDKey, id)
		c.Next()
	}
}

// CORS allows browser clients on other origins; the session header must be
// listed explicitly or preflights fail.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept, "+SessionHeader+", X-Request-Id, Last-Event-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
