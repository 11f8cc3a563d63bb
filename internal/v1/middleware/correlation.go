// Package middleware contains Gin middleware for the HTTP surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/huddlekit/signaling/internal/v1/logging"
)

// HeaderXCorrelationID is the header carrying the request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID propagates the caller's correlation id, minting one when
// the header is absent. The id is echoed on the response and stashed in
// the Gin context for the logger.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
