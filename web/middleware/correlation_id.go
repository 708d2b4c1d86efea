package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/infigaming-com/go-mqclient/util"
)

const CorrelationIDHeader string = "X-CORRELATION-ID"

// CorrelationIDMiddleware reuses the caller's correlation id when one is sent.
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Header(CorrelationIDHeader, correlationID)
		ctx := util.CorrelationIDToCtx(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
