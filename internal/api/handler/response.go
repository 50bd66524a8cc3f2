package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/service"
)

// gatewayError writes the unified proxy error envelope. Whatever err is,
// the client sees a stable code and a message with no upstream names in
// it; the full cause goes to the process log, not the response.
func gatewayError(c *gin.Context, logger *zap.Logger, err error) *service.GatewayError {
	ge := service.AsGatewayError(err)
	if ge.Err != nil {
		logger.Error("request failed",
			zap.String("code", ge.Code),
			zap.Int("status", ge.Status),
			zap.Error(ge.Err))
	}
	c.JSON(ge.Status, gin.H{"code": ge.Code, "message": ge.Message})
	return ge
}

// errorResponse sends a JSON error response with {detail: message} format
// used by the admin endpoints.
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"detail": message})
}
