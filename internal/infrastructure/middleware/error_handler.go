package middleware

import (
	"net/http"

	"meshroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindMisuse, errors.KindProtocol:
		return http.StatusBadRequest
	case errors.KindNegotiation:
		return http.StatusConflict
	case errors.KindTransient, errors.KindDevice:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorHandler converts errors attached to the gin context into JSON
// responses keyed by the failure kind.
func ErrorHandler(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		kind := errors.KindOf(err)

		logger.Errorw("request failed",
			"kind", kind,
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(statusFor(kind), gin.H{
			"error":   string(kind),
			"message": err.Error(),
		})
	}
}

// Recovery turns panics into 500 responses instead of dropped
// connections.
func Recovery(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"error", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.KindInternal),
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
