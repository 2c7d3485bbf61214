package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/domain/license"
	"github.com/almudeer/engine/internal/infra/logger"
)

const licenseContextKey = "license_result"

// licenseAuth resolves the X-License-Key header against v, rejecting with
// 401 on any failure reason (unknown/disabled/expired/quota-exhausted —
// license.Validator already collapses these to one sentinel, mirroring
// dependencies.py's get_license_from_header, which never distinguishes
// them to the caller either). On success it spends one request against
// the daily quota and stores the resolved license.Result for handlers.
func licenseAuth(v *license.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-License-Key")
		result, err := v.Validate(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{"error": "invalid or expired license key"})
			return
		}
		if err := v.IncrementUsage(c.Request.Context(), result.LicenseID); err != nil {
			logger.Warn("http: increment license usage failed", zap.Int64("license_id", result.LicenseID), zap.Error(err))
		}
		c.Set(licenseContextKey, result)
		c.Next()
	}
}

// licenseID reads the license.Result licenseAuth attached to c.
func licenseID(c *gin.Context) int64 {
	v, _ := c.Get(licenseContextKey)
	result, _ := v.(license.Result)
	return result.LicenseID
}

// adminAuth checks the X-Admin-Key header against a single shared secret,
// the same ADMIN_KEY the distilled environment table names, and rejects
// every request when that secret is empty. No route is registered behind
// it.
func adminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" || c.GetHeader("X-Admin-Key") != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{"error": "admin key required"})
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request at Info, matching the
// teacher's loggingMiddleware (internal/web/middleware.go) but through
// zap's structured fields instead of fmt.Sprintf text.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
