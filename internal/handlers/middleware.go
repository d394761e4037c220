package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"wavehub/internal/auth"
	"wavehub/pkg/api/common"
	"wavehub/pkg/logging"
)

// appMiddleware resolves the application from the route and verifies the
// request signature. Unknown apps are 404 before any signature handling so
// probing cannot distinguish a bad signature from a bad app id.
func (h *Handler) appMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		app, ok := h.broker.Apps.ByID(c.Param("appId"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, common.ErrorResponse{Message: "App not found"})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					common.ErrorResponse{Message: "Failed to read request body"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		if !auth.VerifyRequest(app, c.Request.Method, c.Request.URL.Path, c.Request.URL.Query(), body) {
			h.logger.WithFields(logging.Fields{
				"app_id": app.ID,
				"path":   c.Request.URL.Path,
			}).Warn("Admin API signature verification failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, common.ErrorResponse{Message: "Invalid signature"})
			return
		}

		c.Set("app", app)
		c.Set("app_id", app.ID)
		c.Next()
	}
}
