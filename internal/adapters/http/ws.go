package http

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/infra/logger"
)

// websocketUpgrade accepts a per-license push connection, following the
// same websocket.Accept/Register/Unregister shape zkoranges-go-claw's
// gateway uses for its own agent-event socket. The license key travels
// as a query parameter (?license_key=...) rather than a header, since
// browser WebSocket clients cannot set custom headers on the handshake.
func (s *Server) websocketUpgrade(c *gin.Context) {
	key := c.Query("license_key")
	result, err := s.license.Validate(c.Request.Context(), key)
	if err != nil {
		c.String(http.StatusUnauthorized, "invalid or expired license key")
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("http: websocket accept failed", zap.Error(err))
		return
	}

	s.wsRegistry.Register(result.LicenseID, conn)
	defer func() {
		s.wsRegistry.Unregister(result.LicenseID, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// This connection only ever receives pushed events; the one Read
	// call is solely to detect the client going away (close frame or
	// dropped socket), matching a server that has nothing to act on
	// inbound frames for.
	for {
		if _, _, err := conn.Read(c.Request.Context()); err != nil {
			return
		}
	}
}
