package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfitz/huc/internal/slogging"
)

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ErrorResponse is the JSON body for HTTP-level failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Router builds the broker's HTTP surface.
func Router(hub *Hub, jwtSecret []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/:session_id", func(c *gin.Context) {
		HandleWS(hub, jwtSecret, c)
	})
	return r
}

// extractToken pulls the bearer token from the Authorization header, falling
// back to the token query parameter for browser websocket clients that
// cannot set headers.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// HandleWS authenticates and upgrades a websocket connection, then wires the
// client into its session.
func HandleWS(hub *Hub, jwtSecret []byte, c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Session id is required"})
		return
	}

	tokenStr := extractToken(c)
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "Missing bearer token"})
		return
	}
	identity, err := VerifyToken(tokenStr, jwtSecret)
	if err != nil {
		slogging.Get().Warn("authentication failed for session %s: %v", sessionID, err)
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "Invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Error("failed to upgrade connection: %v", err)
		return
	}

	session := hub.GetOrCreateSession(sessionID)
	client := NewClient(session, conn, identity.ParticipantID, identity.DisplayName, identity.Role)

	select {
	case session.register <- client:
	case <-session.closed:
		_ = conn.Close()
		return
	}

	go client.ReadPump()
	go client.WritePump()
}
