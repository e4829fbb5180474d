package ws

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/realtime"
	"github.com/vedran77/skillswap/internal/service"
	"github.com/vedran77/skillswap/internal/session"
	"github.com/vedran77/skillswap/internal/transport/http/middleware"
	"nhooyr.io/websocket"
)

// Deps is what a connection needs to build its session.
type Deps struct {
	Hub            *Hub
	Chat           *service.ChatService
	Dispatcher     *realtime.Dispatcher
	JWTSecret      string
	TypingTimeout  time.Duration
	// OriginPatterns restricts cross-origin upgrades; empty allows any.
	OriginPatterns []string
	Log            zerolog.Logger
}

// ServeWS returns an HTTP handler that upgrades to WebSocket.
// Auth is done via ?token=xxx query param (WebSocket can't send headers).
// Each connection gets its own session, closed when the socket drops.
func ServeWS(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		userID, err := middleware.ParseToken(d.JWTSecret, tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		opts := &websocket.AcceptOptions{OriginPatterns: d.OriginPatterns}
		if len(d.OriginPatterns) == 0 {
			opts.InsecureSkipVerify = true
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			d.Log.Warn().Err(err).Msg("ws accept failed")
			return
		}

		sess := session.New(userID, d.Chat, d.Dispatcher, d.TypingTimeout, d.Log)
		client := NewClient(d.Hub, conn, sess, d.Log)
		if !d.Hub.Register(client) {
			sess.Close()
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
