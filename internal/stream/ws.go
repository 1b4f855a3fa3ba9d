package stream

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// WSHandler exposes the stream protocol over a websocket, for clients
// that cannot open the unix socket (browser-based viewers). Messages are
// the same line-delimited JSON.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Loopback-only server; the CLI viewer sets no Origin header.
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Debug().Err(err).Msg("stream: websocket accept")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		netConn := websocket.NetConn(r.Context(), conn, websocket.MessageText)
		s.ServeConn(r.Context(), netConn)
	})
}
