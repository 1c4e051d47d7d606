package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/lkarlslund/chatgate/pkg/normalize"
	"github.com/lkarlslund/chatgate/pkg/relay"
)

const (
	wsReadTimeout    = 60 * time.Second
	wsPingInterval   = 25 * time.Second
	wsWriteTimeout   = 10 * time.Second
	wsMaxFrameBytes  = maxChatBodyBytes
	wsTextOnlyReason = "only text frames carrying a JSON chat body are accepted"
	wsShutdownReason = "server shutting down"
)

type wsReply struct {
	Status int `json:"status"`
	Body   any `json:"body"`
}

// handleWebsocket serves chat over a websocket. Every text frame is treated
// like a POST body and answered with one complete reply frame; frames on a
// connection are handled in order. Pings keep flowing while a frame waits on
// the upstream, so the read deadline only expires on a dead peer.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.wsOriginAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.trackWebsocket(conn, true)
	defer s.trackWebsocket(conn, false)

	conn.SetReadLimit(wsMaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
	})

	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)
	frames := make(chan []byte)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(done)
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseUnsupportedData, wsTextOnlyReason),
					time.Now().Add(wsWriteTimeout))
				return
			}
			select {
			case frames <- payload:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
			// The handoff may have waited on a slow frame.
			_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		}
	}()

	// WriteControl may run alongside WriteMessage.
	go func() {
		ticker := time.NewTicker(s.wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case payload := <-frames:
			resp := s.completeFrame(ctx, payload)
			msg, err := json.Marshal(wsReply{Status: resp.Status, Body: resp.Body})
			if err != nil {
				log.Error("encode websocket reply", "error", err, "request_id", requestID)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// completeFrame runs one frame through the chat pipeline. Frames count as
// in-flight requests; an idle connection does not hold up shutdown.
func (s *Server) completeFrame(ctx context.Context, payload []byte) relay.Response {
	if s.draining.Load() {
		return relay.Response{Status: http.StatusServiceUnavailable, Body: map[string]string{"error": wsShutdownReason}}
	}
	s.activeRequests.Add(1)
	defer s.activeRequests.Add(-1)
	return s.complete(ctx, normalize.Inbound{
		Method: http.MethodPost,
		Query:  url.Values{},
		Body:   payload,
	})
}

func (s *Server) trackWebsocket(conn *websocket.Conn, open bool) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if open {
		s.wsConns[conn] = struct{}{}
		return
	}
	delete(s.wsConns, conn)
}

// closeWebsockets sends a going-away close to every open connection.
// Hijacked connections are not closed by http.Server.Shutdown.
func (s *Server) closeWebsockets() {
	s.wsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.wsConns))
	for conn := range s.wsConns {
		conns = append(conns, conn)
	}
	s.wsMu.Unlock()
	if len(conns) == 0 {
		return
	}
	log.Info("shutdown: closing websockets", "count", len(conns))
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, wsShutdownReason)
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
	}
}

// wsOriginAllowed mirrors the CORS policy: any origin when the gateway is
// open, otherwise the configured origin or the gateway's own host.
func (s *Server) wsOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	allow := strings.TrimSpace(s.cfg.CORS.AllowOrigin)
	if origin == "" || allow == "" || allow == "*" {
		return true
	}
	if strings.EqualFold(origin, allow) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
