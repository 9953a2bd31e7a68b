package api

import (
	"net/http"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// wireFrame is the `{"type": "...", "payload": {...}}` shape SPEC_FULL.md §6
// requires on the wire, decoupled from eventbus.Message's Go field layout.
type wireFrame struct {
	Type    eventbus.MessageKind `json:"type"`
	Payload any                  `json:"payload"`
}

func toWireFrame(msg eventbus.Message) wireFrame {
	var payload any
	switch msg.Kind {
	case eventbus.KindLog:
		payload = msg.Log
	case eventbus.KindTrade:
		payload = msg.Trade
	case eventbus.KindPortfolio:
		payload = msg.Portfolio
	case eventbus.KindKline:
		payload = msg.Kline
	case eventbus.KindConnected:
		payload = msg.Connected
	}
	return wireFrame{Type: msg.Kind, Payload: payload}
}

// handleWebSocket upgrades the connection and streams every subsequent
// eventbus.Message as a wireFrame until the client disconnects or the bus is
// unavailable.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: websocket upgrade failed", zap.Error(err))
		return
	}

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go s.readLoop(conn, done)
	s.writeLoop(conn, sub, done)
}

// readLoop drains and discards client frames, only existing to detect
// disconnects and keep the read deadline refreshed by pong frames.
func (s *Server) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *eventbus.Subscription, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(toWireFrame(msg)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
