package app

import (
	"net/http"
	"time"

	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/uplink"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream pushes every snapshot of a session to a websocket client
// until the session stops or the client goes away.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	order, err := parseSort(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}

	log := a.logger.With(zap.String("session_id", s.ID()), zap.String("remote", r.RemoteAddr))
	log.Debug("stream client connected")

	updates, cancel := s.Subscribe(order)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		readPump(conn, log)
	}()

	writePump(conn, updates, closed, s.ID(), log)
	cancel()
	_ = conn.Close()
	<-closed
	log.Debug("stream client disconnected")
}

// readPump discards client messages and keeps the read deadline fresh.
func readPump(conn *websocket.Conn, log *zap.Logger) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("stream read error", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, updates <-chan []model.AggregateRow, closed <-chan struct{}, sessionID string, log *zap.Logger) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case rows, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"))
				return
			}
			if rows == nil {
				rows = []model.AggregateRow{}
			}
			body, err := json.Marshal(uplink.RowsMessage{SessionID: sessionID, GeneratedAt: time.Now().UTC(), Rows: rows})
			if err != nil {
				log.Error("encode stream rows", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
