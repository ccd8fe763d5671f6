package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport 將 WebSocket 連線包成 broker.Transport
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 先嘗試送出 close frame，再關閉底層連線
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// handleWS 升級為 WebSocket 並交給 broker 處理直到連線結束
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	t := &wsTransport{conn: conn}
	s.log.Debug("Worker connection opened", "remote", t.RemoteAddr())

	err = s.broker.ServeConn(s.ctx, t)
	switch {
	case err == nil, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.log.Debug("Worker connection closed", "remote", t.RemoteAddr())
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("Worker message exceeds size limit", "remote", t.RemoteAddr(), "limit", s.cfg.MaxMessageBytes)
	default:
		s.log.Info("Worker connection ended", "remote", t.RemoteAddr(), "error", err)
	}
}
