package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 64
)

// Session is one websocket connection. Its project and kind are fixed by the
// handshake; until then it is outside every room.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// Handshake results, owned by the read goroutine.
	projectID uuid.UUID
	kind      ClientKind
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) authenticated() bool { return s.projectID != uuid.Nil }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) log() *zap.Logger {
	if s.authenticated() {
		return logger.Project(s.projectID).With(zap.String("session_id", s.id))
	}
	return logger.L().With(zap.String("session_id", s.id))
}

// readPump hands each frame to handle until the connection fails or the
// session is closed.
func (s *Session) readPump(ctx context.Context, handle func(context.Context, Envelope)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log().Warn("unexpected close", zap.Error(err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.log().Debug("malformed frame ignored", zap.Error(err))
			continue
		}
		handle(ctx, env)
	}
}

// writePump is the only writer on the connection. It must not touch the
// handshake fields, which belong to the read goroutine.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.L().Debug("session write failed", zap.String("session_id", s.id), zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
