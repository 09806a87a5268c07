package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"
)

// session owns one live WebSocket connection. It serializes writes,
// reads frames on the caller goroutine and keeps the connection alive
// with pings. A session is single-use: once run returns, it is dead.
type session struct {
	conn      *websocket.Conn
	keepalive time.Duration
	grace     time.Duration
	log       *slog.Logger

	writeMu sync.Mutex
}

func dialSession(ctx context.Context, opts *Options) (*session, error) {
	dlr := websocket.Dialer{
		HandshakeTimeout: opts.dialTimeout(),
		Subprotocols:     []string{opts.subprotocol()},
	}
	conn, resp, err := dlr.DialContext(ctx, opts.url(), nil)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &session{
		conn:      conn,
		keepalive: opts.keepaliveInterval(),
		grace:     opts.graceWindow(),
		log:       opts.log(),
	}
	s.extendDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	return s, nil
}

// extendDeadline pushes the read deadline out by one keepalive interval
// plus the grace window. Called on connect and on every observed frame.
func (s *session) extendDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(s.keepalive + s.grace)) //nolint:errcheck
}

func (s *session) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return errtrace.Wrap(s.conn.WriteMessage(websocket.TextMessage, data))
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return errtrace.Wrap(s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.grace)))
}

// run reads frames until the connection dies. The keepalive pinger runs
// alongside; a missed pong surfaces as a read deadline error.
func (s *session) run(ctx context.Context, onFrame FrameHandler) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return errtrace.Wrap(err)
		}
		s.extendDeadline()
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		onFrame(data)
	}
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "keepalive ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (s *session) close() error {
	return errtrace.Wrap(s.conn.Close())
}
