package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wynnbridge/pkg/auth"
	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/relay"
	"wynnbridge/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 16 << 10
	maxMessageSize = 1 << 20
	closeReasonEOF = "client closed"
)

var errSinkOnly = errors.New("event is only accepted from the platform sink")

// wsConn serializes data frames to one websocket; gorilla allows a single
// concurrent writer apart from WriteControl.
type wsConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Deliver(event string, payload any) error {
	return c.reply("", event, payload)
}

func (c *wsConn) reply(requestID, event string, payload any) error {
	frame, err := bus.NewFrame(event, payload)
	if err != nil {
		return err
	}
	frame.RequestID = requestID

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	return nil
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Authenticate(r.Header)
	if err != nil {
		s.log.Info("Connection rejected",
			"from", auth.SourceHint(r.Header),
			"remote", r.RemoteAddr,
			"error", err,
		)
		http.Error(w, rejectionReason(err), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	conn := newWSConn(ws)
	sess := s.registry.Register(conn, identity)
	s.bus.PublishEvent(r.Context(), bus.Event{
		Type:    bus.EventAgentConnected,
		GuildID: sess.GuildID,
		ConnID:  sess.ID,
		Payload: map[string]string{"from": sess.AgentLabel, "version": sess.ClientVersion},
	})

	reason := s.serveConn(r.Context(), conn, sess)

	realigned := s.registry.Unregister(sess)
	s.log.Info("Connection closed",
		"guild", sess.GuildID,
		"conn_id", sess.ID,
		"from", sess.AgentLabel,
		"reason", reason,
		"realigned", realigned,
	)
	s.bus.PublishEvent(context.WithoutCancel(r.Context()), bus.Event{
		Type:    bus.EventAgentDisconnected,
		GuildID: sess.GuildID,
		ConnID:  sess.ID,
		Payload: map[string]string{"reason": reason},
	})
}

// serveConn reads frames until the peer goes away or ctx is done and
// returns the disconnect reason.
func (s *Service) serveConn(ctx context.Context, conn *wsConn, sess *session.Session) string {
	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks NextReader so the handler can unregister.
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				_ = ws.Close()
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, r, err := ws.NextReader()
		if err != nil {
			return disconnectReason(ctx, err)
		}
		data, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
		if err != nil {
			return disconnectReason(ctx, err)
		}
		if len(data) > maxFrameSize {
			rest, err := io.Copy(io.Discard, r)
			if err != nil {
				return disconnectReason(ctx, err)
			}
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
			s.log.Warn("Oversized frame ignored",
				"guild", sess.GuildID,
				"conn_id", sess.ID,
				"size", int64(len(data))+rest,
				"limit", maxFrameSize,
			)
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame bus.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Malformed frame ignored", "conn_id", sess.ID, "error", err)
			continue
		}
		s.dispatch(ctx, conn, sess, frame)
	}
}

// dispatch runs one frame handler; failures are logged and never close the
// connection.
func (s *Service) dispatch(ctx context.Context, conn *wsConn, sess *session.Session, frame bus.Frame) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.log.Error("Frame handler panicked",
				"guild", sess.GuildID,
				"conn_id", sess.ID,
				"event", frame.Type,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()

	err := s.handleFrame(ctx, conn, sess, frame)
	switch {
	case err == nil:
	case relay.IsDrop(err):
		s.log.Debug("Frame dropped by policy", "guild", sess.GuildID, "conn_id", sess.ID, "event", frame.Type, "reason", err)
	default:
		s.log.Error("Frame handler failed", "guild", sess.GuildID, "conn_id", sess.ID, "event", frame.Type, "error", err)
	}
}

func (s *Service) handleFrame(ctx context.Context, conn *wsConn, sess *session.Session, frame bus.Frame) error {
	if sess.IsSink() {
		if frame.Type != bus.WirePlatform {
			return fmt.Errorf("unexpected %q frame from platform sink", frame.Type)
		}
		var msg bus.PlatformMessage
		if err := decodePayload(frame, &msg); err != nil {
			return err
		}
		return s.relay.HandlePlatformMessage(ctx, conn, msg)
	}

	switch frame.Type {
	case bus.WireChat, bus.WireHR:
		var line string
		if err := decodePayload(frame, &line); err != nil {
			return err
		}
		stream := session.StreamChat
		if frame.Type == bus.WireHR {
			stream = session.StreamHR
		}
		return s.relay.HandleChat(ctx, sess, stream, line)
	case bus.WirePlatformOnly:
		var line string
		if err := decodePayload(frame, &line); err != nil {
			return err
		}
		return s.relay.HandlePlatformOnly(ctx, sess, line)
	case bus.WireSync:
		s.registry.Sync(sess)
		return nil
	case bus.WireListOnline:
		return conn.reply(frame.RequestID, bus.WireListOnline, s.registry.OnlineUsers(sess.GuildID))
	case bus.WirePlatform:
		return fmt.Errorf("%s: %w", frame.Type, errSinkOnly)
	default:
		return fmt.Errorf("unknown event %q", frame.Type)
	}
}

func decodePayload(frame bus.Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return nil
}

func rejectionReason(err error) string {
	if errors.Is(err, auth.ErrMissingToken) {
		return auth.ErrMissingToken.Error()
	}
	return auth.ErrInvalidToken.Error()
}

func disconnectReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "server shutdown"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return closeErr.Text
		}
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return closeReasonEOF
		}
		return fmt.Sprintf("close code %d", closeErr.Code)
	}
	return err.Error()
}
