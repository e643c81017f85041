// Package client dials the relay gateway the way game agents and sink tools do.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wynnbridge/pkg/auth"
	"wynnbridge/pkg/bus"
)

const (
	writeWait    = 10 * time.Second
	tokenTTL     = 24 * time.Hour
	dialTimeout  = 10 * time.Second
	maxErrorBody = 512
)

// Options describes one connection. Token wins over Secret; with only a
// Secret a credential for GuildID is issued locally.
type Options struct {
	URL     string
	Token   string
	Secret  string
	GuildID string
	From    string
	Version string
}

// Conn is a frame-level connection to the gateway. Send and Request are safe
// for concurrent use; Read must have a single caller.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Dial performs the authenticated websocket handshake. A rejected handshake
// returns the gateway's reason in the error.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	token, err := opts.token()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if from := strings.TrimSpace(opts.From); from != "" {
		header.Set("From", from)
	}
	if version := strings.TrimSpace(opts.Version); version != "" {
		header.Set("User-Agent", version)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment}
	ws, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, fmt.Errorf("dial %s: %s: %s", opts.URL, resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return &Conn{ws: ws}, nil
}

func (o Options) token() (string, error) {
	if token := strings.TrimSpace(o.Token); token != "" {
		return token, nil
	}
	if strings.TrimSpace(o.Secret) == "" {
		return "", errors.New("a token or a shared secret is required")
	}
	return auth.Issue(o.Secret, o.GuildID, time.Now().Add(tokenTTL))
}

// Send writes one event frame.
func (c *Conn) Send(event string, payload any) error {
	return c.write(event, "", payload)
}

// Request writes an event frame tagged with a fresh request id and returns
// the id so the caller can match the reply.
func (c *Conn) Request(event string, payload any) (string, error) {
	id := uuid.NewString()
	return id, c.write(event, id, payload)
}

func (c *Conn) write(event, requestID string, payload any) error {
	frame, err := bus.NewFrame(event, payload)
	if err != nil {
		return err
	}
	frame.RequestID = requestID

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

// Read blocks for the next frame. Frames that are not JSON are skipped.
func (c *Conn) Read() (bus.Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return bus.Frame{}, err
		}
		var frame bus.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		return frame, nil
	}
}

// Close sends a normal close frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.ws.Close()
}

// Decode unmarshals a frame payload into dst.
func Decode(frame bus.Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", frame.Type)
	}
	return json.Unmarshal(frame.Payload, dst)
}
