package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wynnbridge/pkg/auth"
	"wynnbridge/pkg/auth/authtest"
	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/client"
)

// echoServer authenticates like the gateway and echoes every frame back.
func echoServer(t *testing.T) string {
	t.Helper()

	verifier, err := auth.NewVerifier(authtest.Secret, nil)
	require.NoError(t, err)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Authenticate(r.Header)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		hello, _ := bus.NewFrame("hello", []string{identity.GuildID, identity.AgentLabel, identity.ClientVersion})
		if err := ws.WriteJSON(hello); err != nil {
			return
		}
		for {
			var frame bus.Frame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialIssuesTokenAndSendsHeaders(t *testing.T) {
	url := echoServer(t)

	conn, err := client.Dial(context.Background(), client.Options{
		URL:     url,
		Secret:  authtest.Secret,
		GuildID: "guild-a",
		From:    "Alice",
		Version: "3.1.0",
	})
	require.NoError(t, err)
	defer conn.Close()

	hello, err := conn.Read()
	require.NoError(t, err)
	var identity []string
	require.NoError(t, client.Decode(hello, &identity))
	assert.Equal(t, []string{"guild-a", "Alice", "3.1.0"}, identity)

	require.NoError(t, conn.Send(bus.WireChat, "line"))
	echoed, err := conn.Read()
	require.NoError(t, err)
	var line string
	require.NoError(t, client.Decode(echoed, &line))
	assert.Equal(t, bus.WireChat, echoed.Type)
	assert.Equal(t, "line", line)

	id, err := conn.Request(bus.WireListOnline, nil)
	require.NoError(t, err)
	reply, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, id, reply.RequestID)
	assert.Error(t, client.Decode(reply, &line))
}

func TestDialReportsRejection(t *testing.T) {
	url := echoServer(t)

	_, err := client.Dial(context.Background(), client.Options{
		URL:   url,
		Token: authtest.Token(t, "wrong-secret", "guild-a"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid token provided")
}

func TestDialRequiresCredential(t *testing.T) {
	_, err := client.Dial(context.Background(), client.Options{URL: "ws://127.0.0.1:1/x"})
	require.ErrorContains(t, err, "token or a shared secret")
}
