package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wynnbridge/pkg/auth/authtest"
	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/config"
	"wynnbridge/pkg/logger"
	"wynnbridge/pkg/relay"
	"wynnbridge/pkg/storage/sqlite"
)

const testGuild = "guild-a"

type testGateway struct {
	svc   *Service
	store *sqlite.Store
	url   string
	base  string
}

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
		Auth:    config.AuthConfig{JWTSecret: authtest.Secret},
		Relay:   config.RelayConfig{Channels: map[string]string{testGuild: "chan-1"}},
	}
	cfg.ApplyDefaults()

	svc, err := NewService(cfg, store, nil, logger.Discard())
	require.NoError(t, err)
	return svc, store
}

// startGateway runs the service until the test ends.
func startGateway(t *testing.T) *testGateway {
	t.Helper()

	svc, store := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("timed out waiting for service run to exit")
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", svc.cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, base+"/healthz", 2*time.Second))

	return &testGateway{
		svc:   svc,
		store: store,
		url:   fmt.Sprintf("ws://127.0.0.1:%d%s", svc.cfg.Gateway.Port, svc.cfg.Gateway.Path),
		base:  base,
	}
}

func dialGateway(t *testing.T, url, guildID, from string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+authtest.Token(t, authtest.Secret, guildID))
	header.Set("User-Agent", "3.1.0")
	if from != "" {
		header.Set("From", from)
	}

	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, event, requestID string, payload any) {
	t.Helper()

	frame, err := bus.NewFrame(event, payload)
	require.NoError(t, err)
	frame.RequestID = requestID
	require.NoError(t, ws.WriteJSON(frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) bus.Frame {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame bus.Frame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func readRelay(t *testing.T, ws *websocket.Conn) bus.RelayMessage {
	t.Helper()

	frame := readFrame(t, ws)
	require.Equal(t, bus.WireChat, frame.Type)
	var msg bus.RelayMessage
	require.NoError(t, json.Unmarshal(frame.Payload, &msg))
	return msg
}

func waitAgents(t *testing.T, svc *Service, guildID string, want int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return svc.registry.Snapshot()[guildID].Agents == want
	}, 2*time.Second, 10*time.Millisecond)
}

func waitSink(t *testing.T, svc *Service) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, ok := svc.registry.Sink()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsUnauthenticatedConnections(t *testing.T) {
	svc, _ := newTestService(t)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + svc.cfg.Gateway.Path

	tests := []struct {
		name          string
		authorization string
		want          string
	}{
		{name: "missing", want: "no token provided"},
		{name: "not bearer", authorization: "Basic abc", want: "invalid token provided"},
		{name: "garbage", authorization: "Bearer abc.def.ghi", want: "invalid token provided"},
		{name: "wrong secret", authorization: "Bearer " + authtest.Token(t, "other-secret", testGuild), want: "invalid token provided"},
		{name: "expired", authorization: "Bearer " + authtest.TokenWithExpiry(t, authtest.Secret, testGuild, time.Now().Add(-time.Minute)), want: "invalid token provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.authorization != "" {
				header.Set("Authorization", tt.authorization)
			}

			_, resp, err := websocket.DefaultDialer.Dial(url, header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(string(body)))
		})
	}

	assert.Empty(t, svc.registry.Snapshot())
}

func TestGatewayRelaysEachLineOnce(t *testing.T) {
	gw := startGateway(t)

	sink := dialGateway(t, gw.url, config.DefaultSinkGuildID, "console")
	alice := dialGateway(t, gw.url, testGuild, "Alice")
	bob := dialGateway(t, gw.url, testGuild, "Bob")
	waitAgents(t, gw.svc, testGuild, 2)
	waitSink(t, gw.svc)

	sendFrame(t, alice, bus.WireChat, "", "§3Alice:§b hello")
	first := readRelay(t, sink)
	assert.Equal(t, bus.RelayMessage{
		MessageType:      0,
		HeaderContent:    "Alice" + relay.OnlineMarker,
		TextContent:      "hello",
		ListeningChannel: "chan-1",
	}, first)

	// Bob saw the same line; his report only catches his cursor up.
	sendFrame(t, bob, bus.WireChat, "", "§3Alice:§b hello")
	sendFrame(t, bob, bus.WireChat, "", "§3Steve:§b second")

	second := readRelay(t, sink)
	assert.Equal(t, "Steve", second.HeaderContent)
	assert.Equal(t, "second", second.TextContent)

	assert.Equal(t, uint64(2), gw.svc.registry.Snapshot()[testGuild].ChatCursor)
}

func TestGatewayDisconnectRealignsSiblings(t *testing.T) {
	gw := startGateway(t)

	sink := dialGateway(t, gw.url, config.DefaultSinkGuildID, "console")
	alice := dialGateway(t, gw.url, testGuild, "Alice")
	bob := dialGateway(t, gw.url, testGuild, "Bob")
	waitAgents(t, gw.svc, testGuild, 2)
	waitSink(t, gw.svc)

	sendFrame(t, alice, bus.WireChat, "", "§3Alice:§b one")
	assert.Equal(t, "one", readRelay(t, sink).TextContent)

	require.NoError(t, alice.Close())
	waitAgents(t, gw.svc, testGuild, 1)

	// Bob never reported "one" but the departure aligned him with the guild.
	sendFrame(t, bob, bus.WireChat, "", "§3Bob:§b two")
	msg := readRelay(t, sink)
	assert.Equal(t, "two", msg.TextContent)
	assert.Equal(t, "Bob"+relay.OnlineMarker, msg.HeaderContent)
}

func TestGatewaySyncRealignsChatCursor(t *testing.T) {
	gw := startGateway(t)

	sink := dialGateway(t, gw.url, config.DefaultSinkGuildID, "console")
	alice := dialGateway(t, gw.url, testGuild, "Alice")
	bob := dialGateway(t, gw.url, testGuild, "Bob")
	waitAgents(t, gw.svc, testGuild, 2)
	waitSink(t, gw.svc)

	sendFrame(t, alice, bus.WireChat, "", "§3Alice:§b one")
	assert.Equal(t, "one", readRelay(t, sink).TextContent)

	sendFrame(t, bob, bus.WireSync, "", nil)
	sendFrame(t, bob, bus.WireChat, "", "§3Bob:§b two")
	assert.Equal(t, "two", readRelay(t, sink).TextContent)
}

func TestGatewayListOnlineSurvivesBadFrames(t *testing.T) {
	gw := startGateway(t)

	alice := dialGateway(t, gw.url, testGuild, "Alice")
	_ = dialGateway(t, gw.url, testGuild, "Bob")
	_ = dialGateway(t, gw.url, testGuild, "")
	_ = dialGateway(t, gw.url, "guild-b", "Carol")
	waitAgents(t, gw.svc, testGuild, 3)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendFrame(t, alice, bus.WireChat, "", nil)
	sendFrame(t, alice, "bogus", "", "x")
	sendFrame(t, alice, bus.WireListOnline, "req-1", nil)

	frame := readFrame(t, alice)
	assert.Equal(t, bus.WireListOnline, frame.Type)
	assert.Equal(t, "req-1", frame.RequestID)

	var names []string
	require.NoError(t, json.Unmarshal(frame.Payload, &names))
	assert.Equal(t, []string{"Alice", "Bob"}, names)
}

func TestGatewayIgnoresOversizedFrames(t *testing.T) {
	gw := startGateway(t)

	sink := dialGateway(t, gw.url, config.DefaultSinkGuildID, "console")
	alice := dialGateway(t, gw.url, testGuild, "Alice")
	waitAgents(t, gw.svc, testGuild, 1)
	waitSink(t, gw.svc)

	sendFrame(t, alice, bus.WireChat, "", "§3Alice:§b "+strings.Repeat("x", 20<<10))
	sendFrame(t, alice, bus.WireChat, "", "§3Alice:§b still here")

	msg := readRelay(t, sink)
	assert.Equal(t, "still here", msg.TextContent)

	snapshot := gw.svc.registry.Snapshot()[testGuild]
	assert.Equal(t, 1, snapshot.Agents)
	assert.Equal(t, uint64(1), snapshot.ChatCursor)
}

func TestGatewayPlatformMessages(t *testing.T) {
	gw := startGateway(t)
	require.NoError(t, gw.store.SetMuted(context.Background(), "Troll", true))

	sink := dialGateway(t, gw.url, config.DefaultSinkGuildID, "console")
	alice := dialGateway(t, gw.url, testGuild, "Alice")
	bob := dialGateway(t, gw.url, testGuild, "Bob")
	waitAgents(t, gw.svc, testGuild, 2)
	waitSink(t, gw.svc)

	sendFrame(t, sink, bus.WirePlatform, "", bus.PlatformMessage{Author: "troll", Content: "spam", GuildID: testGuild})
	notice := readFrame(t, sink)
	assert.Equal(t, bus.WirePlatform, notice.Type)
	var got bus.PlatformMessage
	require.NoError(t, json.Unmarshal(notice.Payload, &got))
	assert.Equal(t, relay.MutedNotice, got)

	sendFrame(t, sink, bus.WirePlatform, "", bus.PlatformMessage{Author: "Steve", Content: "hi\u200c there", GuildID: testGuild})
	for _, ws := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, ws)
		require.Equal(t, bus.WirePlatform, frame.Type)
		var msg bus.PlatformMessage
		require.NoError(t, json.Unmarshal(frame.Payload, &msg))
		assert.Equal(t, bus.PlatformMessage{Author: "Steve", Content: "hi there", GuildID: testGuild}, msg)
	}

	// Agents may not speak for the platform.
	sendFrame(t, alice, bus.WirePlatform, "", bus.PlatformMessage{Author: "Alice", Content: "fake", GuildID: testGuild})
	sendFrame(t, alice, bus.WireListOnline, "req-2", nil)
	assert.Equal(t, "req-2", readFrame(t, alice).RequestID)
}

func TestGatewayPlatformOnlyMessage(t *testing.T) {
	gw := startGateway(t)

	sink := dialGateway(t, gw.url, config.DefaultSinkGuildID, "console")
	alice := dialGateway(t, gw.url, testGuild, "Alice")
	waitAgents(t, gw.svc, testGuild, 1)
	waitSink(t, gw.svc)

	sendFrame(t, alice, bus.WirePlatformOnly, "", "Alice: off the record")
	assert.Equal(t, bus.RelayMessage{
		MessageType:      2,
		HeaderContent:    "Alice",
		TextContent:      "off the record",
		ListeningChannel: "chan-1",
	}, readRelay(t, sink))
}

func TestGatewayReadyzReportsGuildsAndStorage(t *testing.T) {
	gw := startGateway(t)

	_ = dialGateway(t, gw.url, testGuild, "Alice")
	waitAgents(t, gw.svc, testGuild, 1)

	resp, err := http.Get(gw.base + "/readyz")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", status.Status)
	assert.False(t, status.SinkConnected)
	assert.Equal(t, 1, status.Guilds[testGuild].Agents)

	require.NoError(t, gw.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, gw.base+"/readyz", time.Second))
	assert.Equal(t, http.StatusOK, waitHTTPStatus(t, gw.base+"/healthz", time.Second))
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
