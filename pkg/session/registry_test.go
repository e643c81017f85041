package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wynnbridge/pkg/auth"
)

type delivery struct {
	event   string
	payload any
}

type fakeConn struct {
	id  string
	err error

	mu       sync.Mutex
	received []delivery
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(event string, payload any) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, delivery{event: event, payload: payload})
	return nil
}

func (c *fakeConn) deliveries() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.received...)
}

func register(t *testing.T, r *Registry, connID, guildID, label string) *Session {
	t.Helper()
	return r.Register(newFakeConn(connID), auth.Identity{GuildID: guildID, AgentLabel: label, ClientVersion: "2.1.0"})
}

func report(t *testing.T, r *Registry, s *Session, stream Stream, relayed *[]uint64) bool {
	t.Helper()
	ok, err := r.Advance(s, stream, func(position uint64) {
		*relayed = append(*relayed, position)
	})
	require.NoError(t, err)
	return ok
}

func TestRegisterSink(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	first := register(t, r, "sink-1", "*", "bot")
	require.True(t, first.IsSink())

	sink, ok := r.Sink()
	require.True(t, ok)
	assert.Equal(t, "sink-1", sink.ID)
	assert.Empty(t, r.Snapshot(), "sink must not create guild state")

	second := register(t, r, "sink-2", "*", "bot")
	sink, _ = r.Sink()
	assert.Equal(t, "sink-2", sink.ID)

	r.Unregister(first)
	sink, ok = r.Sink()
	require.True(t, ok, "stale sink disconnect must not clear the current sink")
	assert.Equal(t, "sink-2", sink.ID)

	r.Unregister(second)
	_, ok = r.Sink()
	assert.False(t, ok)
}

func TestExactlyOneRelayPerLineForAnyAgentCount(t *testing.T) {
	t.Parallel()

	const lines = 25
	for agents := 1; agents <= 5; agents++ {
		t.Run(fmt.Sprintf("%d agents", agents), func(t *testing.T) {
			t.Parallel()

			r := NewRegistry("*", nil)
			sessions := make([]*Session, agents)
			for i := range sessions {
				sessions[i] = register(t, r, fmt.Sprintf("conn-%d", i), "guild-a", fmt.Sprintf("agent%d", i))
			}

			var relayed []uint64
			for line := 0; line < lines; line++ {
				for _, s := range sessions {
					report(t, r, s, StreamChat, &relayed)
				}
			}

			require.Len(t, relayed, lines)
			for i, position := range relayed {
				assert.Equal(t, uint64(i+1), position)
			}
			for _, s := range sessions {
				assert.Equal(t, uint64(lines), s.Cursor(StreamChat))
			}
		})
	}
}

func TestConcurrentAgentsNeverRelayTwiceOrSkip(t *testing.T) {
	t.Parallel()

	const (
		agents = 8
		lines  = 200
	)

	r := NewRegistry("*", nil)
	sessions := make([]*Session, agents)
	for i := range sessions {
		sessions[i] = register(t, r, fmt.Sprintf("conn-%d", i), "guild-a", fmt.Sprintf("agent%d", i))
	}

	var (
		mu       sync.Mutex
		relayed  []uint64
		wg       sync.WaitGroup
		failures = make(chan error, agents)
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for line := 0; line < lines; line++ {
				_, err := r.Advance(s, StreamChat, func(position uint64) {
					mu.Lock()
					relayed = append(relayed, position)
					mu.Unlock()
				})
				if err != nil {
					failures <- err
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		require.NoError(t, err)
	}

	require.Len(t, relayed, lines)
	for i, position := range relayed {
		require.Equal(t, uint64(i+1), position, "positions must be relayed in gate order")
	}
	assert.Equal(t, uint64(lines), r.Snapshot()["guild-a"].ChatCursor)
}

func TestStreamsAndGuildsAreIndependent(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	a := register(t, r, "a", "guild-a", "alice")
	b := register(t, r, "b", "guild-b", "bob")

	var relayed []uint64
	require.True(t, report(t, r, a, StreamChat, &relayed))
	require.True(t, report(t, r, a, StreamHR, &relayed))
	require.True(t, report(t, r, b, StreamChat, &relayed))

	snap := r.Snapshot()
	assert.Equal(t, GuildSnapshot{Agents: 1, ChatCursor: 1, HRCursor: 1}, snap["guild-a"])
	assert.Equal(t, GuildSnapshot{Agents: 1, ChatCursor: 1, HRCursor: 0}, snap["guild-b"])
}

func TestRegisterStartsFromSharedCursor(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	a := register(t, r, "a", "guild-a", "alice")

	var relayed []uint64
	report(t, r, a, StreamChat, &relayed)
	report(t, r, a, StreamChat, &relayed)
	report(t, r, a, StreamHR, &relayed)

	late := register(t, r, "late", "guild-a", "carol")
	assert.Equal(t, uint64(2), late.Cursor(StreamChat))
	assert.Equal(t, uint64(1), late.Cursor(StreamHR))

	require.True(t, report(t, r, late, StreamChat, &relayed), "late joiner is reporter-of-record for the next line")
}

func TestUnregisterRealignsSiblings(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	fast := register(t, r, "fast", "guild-a", "alice")
	slow := register(t, r, "slow", "guild-a", "bob")

	var relayed []uint64
	for range 3 {
		report(t, r, fast, StreamChat, &relayed)
		report(t, r, fast, StreamHR, &relayed)
	}
	require.Equal(t, uint64(0), slow.Cursor(StreamChat))

	assert.Equal(t, 1, r.Unregister(fast))
	assert.Equal(t, uint64(3), slow.Cursor(StreamChat))
	assert.Equal(t, uint64(3), slow.Cursor(StreamHR))

	relayed = nil
	require.True(t, report(t, r, slow, StreamChat, &relayed))
	require.Equal(t, []uint64{4}, relayed)
}

func TestRegisterConcurrentWithSiblingUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	anchor := register(t, r, "anchor", "guild-a", "Anchor")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := r.Register(newFakeConn(fmt.Sprintf("join-%d", i)), auth.Identity{GuildID: "guild-a", AgentLabel: "Joiner"})
			_, _ = r.Advance(s, StreamChat, func(uint64) {})
		}()
		go func() {
			defer wg.Done()
			s := r.Register(newFakeConn(fmt.Sprintf("leave-%d", i)), auth.Identity{GuildID: "guild-a", AgentLabel: "Leaver"})
			r.Unregister(s)
		}()
	}
	wg.Wait()

	assert.Zero(t, anchor.Cursor(StreamHR))
	assert.LessOrEqual(t, anchor.Cursor(StreamChat), uint64(20))
}

func TestSyncRealignsChatCursor(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	a := register(t, r, "a", "guild-a", "alice")
	b := register(t, r, "b", "guild-a", "bob")

	var relayed []uint64
	report(t, r, a, StreamChat, &relayed)
	report(t, r, a, StreamChat, &relayed)
	report(t, r, a, StreamHR, &relayed)

	r.Sync(b)
	assert.Equal(t, uint64(2), b.Cursor(StreamChat))
	assert.Equal(t, uint64(0), b.Cursor(StreamHR))
}

func TestAdvanceRejectsSinkAndInvalidStream(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	sink := register(t, r, "sink", "*", "bot")
	_, err := r.Advance(sink, StreamChat, nil)
	require.Error(t, err)

	agent := register(t, r, "a", "guild-a", "alice")
	_, err = r.Advance(agent, Stream(7), nil)
	require.Error(t, err)
}

func TestBroadcastTargetsOneRoom(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	connA := newFakeConn("a")
	connB := newFakeConn("b")
	connOther := newFakeConn("c")
	broken := newFakeConn("d")
	broken.err = errors.New("closed")

	r.Register(connA, auth.Identity{GuildID: "guild-a", AgentLabel: "alice"})
	r.Register(connB, auth.Identity{GuildID: "guild-a", AgentLabel: "bob"})
	r.Register(broken, auth.Identity{GuildID: "guild-a", AgentLabel: "dave"})
	r.Register(connOther, auth.Identity{GuildID: "guild-b", AgentLabel: "carol"})

	delivered, err := r.Broadcast("guild-a", "discordMessage", "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []delivery{{event: "discordMessage", payload: "hi"}}, connA.deliveries())
	assert.Len(t, connB.deliveries(), 1)
	assert.Empty(t, connOther.deliveries())

	_, err = r.Broadcast("guild-z", "discordMessage", "hi")
	require.ErrorIs(t, err, ErrUnknownGuild)
}

func TestPresence(t *testing.T) {
	t.Parallel()

	r := NewRegistry("*", nil)
	register(t, r, "a", "guild-a", "Alice")
	register(t, r, "b", "guild-a", "bob")
	register(t, r, "b2", "guild-a", "bob")
	register(t, r, "anon", "guild-a", auth.DefaultAgentLabel)
	register(t, r, "c", "guild-b", "carol")

	assert.Equal(t, []string{"Alice", "bob"}, r.OnlineUsers("guild-a"))
	assert.Equal(t, []string{}, r.OnlineUsers("guild-z"))

	assert.True(t, r.IsOnline("alice", "guild-a"))
	assert.True(t, r.IsOnline(" BOB ", "guild-a"))
	assert.False(t, r.IsOnline("carol", "guild-a"))
	assert.False(t, r.IsOnline("", "guild-a"))
	assert.False(t, r.IsOnline("alice", "guild-z"))
}
