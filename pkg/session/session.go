// Package session tracks authenticated relay connections: the singleton
// platform sink, per-guild rooms of game agents, and the per-guild sequence
// cursors that elect one reporter-of-record for every chat line.
package session

import (
	"strings"
	"sync"

	"wynnbridge/pkg/auth"
)

// Stream is one independently sequenced message class of a guild.
type Stream int

const (
	StreamChat Stream = iota
	StreamHR

	streamCount
)

func (s Stream) String() string {
	switch s {
	case StreamChat:
		return "chat"
	case StreamHR:
		return "hr"
	default:
		return "unknown"
	}
}

// Valid reports whether s names a known stream.
func (s Stream) Valid() bool {
	return s >= 0 && s < streamCount
}

// Conn is the transport side of a session.
type Conn interface {
	ID() string
	Deliver(event string, payload any) error
}

// Session is one authenticated connection.
type Session struct {
	ID            string
	GuildID       string
	AgentLabel    string
	ClientVersion string

	conn  Conn
	sink  bool
	guild *guildState

	// local[i] is guarded by guild.streams[i].mu.
	local [streamCount]uint64
}

// IsSink reports whether the session is the platform sink.
func (s *Session) IsSink() bool {
	return s.sink
}

// Conn returns the transport the session delivers through.
func (s *Session) Conn() Conn {
	return s.conn
}

// Cursor returns the session's local cursor for stream.
func (s *Session) Cursor(stream Stream) uint64 {
	if s.guild == nil || !stream.Valid() {
		return 0
	}

	st := &s.guild.streams[stream]
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.local[stream]
}

func newSession(conn Conn, id auth.Identity) *Session {
	return &Session{
		ID:            conn.ID(),
		GuildID:       id.GuildID,
		AgentLabel:    strings.TrimSpace(id.AgentLabel),
		ClientVersion: id.ClientVersion,
		conn:          conn,
	}
}

type streamState struct {
	mu     sync.Mutex
	shared uint64
}

// guildState is created on first connection for a guild and lives until the
// process exits.
type guildState struct {
	id      string
	streams [streamCount]streamState

	roomMu  sync.RWMutex
	members map[string]*Session
}

func newGuildState(id string) *guildState {
	return &guildState{
		id:      id,
		members: make(map[string]*Session),
	}
}

func (g *guildState) cursor(stream Stream) uint64 {
	st := &g.streams[stream]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.shared
}

func (g *guildState) roster() []*Session {
	g.roomMu.RLock()
	defer g.roomMu.RUnlock()

	out := make([]*Session, 0, len(g.members))
	for _, s := range g.members {
		out = append(out, s)
	}
	return out
}
