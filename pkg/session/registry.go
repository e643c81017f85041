package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"wynnbridge/pkg/auth"
	"wynnbridge/pkg/logger"
	"wynnbridge/pkg/username"
)

var ErrUnknownGuild = errors.New("unknown guild")

// Registry owns every live session and the per-guild sequence state.
//
// Lock order is stream mutex before room mutex. Nothing acquires a stream
// mutex while holding a room mutex.
type Registry struct {
	sinkGuildID string
	log         *slog.Logger

	mu     sync.Mutex
	guilds map[string]*guildState
	sink   *Session
}

// NewRegistry creates a registry treating sinkGuildID as the platform sink claim.
func NewRegistry(sinkGuildID string, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	if sinkGuildID == "" {
		sinkGuildID = "*"
	}

	return &Registry{
		sinkGuildID: sinkGuildID,
		log:         log.With("component", "session.registry"),
		guilds:      make(map[string]*guildState),
	}
}

// Register binds an authenticated connection. A connection claiming the sink
// guild replaces any previous sink; any other connection joins its guild's
// room starting from the guild's current cursors.
func (r *Registry) Register(conn Conn, id auth.Identity) *Session {
	s := newSession(conn, id)

	if id.GuildID == r.sinkGuildID {
		s.sink = true

		r.mu.Lock()
		prev := r.sink
		r.sink = s
		r.mu.Unlock()

		if prev != nil && prev.ID != s.ID {
			r.log.Warn("platform sink replaced", "previous", prev.ID, "conn_id", s.ID)
		}
		r.log.Info("platform sink registered", "conn_id", s.ID, "from", s.AgentLabel)
		return s
	}

	g := r.guild(id.GuildID)
	s.guild = g

	var cursors [streamCount]uint64
	for i := range g.streams {
		st := &g.streams[i]
		st.mu.Lock()
		s.local[i] = st.shared
		cursors[i] = st.shared
		st.mu.Unlock()
	}

	g.roomMu.Lock()
	g.members[s.ID] = s
	g.roomMu.Unlock()

	r.log.Info("agent joined guild",
		"guild", g.id,
		"conn_id", s.ID,
		"from", s.AgentLabel,
		"version", s.ClientVersion,
		"chat_cursor", cursors[StreamChat],
		"hr_cursor", cursors[StreamHR],
	)
	return s
}

// Unregister removes a session. For a guild session every remaining sibling
// has its local cursors forced to the guild's shared cursors so none is left
// ahead of or behind the gate by the departure. It returns the number of
// siblings realigned.
func (r *Registry) Unregister(s *Session) int {
	if s == nil {
		return 0
	}

	if s.sink {
		r.mu.Lock()
		if r.sink == s {
			r.sink = nil
		}
		r.mu.Unlock()

		r.log.Info("platform sink unregistered", "conn_id", s.ID)
		return 0
	}

	g := s.guild
	g.roomMu.Lock()
	delete(g.members, s.ID)
	siblings := make([]*Session, 0, len(g.members))
	for _, member := range g.members {
		siblings = append(siblings, member)
	}
	g.roomMu.Unlock()

	for i := range g.streams {
		st := &g.streams[i]
		st.mu.Lock()
		for _, sibling := range siblings {
			sibling.local[i] = st.shared
		}
		st.mu.Unlock()
	}

	r.log.Info("agent left guild", "guild", g.id, "conn_id", s.ID, "realigned", len(siblings))
	return len(siblings)
}

// Advance runs the deduplication gate for one report on stream. When the
// session's local cursor equals the guild's shared cursor both advance, fn
// runs with the new position and Advance returns true. Otherwise only the
// local cursor advances and fn is not called.
//
// fn runs while the stream is locked, so reporters for the same guild and
// stream observe positions in the order they passed the gate. fn must not
// call Advance, Sync or Unregister.
func (r *Registry) Advance(s *Session, stream Stream, fn func(position uint64)) (bool, error) {
	if s == nil || s.guild == nil {
		return false, fmt.Errorf("advance: session has no guild")
	}
	if !stream.Valid() {
		return false, fmt.Errorf("advance: invalid stream %d", stream)
	}

	st := &s.guild.streams[stream]
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.local[stream] != st.shared {
		s.local[stream]++
		return false, nil
	}

	s.local[stream]++
	st.shared++
	if fn != nil {
		fn(st.shared)
	}
	return true, nil
}

// Sync realigns the session's chat cursor with its guild's shared chat cursor.
func (r *Registry) Sync(s *Session) {
	if s == nil || s.guild == nil {
		return
	}

	st := &s.guild.streams[StreamChat]
	st.mu.Lock()
	before, after := s.local[StreamChat], st.shared
	s.local[StreamChat] = after
	st.mu.Unlock()

	r.log.Debug("session synced", "guild", s.GuildID, "conn_id", s.ID, "from_cursor", before, "to_cursor", after)
}

// Sink returns the registered platform sink, if any.
func (r *Registry) Sink() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink, r.sink != nil
}

// Broadcast delivers event to every session in guildID's room. Delivery
// failures are logged per member and counted; the rest still receive it.
func (r *Registry) Broadcast(guildID, event string, payload any) (int, error) {
	g, ok := r.lookup(guildID)
	if !ok {
		return 0, fmt.Errorf("broadcast %s: %w", guildID, ErrUnknownGuild)
	}

	delivered := 0
	for _, member := range g.roster() {
		if err := member.conn.Deliver(event, payload); err != nil {
			r.log.Warn("room delivery failed", "guild", guildID, "conn_id", member.ID, "event", event, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// OnlineUsers lists the agent labels of guildID's active sessions, sorted and
// without duplicates.
func (r *Registry) OnlineUsers(guildID string) []string {
	g, ok := r.lookup(guildID)
	if !ok {
		return []string{}
	}

	names := make([]string, 0)
	for _, member := range g.roster() {
		if member.AgentLabel == "" || member.AgentLabel == auth.DefaultAgentLabel {
			continue
		}
		names = append(names, member.AgentLabel)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// IsOnline reports whether name matches the label of an active agent in
// guildID, ignoring case.
func (r *Registry) IsOnline(name, guildID string) bool {
	key := username.Key(name)
	if key == "" {
		return false
	}

	g, ok := r.lookup(guildID)
	if !ok {
		return false
	}

	g.roomMu.RLock()
	defer g.roomMu.RUnlock()
	for _, member := range g.members {
		if username.Key(member.AgentLabel) == key {
			return true
		}
	}
	return false
}

// GuildSnapshot is a point-in-time view of one guild's sequencing state.
type GuildSnapshot struct {
	Agents     int    `json:"agents"`
	ChatCursor uint64 `json:"chat_cursor"`
	HRCursor   uint64 `json:"hr_cursor"`
}

// Snapshot reports every known guild's agent count and shared cursors.
func (r *Registry) Snapshot() map[string]GuildSnapshot {
	r.mu.Lock()
	guilds := make([]*guildState, 0, len(r.guilds))
	for _, g := range r.guilds {
		guilds = append(guilds, g)
	}
	r.mu.Unlock()

	out := make(map[string]GuildSnapshot, len(guilds))
	for _, g := range guilds {
		g.roomMu.RLock()
		agents := len(g.members)
		g.roomMu.RUnlock()

		out[g.id] = GuildSnapshot{
			Agents:     agents,
			ChatCursor: g.cursor(StreamChat),
			HRCursor:   g.cursor(StreamHR),
		}
	}
	return out
}

func (r *Registry) guild(id string) *guildState {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.guilds[id]
	if !ok {
		g = newGuildState(id)
		r.guilds[id] = g
	}
	return g
}

func (r *Registry) lookup(id string) (*guildState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[id]
	return g, ok
}
