// Package relay moves messages between game agents and the platform sink.
//
// The forward path runs every chat report through its guild's deduplication
// gate, classifies the winning report, fires its side effect and queues the
// relay message for the sink. The reverse path filters muted authors and
// delivers platform messages into a guild's room.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/classifier"
	"wynnbridge/pkg/itemcode"
	"wynnbridge/pkg/logger"
	"wynnbridge/pkg/session"
)

// Policy outcomes. They are expected control flow, not failures.
var (
	ErrStaleClient = errors.New("client version below minimum")
	ErrNoChannel   = errors.New("no channel configured for guild")
	ErrDuplicate   = errors.New("position already reported by another agent")
	ErrUnmatched   = errors.New("no rule matched")
	ErrMuted       = errors.New("author is muted")
	ErrNoSink      = errors.New("no platform sink connected")
)

// ErrOutboxClosed is returned when a relay message could not be queued
// because the process is shutting down.
var ErrOutboxClosed = errors.New("relay outbox closed")

// IsDrop reports whether err is a policy outcome rather than a failure.
func IsDrop(err error) bool {
	for _, target := range []error{ErrStaleClient, ErrNoChannel, ErrDuplicate, ErrUnmatched, ErrMuted, ErrNoSink} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ChannelResolver maps a guild to its output channel; bus.NoChannel means none.
type ChannelResolver interface {
	ChannelForGuild(ctx context.Context, guildID string) (string, error)
}

type MuteRegistry interface {
	IsMuted(ctx context.Context, username string) (bool, error)
}

type Presence interface {
	IsOnline(name, guildID string) bool
}

type VersionPolicy interface {
	Allows(version string) bool
}

type EffectDispatcher interface {
	Dispatch(guildID string, effect classifier.Effect) error
}

// Sessions is the part of the session registry the broadcaster drives.
type Sessions interface {
	Advance(s *session.Session, stream session.Stream, fn func(position uint64)) (bool, error)
	Broadcast(guildID, event string, payload any) (int, error)
}

// Outbox queues relay messages for the sink and carries observability events.
type Outbox interface {
	PublishRelay(ctx context.Context, msg bus.OutboundRelay) bool
	PublishEvent(ctx context.Context, event bus.Event) bool
}

type Deps struct {
	Sessions Sessions
	Channels ChannelResolver
	Mutes    MuteRegistry
	Presence Presence
	Versions VersionPolicy
	Effects  EffectDispatcher
	Outbox   Outbox
	Items    itemcode.Decoder
	Logger   *slog.Logger
}

// Broadcaster implements both relay directions.
type Broadcaster struct {
	sessions Sessions
	channels ChannelResolver
	mutes    MuteRegistry
	presence Presence
	versions VersionPolicy
	effects  EffectDispatcher
	outbox   Outbox
	items    itemcode.Decoder
	log      *slog.Logger
}

func New(deps Deps) *Broadcaster {
	if deps.Items == nil {
		deps.Items = itemcode.Wynntils{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}

	return &Broadcaster{
		sessions: deps.Sessions,
		channels: deps.Channels,
		mutes:    deps.Mutes,
		presence: deps.Presence,
		versions: deps.Versions,
		effects:  deps.Effects,
		outbox:   deps.Outbox,
		items:    deps.Items,
		log:      deps.Logger.With("component", "relay.broadcaster"),
	}
}

func (b *Broadcaster) dropped(ctx context.Context, guildID, connID, reason string) {
	b.outbox.PublishEvent(ctx, bus.Event{
		Type:    bus.EventRelayDropped,
		GuildID: guildID,
		ConnID:  connID,
		Payload: map[string]string{"reason": reason},
	})
}
