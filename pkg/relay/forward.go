package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/classifier"
	"wynnbridge/pkg/itemcode"
	"wynnbridge/pkg/session"
)

// OnlineMarker is appended to a chat header whose author is online.
const OnlineMarker = "*"

var platformOnlyPattern = regexp.MustCompile(`^(?P<header>.+?): (?P<content>.*)$`)

// HandleChat processes one chat line reported by s on stream. It returns nil
// when a relay message was queued, a policy error when the line was dropped,
// and any other error when a collaborator failed.
func (b *Broadcaster) HandleChat(ctx context.Context, s *session.Session, stream session.Stream, raw string) error {
	if b.versions != nil && !b.versions.Allows(s.ClientVersion) {
		b.log.Info("skipping report from outdated client", "guild", s.GuildID, "conn_id", s.ID, "version", s.ClientVersion)
		b.dropped(ctx, s.GuildID, s.ID, "stale_client")
		return ErrStaleClient
	}

	channel, err := b.resolveChannel(ctx, s.GuildID)
	if err != nil {
		return err
	}

	class := classifier.General
	if stream == session.StreamHR {
		class = classifier.Management
	}

	var outcome error
	relayed, err := b.sessions.Advance(s, stream, func(position uint64) {
		outcome = b.emit(ctx, s, stream, class, channel, position, raw)
	})
	if err != nil {
		return fmt.Errorf("advance %s cursor: %w", stream, err)
	}
	if !relayed {
		b.log.Info("duplicate report skipped", "guild", s.GuildID, "conn_id", s.ID, "stream", stream.String())
		return ErrDuplicate
	}
	return outcome
}

// emit runs for the reporter-of-record while the stream is held. A full
// outbox blocks it, and with it every reporter of this guild and stream,
// until the pump drains or ctx ends.
func (b *Broadcaster) emit(ctx context.Context, s *session.Session, stream session.Stream, class classifier.Class, channel string, position uint64, raw string) error {
	res, ok := classifier.Classify(class, raw)
	if !ok {
		b.log.Info("line matched no rule", "guild", s.GuildID, "stream", stream.String(), "position", position)
		b.dropped(ctx, s.GuildID, s.ID, "unmatched")
		return ErrUnmatched
	}

	if res.Effect != nil && b.effects != nil {
		if err := b.effects.Dispatch(s.GuildID, res.Effect); err != nil {
			b.log.Error("side effect not started", "guild", s.GuildID, "kind", res.Effect.EffectKind(), "error", err)
		}
	}

	header := res.Header
	if class == classifier.General && b.presence != nil && b.presence.IsOnline(header, s.GuildID) {
		header += OnlineMarker
	}

	msg := bus.RelayMessage{
		MessageType:      int(res.Type),
		HeaderContent:    header,
		TextContent:      classifier.Format(class, res.Text, b.items),
		ListeningChannel: channel,
	}
	if !b.outbox.PublishRelay(ctx, bus.OutboundRelay{
		GuildID:  s.GuildID,
		Source:   stream.String(),
		Position: position,
		Message:  msg,
	}) {
		return fmt.Errorf("queue relay for %s: %w", s.GuildID, ErrOutboxClosed)
	}

	b.log.Info("relay queued",
		"guild", s.GuildID,
		"conn_id", s.ID,
		"from", s.AgentLabel,
		"stream", stream.String(),
		"rule", res.Rule,
		"position", position,
		"header", msg.HeaderContent,
	)
	return nil
}

// HandlePlatformOnly relays an agent's "<author>: <content>" line straight to
// the guild's channel without sequencing or classification.
func (b *Broadcaster) HandlePlatformOnly(ctx context.Context, s *session.Session, raw string) error {
	channel, err := b.resolveChannel(ctx, s.GuildID)
	if err != nil {
		return err
	}

	m := platformOnlyPattern.FindStringSubmatch(raw)
	if m == nil {
		b.log.Info("platform-only message is not header: content", "guild", s.GuildID, "conn_id", s.ID)
		b.dropped(ctx, s.GuildID, s.ID, "unmatched")
		return ErrUnmatched
	}
	header := m[platformOnlyPattern.SubexpIndex("header")]
	content := itemcode.Replace(m[platformOnlyPattern.SubexpIndex("content")], b.items, itemcode.Bracketed)

	muted, err := b.isMuted(ctx, header)
	if err != nil {
		return err
	}
	if muted {
		b.log.Info("muted platform-only message dropped", "guild", s.GuildID, "author", header)
		b.dropped(ctx, s.GuildID, s.ID, "muted")
		return ErrMuted
	}

	if !b.outbox.PublishRelay(ctx, bus.OutboundRelay{
		GuildID: s.GuildID,
		Source:  "platform_only",
		Message: bus.RelayMessage{
			MessageType:      int(classifier.TypePlatformOnly),
			HeaderContent:    header,
			TextContent:      content,
			ListeningChannel: channel,
		},
	}) {
		return fmt.Errorf("queue relay for %s: %w", s.GuildID, ErrOutboxClosed)
	}

	b.log.Info("platform-only relay queued", "guild", s.GuildID, "author", header)
	return nil
}

func (b *Broadcaster) resolveChannel(ctx context.Context, guildID string) (string, error) {
	channel, err := b.channels.ChannelForGuild(ctx, guildID)
	if err != nil {
		return "", fmt.Errorf("resolve channel for %s: %w", guildID, err)
	}
	channel = strings.TrimSpace(channel)
	if channel == "" || channel == bus.NoChannel {
		b.log.Info("no channel set up for guild", "guild", guildID)
		b.dropped(ctx, guildID, "", "no_channel")
		return "", ErrNoChannel
	}
	return channel, nil
}

func (b *Broadcaster) isMuted(ctx context.Context, author string) (bool, error) {
	if b.mutes == nil {
		return false, nil
	}
	muted, err := b.mutes.IsMuted(ctx, author)
	if err != nil {
		return false, fmt.Errorf("mute lookup for %s: %w", author, err)
	}
	return muted, nil
}
