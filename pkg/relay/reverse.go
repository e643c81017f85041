package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/session"
)

// MutedNotice is returned to a sink whose message author is muted.
var MutedNotice = bus.PlatformMessage{Author: "SYSTEM", Content: "You are muted.", GuildID: ""}

var invisibles = strings.NewReplacer(
	"\u200c", "",
	"\u2064", "",
	"Á", "",
	"À", "",
	"֎", "",
)

// Sanitize removes the characters the game client renders as formatting or
// uses to spoof system text.
func Sanitize(content string) string {
	return invisibles.Replace(content)
}

// HandlePlatformMessage delivers a structured platform message to its
// guild's room, or returns MutedNotice to origin when the author is muted.
func (b *Broadcaster) HandlePlatformMessage(ctx context.Context, origin session.Conn, msg bus.PlatformMessage) error {
	muted, err := b.isMuted(ctx, msg.Author)
	if err != nil {
		return err
	}
	if muted {
		b.log.Info("muted platform message dropped", "guild", msg.GuildID, "author", msg.Author)
		b.dropped(ctx, msg.GuildID, origin.ID(), "muted")
		if err := origin.Deliver(bus.WirePlatform, MutedNotice); err != nil {
			return fmt.Errorf("deliver muted notice: %w", err)
		}
		return ErrMuted
	}

	msg.Content = Sanitize(msg.Content)
	delivered, err := b.sessions.Broadcast(msg.GuildID, bus.WirePlatform, msg)
	if errors.Is(err, session.ErrUnknownGuild) {
		b.log.Info("platform message for guild without agents", "guild", msg.GuildID, "author", msg.Author)
		return nil
	}
	if err != nil {
		return fmt.Errorf("broadcast to %s: %w", msg.GuildID, err)
	}

	b.log.Info("platform message delivered", "guild", msg.GuildID, "author", msg.Author, "agents", delivered)
	return nil
}
