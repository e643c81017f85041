package relay

import (
	"context"
	"strings"

	"wynnbridge/pkg/bus"
)

// StaticChannels resolves guilds from a fixed map before asking Fallback.
type StaticChannels struct {
	Channels map[string]string
	Fallback ChannelResolver
}

func (c StaticChannels) ChannelForGuild(ctx context.Context, guildID string) (string, error) {
	if channel := strings.TrimSpace(c.Channels[guildID]); channel != "" {
		return channel, nil
	}
	if c.Fallback == nil {
		return bus.NoChannel, nil
	}
	return c.Fallback.ChannelForGuild(ctx, guildID)
}
