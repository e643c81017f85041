package gateway

import (
	"context"
	"log/slog"
	"time"

	"wynnbridge/pkg/bus"
)

func observeEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	log = log.With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"guild", event.GuildID,
		"conn_id", event.ConnID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventSideEffectFailed:
		log.Error("Relay event", append(attrs, "error", event.Error)...)
	case bus.EventAgentConnected, bus.EventAgentDisconnected:
		log.Info("Relay event", attrs...)
	case bus.EventRelayDropped:
		log.Debug("Relay event", append(attrs, "error", event.Error)...)
	default:
		log.Debug("Relay event", attrs...)
	}
}
