package relay

import (
	"context"
	"log/slog"
	"strconv"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/logger"
	"wynnbridge/pkg/session"
)

// Queue is the consuming side of the relay outbox.
type Queue interface {
	ConsumeRelay(ctx context.Context) (bus.OutboundRelay, bool)
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// SinkSource returns the current platform sink.
type SinkSource interface {
	Sink() (*session.Session, bool)
}

// Pump drains queued relay messages to the platform sink in queue order.
type Pump struct {
	queue Queue
	sinks SinkSource
	log   *slog.Logger
}

func NewPump(queue Queue, sinks SinkSource, log *slog.Logger) *Pump {
	if log == nil {
		log = logger.Discard()
	}
	return &Pump{queue: queue, sinks: sinks, log: log.With("component", "relay.pump")}
}

// Run delivers until ctx is done or the queue closes.
func (p *Pump) Run(ctx context.Context) error {
	for {
		msg, ok := p.queue.ConsumeRelay(ctx)
		if !ok {
			return nil
		}
		p.deliver(ctx, msg)
	}
}

func (p *Pump) deliver(ctx context.Context, msg bus.OutboundRelay) {
	event := bus.Event{
		GuildID: msg.GuildID,
		Payload: map[string]string{
			"source":   msg.Source,
			"position": strconv.FormatUint(msg.Position, 10),
			"channel":  msg.Message.ListeningChannel,
		},
	}

	sink, ok := p.sinks.Sink()
	if !ok {
		p.log.Info("relay dropped, no sink connected", "guild", msg.GuildID, "source", msg.Source, "position", msg.Position)
		event.Type = bus.EventRelayDropped
		event.Error = ErrNoSink.Error()
		event.Payload["reason"] = "no_sink"
		p.queue.PublishEvent(ctx, event)
		return
	}

	event.ConnID = sink.ID
	if err := sink.Conn().Deliver(bus.WireChat, msg.Message); err != nil {
		p.log.Warn("relay delivery to sink failed", "guild", msg.GuildID, "conn_id", sink.ID, "error", err)
		event.Type = bus.EventRelayDropped
		event.Error = err.Error()
		event.Payload["reason"] = "sink_error"
		p.queue.PublishEvent(ctx, event)
		return
	}

	event.Type = bus.EventRelayEmitted
	p.queue.PublishEvent(ctx, event)
}
