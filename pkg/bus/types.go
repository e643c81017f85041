package bus

import (
	"encoding/json"
	"fmt"
)

// NoChannel is the channel resolver result for a guild without an output channel.
const NoChannel = "none"

// Wire event names shared by the gateway, the sink tools and the agent simulator.
const (
	WireChat         = "wynnMessage"
	WireHR           = "hrMessage"
	WirePlatformOnly = "discordOnlyWynnMessage"
	WirePlatform     = "discordMessage"
	WireSync         = "sync"
	WireListOnline   = "listOnline"
)

// RelayMessage is delivered to the platform sink.
type RelayMessage struct {
	MessageType      int    `json:"MessageType"`
	HeaderContent    string `json:"HeaderContent"`
	TextContent      string `json:"TextContent"`
	ListeningChannel string `json:"ListeningChannel"`
}

// PlatformMessage travels from the platform sink into a guild room.
type PlatformMessage struct {
	Author  string `json:"Author"`
	Content string `json:"Content"`
	GuildID string `json:"WynnGuildId"`
}

// OutboundRelay is a queued RelayMessage with its origin for logs and events.
type OutboundRelay struct {
	GuildID  string
	Source   string
	Position uint64
	Message  RelayMessage
}

// Frame is the websocket envelope for every event in both directions.
// RequestID pairs a listOnline request with its response.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame encodes payload into a frame of type event.
func NewFrame(event string, payload any) (Frame, error) {
	frame := Frame{Type: event}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame.Payload = raw
	return frame, nil
}
