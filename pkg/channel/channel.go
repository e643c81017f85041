package channel

import (
	"context"

	"wynnbridge/pkg/bus"
	"wynnbridge/pkg/session"
)

// Bridge is the relay surface an in-process platform adapter drives.
type Bridge interface {
	// RegisterSink makes conn the platform sink until release is called.
	RegisterSink(conn session.Conn, label string) (release func())
	// HandlePlatformMessage delivers msg into its guild's room. Notices for
	// the sender go back through origin.
	HandlePlatformMessage(ctx context.Context, origin session.Conn, msg bus.PlatformMessage) error
}

// Adapter bridges one external messaging platform (for example Telegram)
// into the relay as its sink.
type Adapter interface {
	Name() string
	Run(context.Context, Bridge) error
}
