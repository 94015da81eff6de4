package channels

import (
	"context"
	"time"
)

// Listener defines the interface for a message-source integration.
type Listener interface {
	// Name returns the unique name of the listener (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Sink receives every observed channel message. The capture controller
// implements it; a listener never decides routing or storage itself.
type Sink interface {
	OnMessage(ctx context.Context, channelID string, messageID int64, text string, observedAt time.Time)
}
