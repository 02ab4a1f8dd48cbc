// Package channels hosts messaging platform integrations. A channel gives a
// user a second surface besides the dashboard: chat with their agent and
// receive heartbeat notifications.
package channels

import (
	"context"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
