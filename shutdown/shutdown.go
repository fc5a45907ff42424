// Package shutdown ties process lifetime to the platform's termination
// signals.
package shutdown

import (
	"context"
	"os/signal"
)

// Context is cancelled on the first termination signal. Calling stop
// restores default signal handling, so a second signal kills the process.
func Context(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}
