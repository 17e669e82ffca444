package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownSignals are the signals that move the gateway into ShuttingDown.
var ShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

func WithSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, ShutdownSignals...)
}
