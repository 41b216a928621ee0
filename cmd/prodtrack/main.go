// Command prodtrack is a command-line client for the production tracking API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information set via ldflags during build
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
