// Command snapcache inspects and maintains a snapshot cache store: it warm
// starts or rebuilds the cache from a JSON-lines export, dumps the tree,
// prints store statistics and serves content and metrics over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
