// Command netclient sends requests through the pooled client runtime and
// serves its statistics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "netclient:", err)
		stop()
		os.Exit(1)
	}
}
