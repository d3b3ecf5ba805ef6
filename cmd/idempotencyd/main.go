// Command idempotencyd runs a standalone HTTP server demonstrating the
// idempotency middleware end to end: a config-selected Store, a
// Tracker, Prometheus metrics, OpenTelemetry tracing, and a periodic
// pruner loop.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
