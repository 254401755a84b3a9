// Hcom is a communication bus for AI coding agents.
//
// Agents register as named instances, exchange @-addressed messages
// through an append-only event log, and wake each other over a
// loopback TCP mesh. An optional MQTT relay extends the bus across
// devices. State lives under ~/.hcom (override with HCOM_DIR).
//
// Usage:
//
//	hcom start [--as NAME]        Register an instance
//	hcom send "@name hello"       Send a message
//	hcom listen                   Block until a message arrives
//	hcom list                     Show the roster
//	hcom events [--wait]          Query the event log
//	hcom relay new                Create a cross-device relay group
//	hcom daemon start             Run the relay daemon
//	hcom hook EVENT               Hook dispatch entry (JSON on stdin)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hcom-sh/hcom/internal/cli"
)

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates immediately to
// [cli.Run], keeping os.Exit and os.Args out of the application logic
// so the command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := cli.Run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
