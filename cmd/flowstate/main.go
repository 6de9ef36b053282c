// Command flowstate runs a coordination node: the shared task board, message
// bus, heartbeat monitor and replication sync, with the agent API served as
// MCP tools over stdio and streamable HTTP.
package main

import (
	"fmt"
	"os"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
