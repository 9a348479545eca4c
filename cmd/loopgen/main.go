// Package main is the entry point for the loopgen CLI.
//
// Usage:
//
//	loopgen [flags] <command> [args]
//
// Commands:
//
//	chunks   - Inspect the chunk database (list, stats)
//	train    - Assemble batches and drive a model runtime
//	serve    - Serve a checkpoint over HTTP and websocket
//	vamp     - Regenerate part of a loop through a serving endpoint
//	export   - Copy a checkpoint between stores
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/loopgen/loopgen/cmd/loopgen/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
