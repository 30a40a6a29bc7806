package main

import (
	"fmt"
	"os"
)

// main runs the opsis-agent command tree.
// Params: CLI arguments.
// Returns: process exit code by command result.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
