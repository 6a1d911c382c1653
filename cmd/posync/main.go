// Package main is the posync entry point: the till sync daemon and its
// operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/posync/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := cli.NewRootCommand(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
