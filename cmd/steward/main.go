// Package main provides the entry point for the steward CLI.
package main

import (
	"fmt"
	"os"

	"github.com/steward-ai/steward/cmd/steward/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
