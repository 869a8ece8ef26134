// Package main is the entry point for the devloop CLI.
package main

import (
	"fmt"
	"os"

	"devloop/cmd"
	"devloop/internal/errs"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	cmd.SetVersion(versionString)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devloop:", err)
		os.Exit(errs.ExitCodeFor(err))
	}
}
