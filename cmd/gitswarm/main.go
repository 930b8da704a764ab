package main

import (
	"os"

	"github.com/gitswarm/gitswarm/cmd/gitswarm/commands"
	"github.com/gitswarm/gitswarm/internal/printer"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		os.Exit(printer.ExitCode(err))
	}
}
