package main

import (
	"os"

	_ "time/tzdata" // embed IANA timezone database for containers without tzdata

	"github.com/mcp-router/gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
