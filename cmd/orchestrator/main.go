package main

// ============================================================================
// Orchestrator entry point
// ============================================================================
//
// All command logic lives in internal/cli; main only builds the root command,
// stamps the version and turns a panic or command error into exit status 1.
//
// Build:
//   go build -o bin/orchestrator ./cmd/orchestrator
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/orchestrator
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/travisdw72/onebarn-ai-sub006/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
