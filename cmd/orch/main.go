// Package main is the orch CLI: it runs the multi-agent orchestration
// server and administers a running instance.
//
// Start the server:
//
//	orch serve --config orch.yaml
//
// Administer a running instance:
//
//	orch reload-agents
//	orch flag set per_turn_rag percentage --percentage 25
//	orch breaker override <code>
//	orch cost daily --date 2026-08-01
//
// # Environment Variables
//
//   - REDIS_URL: Redis connection string (required for serve)
//   - DEFAULT_MODEL: model used when agents specify none
//   - DAILY_BUDGET_USD: process-wide daily spend cap
//   - AGENTS_DIR: directory of .agent definition files
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: provider credentials
//   - ORCH_URL: base URL of the running server (admin commands)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orchlabs/orch/internal/config"
)

// Exit codes. Scripts branch on these, so they are part of the CLI's
// contract.
const (
	exitOK           = 0
	exitError        = 1
	exitConfig       = 2
	exitConnectivity = 3
	exitValidation   = 4
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitErr carries a process exit code alongside the error.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *exitErr
	if errors.As(err, &coded) {
		return coded.code
	}
	var missing *config.MissingEnvError
	if errors.As(err, &missing) {
		return exitConfig
	}
	return exitError
}

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orch",
		Short:         "Multi-agent conversation orchestrator",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildReloadAgentsCmd(),
		buildFlagCmd(),
		buildBreakerCmd(),
		buildCostCmd(),
		buildApprovalCmd(),
	)
	return root
}
