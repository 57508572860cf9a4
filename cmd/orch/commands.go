package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchlabs/orch/internal/breaker"
	"github.com/orchlabs/orch/internal/flags"
)

// defaultConfigPath is used when --config is not given. ORCH_CONFIG
// overrides it.
const defaultConfigPath = "orch.yaml"

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("ORCH_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the orchestration server.

The server connects to Redis, loads the agent registry, initializes the
configured model providers, and serves the HTTP, WebSocket, and SSE
surfaces until SIGINT or SIGTERM.`,
		Example: `  # Start with default config
  orch serve

  # Start with a custom config and debug logging
  orch serve --config /etc/orch/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildReloadAgentsCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "reload-agents",
		Short: "Reload agent definitions on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			var out struct {
				Agents   int    `json:"agents"`
				LoadedAt string `json:"loaded_at"`
			}
			if err := client.postJSON(cmd.Context(), "/admin/agents/reload", struct{}{}, &out); err != nil {
				return err
			}
			fmt.Printf("reloaded %d agents at %s\n", out.Agents, out.LoadedAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (default $ORCH_URL or "+defaultBaseURL+")")
	return cmd
}

func buildFlagCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flag",
		Short: "Manage feature flags on a running server",
	}

	var (
		serverURL  string
		disabled   bool
		percentage float64
		users      []string
		groups     []string
	)
	set := &cobra.Command{
		Use:   "set NAME STRATEGY",
		Short: "Set a flag's rollout strategy",
		Example: `  orch flag set per_turn_rag on
  orch flag set per_turn_rag percentage --percentage 25
  orch flag set hitl_approval user_whitelist --users amy,sam`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, strategy := args[0], args[1]
			if _, err := flags.ParseStrategy(strategy); err != nil {
				return &exitErr{exitValidation, err}
			}
			body := map[string]any{
				"enabled":    !disabled,
				"strategy":   strategy,
				"percentage": percentage,
				"users":      users,
				"groups":     groups,
			}
			client := newAPIClient(serverURL)
			var out map[string]any
			if err := client.putJSON(cmd.Context(), "/admin/flags/"+name, body, &out); err != nil {
				return err
			}
			fmt.Printf("flag %s set to %s\n", name, strategy)
			return nil
		},
	}
	set.Flags().StringVar(&serverURL, "server", "", "Server base URL")
	set.Flags().BoolVar(&disabled, "disabled", false, "Keep the flag defined but disabled")
	set.Flags().Float64Var(&percentage, "percentage", 0, "Rollout percentage for percentage strategies")
	set.Flags().StringSliceVar(&users, "users", nil, "User whitelist")
	set.Flags().StringSliceVar(&groups, "groups", nil, "Group whitelist")

	var listURL string
	list := &cobra.Command{
		Use:   "list",
		Short: "List flags and their evaluation counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(listURL)
			var out map[string]any
			if err := client.getJSON(cmd.Context(), "/admin/flags", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	list.Flags().StringVar(&listURL, "server", "", "Server base URL")

	root.AddCommand(set, list)
	return root
}

func buildBreakerCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and control the circuit breaker",
	}

	var statusURL string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show circuit state and active suspensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(statusURL)
			var out map[string]any
			if err := client.getJSON(cmd.Context(), "/admin/breaker", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	status.Flags().StringVar(&statusURL, "server", "", "Server base URL")

	var overrideURL string
	override := &cobra.Command{
		Use:   "override CODE [DURATION]",
		Short: "Force-close the circuit with an emergency override code",
		Long: `Force-close the circuit with an emergency override code.

Codes are HMAC-SHA256 over the current unix minute with the shared
override secret; generate one out of band with "orch breaker code".
The circuit stays forced closed for DURATION (default 15m), then
re-evaluates against the current budget state.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"code": args[0]}
			if len(args) == 2 {
				if _, err := time.ParseDuration(args[1]); err != nil {
					return &exitErr{exitValidation, fmt.Errorf("duration: %w", err)}
				}
				body["duration"] = args[1]
			}
			client := newAPIClient(overrideURL)
			var out struct {
				State string `json:"state"`
			}
			if err := client.postJSON(cmd.Context(), "/admin/breaker/override", body, &out); err != nil {
				return err
			}
			fmt.Printf("circuit %s\n", out.State)
			return nil
		},
	}
	override.Flags().StringVar(&overrideURL, "server", "", "Server base URL")

	var secret string
	code := &cobra.Command{
		Use:   "code",
		Short: "Generate an override code for the current minute",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("ORCH_OVERRIDE_SECRET")
			}
			if secret == "" {
				return &exitErr{exitConfig,
					fmt.Errorf("override secret required: pass --secret or set ORCH_OVERRIDE_SECRET")}
			}
			fmt.Println(breaker.OverrideCode(secret, time.Now().Unix()/60))
			return nil
		},
	}
	code.Flags().StringVar(&secret, "secret", "", "Shared override secret")

	var (
		suspendURL string
		duration   string
	)
	suspend := &cobra.Command{
		Use:   "suspend SCOPE",
		Short: "Suspend a provider or agent scope",
		Example: `  orch breaker suspend provider:openai --for 30m
  orch breaker suspend agent:amy_cfo --for 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := breaker.ParseScope(args[0]); err != nil {
				return &exitErr{exitValidation, err}
			}
			client := newAPIClient(suspendURL)
			var out map[string]any
			if err := client.postJSON(cmd.Context(), "/admin/breaker/suspend",
				map[string]string{"scope": args[0], "duration": duration}, &out); err != nil {
				return err
			}
			fmt.Printf("suspended %s until %s\n", out["scope"], out["until"])
			return nil
		},
	}
	suspend.Flags().StringVar(&suspendURL, "server", "", "Server base URL")
	suspend.Flags().StringVar(&duration, "for", "30m", "Suspension duration")

	root.AddCommand(status, override, code, suspend)
	return root
}

func buildCostCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cost",
		Short: "Inspect spend against budgets",
	}

	var (
		serverURL string
		date      string
	)
	daily := &cobra.Command{
		Use:   "daily",
		Short: "Show the daily spend aggregate",
		Example: `  orch cost daily
  orch cost daily --date 2026-08-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			path := "/admin/cost/daily"
			if date != "" {
				path += "?date=" + date
			}
			var out map[string]any
			if err := client.getJSON(cmd.Context(), path, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	daily.Flags().StringVar(&serverURL, "server", "", "Server base URL")
	daily.Flags().StringVar(&date, "date", "", "Date to query (YYYY-MM-DD, default today)")

	var convURL string
	conversation := &cobra.Command{
		Use:   "conversation ID",
		Short: "Show one conversation's cost analytics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(convURL)
			var out map[string]any
			if err := client.getJSON(cmd.Context(), "/v1/conversations/"+args[0]+"/cost", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	conversation.Flags().StringVar(&convURL, "server", "", "Server base URL")

	root.AddCommand(daily, conversation)
	return root
}

func buildApprovalCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "approval",
		Short: "Resolve pending human-in-the-loop approvals",
	}

	var serverURL string
	resolve := func(approve bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			var out map[string]any
			if err := client.postJSON(cmd.Context(), "/v1/approvals/"+args[0],
				map[string]bool{"approve": approve}, &out); err != nil {
				return err
			}
			fmt.Printf("approval %s %s\n", args[0], out["status"])
			return nil
		}
	}
	grant := &cobra.Command{
		Use:   "grant ID",
		Short: "Approve a held conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  resolve(true),
	}
	deny := &cobra.Command{
		Use:   "deny ID",
		Short: "Deny a held conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  resolve(false),
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "", "Server base URL")
	root.AddCommand(grant, deny)
	return root
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(data)))
	return nil
}
