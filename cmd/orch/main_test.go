package main

import (
	"errors"
	"testing"

	"github.com/orchlabs/orch/internal/config"
	"github.com/orchlabs/orch/internal/flags"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"plain", errors.New("boom"), exitError},
		{"coded", &exitErr{exitConnectivity, errors.New("refused")}, exitConnectivity},
		{"missing env", &config.MissingEnvError{Names: []string{"REDIS_URL"}}, exitConfig},
		{"wrapped coded", errors.Join(errors.New("outer"), &exitErr{exitValidation, errors.New("bad date")}), exitValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Errorf("exitCode = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFlagsFromConfig(t *testing.T) {
	got := flagsFromConfig([]config.FlagConfig{
		{
			Name:     "per_turn_rag",
			Enabled:  true,
			Strategy: "percentage",
			Params:   map[string]any{"percentage": 25, "users": []any{"amy", "sam"}},
		},
	})
	if len(got) != 1 {
		t.Fatalf("flags = %d", len(got))
	}
	f := got[0]
	if f.Strategy != flags.StrategyPercentage || f.Percentage != 25 {
		t.Errorf("flag = %+v", f)
	}
	if len(f.Users) != 2 || f.Users[0] != "amy" {
		t.Errorf("users = %v", f.Users)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	t.Setenv("ORCH_CONFIG", "/etc/orch/orch.yaml")
	if got := resolveConfigPath(""); got != "/etc/orch/orch.yaml" {
		t.Errorf("env path = %q", got)
	}
	t.Setenv("ORCH_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("default path = %q", got)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"serve", "reload-agents", "flag", "breaker", "cost", "approval"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q missing: %v", name, err)
		}
	}
}
