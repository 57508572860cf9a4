package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orchlabs/orch/pkg/models"
)

func writeAgent(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const amyDef = `name: Amy
capabilities: finance, budgeting, runway
tools: calculator, spreadsheet
model: gpt-4o-mini
tier: cheap
priority: 10
---
You are Amy, the CFO. Answer with numbers.
`

const samDef = `name: Sam
capabilities: security, compliance
tier: premium
---
You are Sam, the CISO.
`

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "amy_cfo.agent", amyDef)
	writeAgent(t, dir, "sam_ciso.agent", samDef)
	writeAgent(t, dir, "notes.txt", "ignored")

	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	amy, err := r.Get("amy_cfo")
	if err != nil {
		t.Fatalf("Get amy: %v", err)
	}
	if amy.DisplayName != "Amy" || amy.Tier != models.TierCheap {
		t.Errorf("amy = %+v", amy)
	}
	if len(amy.CapabilityTags) != 3 || amy.CapabilityTags[1] != "budgeting" {
		t.Errorf("capabilities = %v", amy.CapabilityTags)
	}
	if !amy.HasTool("calculator") || amy.HasTool("shell") {
		t.Errorf("tools = %v", amy.ToolIDs)
	}
	if !strings.Contains(amy.SystemPrompt, "CFO") {
		t.Errorf("prompt = %q", amy.SystemPrompt)
	}

	sam, err := r.Get("sam_ciso")
	if err != nil {
		t.Fatal(err)
	}
	// Tier defaults to mid only when unset; sam declares premium.
	if sam.Tier != models.TierPremium {
		t.Errorf("sam tier = %s", sam.Tier)
	}

	if _, err := r.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	// Priority ordering: amy (10) before sam (0).
	list := r.List()
	if len(list) != 2 || list[0].ID != "amy_cfo" {
		t.Errorf("order = %v", []string{list[0].ID, list[1].ID})
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "bad.agent", "nmae: typo\n---\nprompt\n")
	if _, err := New(dir, nil); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("err = %v, want unknown key", err)
	}
}

func TestMissingSeparatorRejected(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "bad.agent", "name: NoBody\n")
	if _, err := New(dir, nil); err == nil || !strings.Contains(err.Error(), "---") {
		t.Fatalf("err = %v, want separator error", err)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "one.agent", "id: amy\n---\nprompt one\n")
	writeAgent(t, dir, "two.agent", "id: amy\n---\nprompt two\n")
	if _, err := New(dir, nil); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
}

func TestEmptyDirRejected(t *testing.T) {
	if _, err := New(t.TempDir(), nil); !errors.Is(err, ErrNoAgents) {
		t.Fatalf("err = %v, want ErrNoAgents", err)
	}
}

func TestReloadKeepsSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "amy_cfo.agent", amyDef)

	r, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Break the directory, then reload: the error must surface and the
	// old snapshot must keep serving.
	writeAgent(t, dir, "broken.agent", "bad header no colon\n---\nx\n")
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if _, err := r.Get("amy_cfo"); err != nil {
		t.Fatalf("previous snapshot gone: %v", err)
	}

	// Fixing the file makes reload succeed and pick up the new agent.
	writeAgent(t, dir, "broken.agent", "name: Fixed\n---\nprompt\n")
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("reload after fix: %v", err)
	}
	if _, err := r.Get("broken"); err != nil {
		t.Fatalf("new agent missing: %v", err)
	}
}
