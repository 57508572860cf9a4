// Package registry loads agent descriptors from a directory of
// definition files and serves them with atomic reload.
//
// Definition file format (one agent per .agent file):
//
//	name: Amy
//	capabilities: finance, budgeting, runway
//	tools: calculator, spreadsheet
//	model: gpt-4o-mini
//	tier: cheap
//	---
//	You are Amy, the CFO. ...
//
// The header is `key: value` lines, terminated by a `---` line; the
// remainder of the file is the system prompt. The agent ID defaults to
// the file name without extension; an explicit `id:` key overrides it,
// and duplicate IDs across files fail the load. Unknown header keys
// are rejected so typos
// fail loudly at load time instead of silently dropping capability.
package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/pkg/models"
)

// Errors.
var (
	// ErrNotFound reports an unknown agent ID.
	ErrNotFound = errors.New("registry: agent not found")

	// ErrNoAgents reports an empty agents directory.
	ErrNoAgents = errors.New("registry: no agent definitions found")
)

// headerKeys is the closed set of accepted header keys.
var headerKeys = map[string]bool{
	"id":           true,
	"name":         true,
	"capabilities": true,
	"tools":        true,
	"model":        true,
	"tier":         true,
	"priority":     true,
}

// Registry serves agent descriptors. Reload builds a complete new
// snapshot and swaps it in one step, so readers never observe a
// half-loaded directory; a failed reload leaves the previous snapshot
// serving.
type Registry struct {
	dir    string
	logger *observability.Logger

	mu       sync.RWMutex
	agents   map[string]*models.AgentDescriptor
	order    []string
	priority map[string]int
	loadedAt time.Time

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a registry and performs the initial load.
func New(dir string, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Registry{
		dir:    dir,
		logger: logger,
		stop:   make(chan struct{}),
	}
	if err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the agents directory. On any parse error the current
// snapshot stays in place and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read agents dir %s: %w", r.dir, err)
	}

	agents := map[string]*models.AgentDescriptor{}
	priority := map[string]int{}
	var order []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".agent") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		desc, prio, err := parseFile(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if _, dup := agents[desc.ID]; dup {
			return fmt.Errorf("parse %s: duplicate agent id %q", entry.Name(), desc.ID)
		}
		agents[desc.ID] = desc
		priority[desc.ID] = prio
		order = append(order, desc.ID)
	}
	if len(agents) == 0 {
		return fmt.Errorf("%w in %s", ErrNoAgents, r.dir)
	}

	// Registration order: priority descending, then file name.
	sort.SliceStable(order, func(i, j int) bool {
		if priority[order[i]] != priority[order[j]] {
			return priority[order[i]] > priority[order[j]]
		}
		return order[i] < order[j]
	})

	r.mu.Lock()
	r.agents = agents
	r.order = order
	r.priority = priority
	r.loadedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Info(ctx, "agent registry loaded", "agents", len(agents), "dir", r.dir)
	return nil
}

// parseFile parses one agent definition file.
func parseFile(path string) (*models.AgentDescriptor, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	id := strings.TrimSuffix(filepath.Base(path), ".agent")
	desc := &models.AgentDescriptor{ID: id, Tier: models.TierMid}
	prio := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inHeader := true
	var prompt strings.Builder
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !inHeader {
			prompt.WriteString(text)
			prompt.WriteByte('\n')
			continue
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "---" {
			inHeader = false
			continue
		}
		if trimmed == "" {
			continue
		}
		key, value, found := strings.Cut(trimmed, ":")
		if !found {
			return nil, 0, fmt.Errorf("line %d: expected 'key: value', got %q", line, trimmed)
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		if !headerKeys[key] {
			return nil, 0, fmt.Errorf("line %d: unknown key %q", line, key)
		}
		switch key {
		case "id":
			if value == "" {
				return nil, 0, fmt.Errorf("line %d: empty id", line)
			}
			desc.ID = value
		case "name":
			desc.DisplayName = value
		case "capabilities":
			desc.CapabilityTags = splitList(value)
		case "tools":
			desc.ToolIDs = splitList(value)
		case "model":
			desc.DefaultModel = value
		case "tier":
			switch models.CostTier(value) {
			case models.TierCheap, models.TierMid, models.TierPremium:
				desc.Tier = models.CostTier(value)
			default:
				return nil, 0, fmt.Errorf("line %d: unknown tier %q", line, value)
			}
		case "priority":
			if _, err := fmt.Sscanf(value, "%d", &prio); err != nil {
				return nil, 0, fmt.Errorf("line %d: priority must be an integer, got %q", line, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if inHeader {
		return nil, 0, errors.New("missing '---' separator before system prompt")
	}

	desc.SystemPrompt = strings.TrimSpace(prompt.String())
	if desc.SystemPrompt == "" {
		return nil, 0, errors.New("empty system prompt")
	}
	if desc.DisplayName == "" {
		desc.DisplayName = desc.ID
	}
	return desc, prio, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the descriptor for an agent ID.
func (r *Registry) Get(id string) (*models.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns all descriptors in registration order (priority
// descending, then name).
func (r *Registry) List() []*models.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Priority returns an agent's registration priority.
func (r *Registry) Priority(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.priority[id]
}

// LoadedAt returns when the current snapshot was loaded.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// Watch starts an fsnotify watcher on the agents directory and reloads
// on changes, debounced to one reload per settle window. Failed reloads
// log and keep the previous snapshot.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		const settle = 250 * time.Millisecond
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(settle)
					timerC = timer.C
				} else {
					timer.Reset(settle)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn(ctx, "agents watcher error", "error", err.Error())
			case <-timerC:
				timer = nil
				timerC = nil
				if err := r.Reload(ctx); err != nil {
					r.logger.Error(ctx, "agent reload failed, keeping previous snapshot", "error", err.Error())
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
