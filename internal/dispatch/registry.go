// ABOUTME: Thread-safe registry of command packs and the commands they provide.
// ABOUTME: Command names are global; registering a name twice is a collision.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-node/internal/protocol"
)

// ErrCommandCollision indicates a command name already exists in another pack.
var ErrCommandCollision = errors.New("command name collision")

// Handler executes one command. The returned value is marshaled as the result
// payload; a returned error becomes an ok=false result.
type Handler func(ctx context.Context, inv *protocol.Invocation, params json.RawMessage) (any, error)

// Command is a named operation the node advertises to the gateway.
type Command struct {
	Name        string
	Description string
	// SideEffect commands are checked by the approval gate before running.
	SideEffect bool
	// Argv extracts the command line the gate checks. Required for SideEffect commands.
	Argv    func(params json.RawMessage) ([]string, error)
	Handler Handler
}

// Pack is a group of commands registered together.
type Pack struct {
	ID       string
	Commands []*Command
}

type entry struct {
	cmd    *Command
	packID string
}

// Registry maps command names to handlers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*entry
	packs    map[string]int
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*entry),
		packs:    make(map[string]int),
		logger:   logger,
	}
}

// RegisterPack adds every command in p. Nothing is registered when any name collides.
func (r *Registry) RegisterPack(p *Pack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(p.Commands))
	for _, cmd := range p.Commands {
		if cmd.Name == "" || cmd.Handler == nil {
			return fmt.Errorf("pack %s: command must have a name and handler", p.ID)
		}
		if cmd.SideEffect && cmd.Argv == nil {
			return fmt.Errorf("pack %s: side-effect command %s needs an argv extractor", p.ID, cmd.Name)
		}
		if existing, ok := r.commands[cmd.Name]; ok {
			return fmt.Errorf("%w: command '%s' already registered by pack '%s'",
				ErrCommandCollision, cmd.Name, existing.packID)
		}
		if _, dup := seen[cmd.Name]; dup {
			return fmt.Errorf("%w: command '%s' listed twice in pack '%s'", ErrCommandCollision, cmd.Name, p.ID)
		}
		seen[cmd.Name] = struct{}{}
	}

	for _, cmd := range p.Commands {
		r.commands[cmd.Name] = &entry{cmd: cmd, packID: p.ID}
	}
	r.packs[p.ID] += len(p.Commands)

	r.logger.Info("=== PACK REGISTERED ===",
		"pack_id", p.ID,
		"command_count", len(p.Commands),
		"total_commands", len(r.commands),
	)
	return nil
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.commands[name]
	if !ok {
		return nil, false
	}
	return e.cmd, true
}

// Names returns every registered command name, sorted. This is the list
// advertised in the connect handshake.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Packs returns the registered pack ids, sorted.
func (r *Registry) Packs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.packs))
	for id := range r.packs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
