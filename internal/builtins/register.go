// ABOUTME: Registers the builtin packs the node is configured to serve.
// ABOUTME: A nil dependency leaves its pack unregistered.

package builtins

import (
	"log/slog"

	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/store"
)

// Deps are the collaborators the builtin packs act on.
type Deps struct {
	Policies  PolicyHolder // system pack
	Processes Processes    // process pack
	Canvas    Canvas       // canvas pack
	Audit     store.AuditLog
	Logger    *slog.Logger
}

// RegisterAll registers every pack whose dependency is set.
func RegisterAll(r *dispatch.Registry, deps Deps) error {
	var packs []*dispatch.Pack
	if deps.Policies != nil {
		packs = append(packs, SystemPack(deps.Policies, deps.Audit, deps.Logger))
	}
	if deps.Processes != nil {
		packs = append(packs, ProcessPack(deps.Processes))
	}
	if deps.Canvas != nil {
		packs = append(packs, CanvasPack(deps.Canvas))
	}
	for _, p := range packs {
		if err := r.RegisterPack(p); err != nil {
			return err
		}
	}
	return nil
}
