// Package builtins provides the command packs this node serves.
//
// # Command Packs
//
// System pack (builtin:system):
//
//   - system.run: Run a command line and return its output and exit code
//   - system.which: Resolve an executable on PATH
//   - system.execApprovals.get: Return the exec approval policy
//   - system.execApprovals.set: Replace the exec approval policy
//
// Process pack (builtin:process):
//
//   - process.spawn: Start a background process
//   - process.poll: Snapshot a process's state and output
//   - process.list: List tracked processes
//   - process.kill: Terminate a process
//
// Canvas pack (builtin:canvas), registered only when the canvas is enabled:
//
//   - canvas.present: Show the canvas
//   - canvas.navigate: Load a URL in the canvas
//   - canvas.hide: Hide the canvas
//
// system.run and process.spawn are side-effecting and pass through the
// approval gate before their handlers run.
//
// # Registration
//
//	err := builtins.RegisterAll(registry, builtins.Deps{Gate: gate, Processes: procs, Canvas: canvas})
package builtins
