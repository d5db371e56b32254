// Package instance arbitrates which process owns this machine's node identity.
//
// Three launch roles compete for ownership: the interactive runner, the
// background service and the tray helper. Ownership is a named lock in one of
// two scopes. Global covers every session on the machine and is tried first;
// Local covers the current user session and is used when Global is not
// permitted. Locks use the same identifiers on every platform:
//
//	Global\CovenNode.NodeOwner      Local\CovenNode.NodeOwner
//	Global\CovenNode.Tray.Singleton Local\CovenNode.Tray.Singleton
//
// On Windows these are named kernel mutexes. Elsewhere each name maps to a
// lock file held with flock, in a shared directory for Global and in the
// user's runtime directory for Local. The holder's role and pid are recorded
// next to the lock so a denied launch can say who owns the domain.
//
// Acquisition never blocks and never retries; what to do on denial is the
// caller's decision.
package instance
