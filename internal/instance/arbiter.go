// ABOUTME: Single-instance arbiter: acquire a named ownership lock, Global scope first, then Local.
// ABOUTME: Contention yields an OwnershipDeniedError naming the holder; every transition is logged.

package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrLocked is returned by a Locker when another owner holds the name.
	ErrLocked = errors.New("lock held by another owner")
	// ErrScopeUnavailable is returned by a Locker when the scope is not permitted.
	ErrScopeUnavailable = errors.New("lock scope unavailable")
	// ErrReleased is returned when releasing a lock twice.
	ErrReleased = errors.New("lock already released")
)

// Scope of a lock name.
type Scope string

const (
	ScopeGlobal Scope = "Global"
	ScopeLocal  Scope = "Local"
)

// Role of the launching process.
type Role string

const (
	RoleRunner  Role = "runner"
	RoleService Role = "service"
	RoleTray    Role = "tray"
)

// Domain is what a lock protects.
type Domain string

const (
	DomainNodeOwner Domain = "CovenNode.NodeOwner"
	DomainTray      Domain = "CovenNode.Tray.Singleton"
)

func (d Domain) describe() string {
	switch d {
	case DomainNodeOwner:
		return "node ownership"
	case DomainTray:
		return "tray singleton"
	default:
		return string(d)
	}
}

// Name returns the platform lock identifier, e.g. `Global\CovenNode.NodeOwner`.
func Name(d Domain, s Scope) string {
	return string(s) + `\` + string(d)
}

// LockState is the outcome of an acquisition.
type LockState string

const (
	StateAcquired            LockState = "acquired"
	StateAcquiredLocal       LockState = "acquired_local"
	StateDeniedExistingOwner LockState = "denied_existing_owner"
	StateReleased            LockState = "released"
)

// Owner identifies the process holding a lock.
type Owner struct {
	Role  Role      `json:"role"`
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

// Handle is a held OS lock.
type Handle interface {
	Release() error
}

// Locker is the platform lock primitive.
type Locker interface {
	// TryLock takes name in scope without blocking. It returns ErrLocked on
	// contention and ErrScopeUnavailable when the scope is not permitted.
	TryLock(name string, scope Scope, owner Owner) (Handle, error)
	// Holder reports the recorded owner of name, if any.
	Holder(name string, scope Scope) (Owner, bool)
}

// OwnershipDeniedError reports that another process owns the domain.
type OwnershipDeniedError struct {
	Domain Domain
	Role   Role  // the role that asked
	Scope  Scope // scope where contention was found
	Holder *Owner
}

func (e *OwnershipDeniedError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s held by another process", e.Domain.describe())
	}
	return fmt.Sprintf("%s held by %s (pid %d)", e.Domain.describe(), e.Holder.Role, e.Holder.PID)
}

// Lock is an acquired ownership lock.
type Lock struct {
	Domain Domain
	Scope  Scope
	Role   Role

	mu     sync.Mutex
	state  LockState
	handle Handle
	logger *slog.Logger
}

// State returns the lock's current state.
func (l *Lock) State() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Release gives up ownership.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateReleased {
		return ErrReleased
	}
	err := l.handle.Release()
	l.state = StateReleased
	l.logger.Info("instance lock released",
		"domain", l.Domain,
		"scope", l.Scope,
		"role", l.Role,
	)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", Name(l.Domain, l.Scope), err)
	}
	return nil
}

// Arbiter acquires ownership locks for this process.
type Arbiter struct {
	locker Locker
	logger *slog.Logger
	pid    int
	now    func() time.Time
}

// NewArbiter creates an Arbiter over locker.
func NewArbiter(locker Locker, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		locker: locker,
		logger: logger.With("component", "instance"),
		pid:    os.Getpid(),
		now:    time.Now,
	}
}

// Acquire takes domain for role, trying Global scope and then Local.
func (a *Arbiter) Acquire(domain Domain, role Role) (*Lock, error) {
	owner := Owner{Role: role, PID: a.pid, Since: a.now().UTC()}

	h, err := a.locker.TryLock(Name(domain, ScopeGlobal), ScopeGlobal, owner)
	switch {
	case err == nil:
		return a.acquired(domain, ScopeGlobal, role, h, StateAcquired), nil
	case errors.Is(err, ErrLocked):
		return nil, a.denied(domain, ScopeGlobal, role)
	case errors.Is(err, ErrScopeUnavailable):
		a.logger.Info("global instance lock not permitted, falling back to local",
			"domain", domain,
			"role", role,
			"error", err,
		)
	default:
		return nil, fmt.Errorf("acquiring %s: %w", Name(domain, ScopeGlobal), err)
	}

	h, err = a.locker.TryLock(Name(domain, ScopeLocal), ScopeLocal, owner)
	switch {
	case err == nil:
		return a.acquired(domain, ScopeLocal, role, h, StateAcquiredLocal), nil
	case errors.Is(err, ErrLocked):
		return nil, a.denied(domain, ScopeLocal, role)
	default:
		return nil, fmt.Errorf("acquiring %s: %w", Name(domain, ScopeLocal), err)
	}
}

func (a *Arbiter) acquired(domain Domain, scope Scope, role Role, h Handle, state LockState) *Lock {
	a.logger.Info("instance lock acquired",
		"domain", domain,
		"scope", scope,
		"role", role,
		"state", state,
		"pid", a.pid,
	)
	return &Lock{
		Domain: domain,
		Scope:  scope,
		Role:   role,
		state:  state,
		handle: h,
		logger: a.logger,
	}
}

func (a *Arbiter) denied(domain Domain, scope Scope, role Role) error {
	e := &OwnershipDeniedError{Domain: domain, Role: role, Scope: scope}
	if holder, ok := a.locker.Holder(Name(domain, scope), scope); ok {
		e.Holder = &holder
	}

	attrs := []any{
		"domain", domain,
		"scope", scope,
		"role", role,
		"state", StateDeniedExistingOwner,
	}
	if e.Holder != nil {
		attrs = append(attrs, "holder_role", e.Holder.Role, "holder_pid", e.Holder.PID)
	}
	a.logger.Warn("instance lock denied", attrs...)
	return e
}
