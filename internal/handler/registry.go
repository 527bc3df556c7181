package handler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Bigsy/mcpkit/internal/logging"
)

// registry is the shared routing map behind the elicitation and approval
// registries: entries keyed by request id, optionally namespaced by an
// owner tag so concurrent sessions never collide. One mutex guards the
// map; timers never run while it is held.
type registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*regEntry[T]
	logger  *slog.Logger
}

type regEntry[T any] struct {
	value T
	timer *time.Timer
}

func newRegistry[T any](name string) *registry[T] {
	return &registry[T]{
		entries: make(map[string]*regEntry[T]),
		logger:  logging.Get().With("registry", name),
	}
}

// scopedKey namespaces an id by owner. The empty owner is the default
// namespace.
func scopedKey(owner, id string) string {
	if owner == "" {
		return id
	}
	return owner + "\x00" + id
}

func (r *registry[T]) store(owner, id string, value T, timer *time.Timer) {
	r.mu.Lock()
	if prev, ok := r.entries[scopedKey(owner, id)]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	r.entries[scopedKey(owner, id)] = &regEntry[T]{value: value, timer: timer}
	r.mu.Unlock()
}

func (r *registry[T]) retrieve(owner, id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[scopedKey(owner, id)]
	if !ok {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// take removes and returns the entry, stopping its timer.
func (r *registry[T]) take(owner, id string) (T, bool) {
	r.mu.Lock()
	entry, ok := r.entries[scopedKey(owner, id)]
	if ok {
		delete(r.entries, scopedKey(owner, id))
	}
	r.mu.Unlock()
	if !ok {
		var zero T
		r.logger.Warn("no pending entry for id", "owner", owner, "id", id)
		return zero, false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry.value, true
}

func (r *registry[T]) remove(owner, id string) {
	_, _ = r.take(owner, id)
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*regEntry[T])
	r.mu.Unlock()
	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

func (r *registry[T]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// releaseOwner drops every entry in an owner's namespace.
func (r *registry[T]) releaseOwner(owner string) {
	prefix := owner + "\x00"
	r.mu.Lock()
	var dropped []*regEntry[T]
	for key, entry := range r.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			dropped = append(dropped, entry)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()
	for _, entry := range dropped {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

// ---- elicitation registry ----

// ElicitationRegistry tracks pending elicitations by request id so that
// code outside the session (a UI, a job worker) can resolve them later.
type ElicitationRegistry struct {
	reg *registry[*Elicitation]
}

// NewElicitationRegistry returns an isolated registry. Production code
// uses the process-wide Elicitations value.
func NewElicitationRegistry() *ElicitationRegistry {
	return &ElicitationRegistry{reg: newRegistry[*Elicitation]("elicitation")}
}

// Elicitations is the process-wide elicitation registry.
var Elicitations = NewElicitationRegistry()

// Store records a pending elicitation in the default namespace.
func (r *ElicitationRegistry) Store(id string, e *Elicitation) { r.reg.store("", id, e, nil) }

// Retrieve returns the pending elicitation without removing it.
func (r *ElicitationRegistry) Retrieve(id string) (*Elicitation, bool) { return r.reg.retrieve("", id) }

// Remove drops the entry without settling it.
func (r *ElicitationRegistry) Remove(id string) { r.reg.remove("", id) }

// Complete resolves the pending elicitation with the user's answer. The
// answer is schema-validated; a violation rejects instead and the error
// is returned. Unknown ids warn and are a no-op.
func (r *ElicitationRegistry) Complete(id string, response any) error {
	e, ok := r.reg.take("", id)
	if !ok {
		return nil
	}
	return e.Complete(response)
}

// Reject resolves the pending elicitation with a rejection.
func (r *ElicitationRegistry) Reject(id, reason string) {
	if e, ok := r.reg.take("", id); ok {
		e.Response.Reject(reason)
	}
}

// Cancel resolves the pending elicitation with a cancellation.
func (r *ElicitationRegistry) Cancel(id, reason string) {
	if e, ok := r.reg.take("", id); ok {
		e.Response.Cancel(reason)
	}
}

// Clear drops every entry.
func (r *ElicitationRegistry) Clear() { r.reg.clear() }

// Size returns the number of pending elicitations.
func (r *ElicitationRegistry) Size() int { return r.reg.size() }

// ForOwner returns a view scoped to an owner tag. Scoped ids live in an
// independent namespace that still resolves through this registry.
func (r *ElicitationRegistry) ForOwner(owner string) *ScopedElicitations {
	return &ScopedElicitations{reg: r.reg, owner: owner}
}

// Release drops every entry in an owner's namespace.
func (r *ElicitationRegistry) Release(owner string) { r.reg.releaseOwner(owner) }

// ScopedElicitations is an owner-scoped view of an ElicitationRegistry.
type ScopedElicitations struct {
	reg   *registry[*Elicitation]
	owner string
}

// Store records a pending elicitation under the owner's namespace.
func (s *ScopedElicitations) Store(id string, e *Elicitation) { s.reg.store(s.owner, id, e, nil) }

// Retrieve returns the pending elicitation without removing it.
func (s *ScopedElicitations) Retrieve(id string) (*Elicitation, bool) {
	return s.reg.retrieve(s.owner, id)
}

// Remove drops the entry without settling it.
func (s *ScopedElicitations) Remove(id string) { s.reg.remove(s.owner, id) }

// Complete resolves the pending elicitation with the user's answer.
func (s *ScopedElicitations) Complete(id string, response any) error {
	e, ok := s.reg.take(s.owner, id)
	if !ok {
		return nil
	}
	return e.Complete(response)
}

// Reject resolves the pending elicitation with a rejection.
func (s *ScopedElicitations) Reject(id, reason string) {
	if e, ok := s.reg.take(s.owner, id); ok {
		e.Response.Reject(reason)
	}
}

// Cancel resolves the pending elicitation with a cancellation.
func (s *ScopedElicitations) Cancel(id, reason string) {
	if e, ok := s.reg.take(s.owner, id); ok {
		e.Response.Cancel(reason)
	}
}

// ---- approval registry ----

// ApprovalRegistry tracks pending human-in-the-loop approvals by request
// id.
type ApprovalRegistry struct {
	reg *registry[*Approval]
}

// NewApprovalRegistry returns an isolated registry. Production code uses
// the process-wide Approvals value.
func NewApprovalRegistry() *ApprovalRegistry {
	return &ApprovalRegistry{reg: newRegistry[*Approval]("approval")}
}

// Approvals is the process-wide approval registry.
var Approvals = NewApprovalRegistry()

// Store records a pending approval. A positive timeout denies the
// approval automatically when it expires.
func (r *ApprovalRegistry) Store(id string, a *Approval, timeout time.Duration) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if pending, ok := r.reg.take("", id); ok {
				pending.Decision.Reject(ErrApprovalTimedOut)
			}
		})
	}
	r.reg.store("", id, a, timer)
}

// Retrieve returns the pending approval without removing it.
func (r *ApprovalRegistry) Retrieve(id string) (*Approval, bool) { return r.reg.retrieve("", id) }

// Approve resolves the pending approval positively.
func (r *ApprovalRegistry) Approve(id string) {
	if a, ok := r.reg.take("", id); ok {
		a.Decision.Resolve(true)
	}
}

// Deny resolves the pending approval negatively with an optional reason.
func (r *ApprovalRegistry) Deny(id, reason string) {
	if a, ok := r.reg.take("", id); ok {
		if reason == "" {
			a.Decision.Reject(ErrApprovalDenied)
		} else {
			a.Decision.Reject(&DeniedError{Reason: reason})
		}
	}
}

// Remove drops the entry without settling it.
func (r *ApprovalRegistry) Remove(id string) { r.reg.remove("", id) }

// Clear drops every entry.
func (r *ApprovalRegistry) Clear() { r.reg.clear() }

// Size returns the number of pending approvals.
func (r *ApprovalRegistry) Size() int { return r.reg.size() }

// ForOwner returns a view scoped to an owner tag.
func (r *ApprovalRegistry) ForOwner(owner string) *ScopedApprovals {
	return &ScopedApprovals{parent: r, reg: r.reg, owner: owner}
}

// Release drops every entry in an owner's namespace.
func (r *ApprovalRegistry) Release(owner string) { r.reg.releaseOwner(owner) }

// ScopedApprovals is an owner-scoped view of an ApprovalRegistry.
type ScopedApprovals struct {
	parent *ApprovalRegistry
	reg    *registry[*Approval]
	owner  string
}

// Store records a pending approval under the owner's namespace.
func (s *ScopedApprovals) Store(id string, a *Approval, timeout time.Duration) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if pending, ok := s.reg.take(s.owner, id); ok {
				pending.Decision.Reject(ErrApprovalTimedOut)
			}
		})
	}
	s.reg.store(s.owner, id, a, timer)
}

// Retrieve returns the pending approval without removing it.
func (s *ScopedApprovals) Retrieve(id string) (*Approval, bool) { return s.reg.retrieve(s.owner, id) }

// Approve resolves the pending approval positively.
func (s *ScopedApprovals) Approve(id string) {
	if a, ok := s.reg.take(s.owner, id); ok {
		a.Decision.Resolve(true)
	}
}

// Remove drops the entry without settling it.
func (s *ScopedApprovals) Remove(id string) { s.reg.remove(s.owner, id) }

// Deny resolves the pending approval negatively.
func (s *ScopedApprovals) Deny(id, reason string) {
	if a, ok := s.reg.take(s.owner, id); ok {
		if reason == "" {
			a.Decision.Reject(ErrApprovalDenied)
		} else {
			a.Decision.Reject(&DeniedError{Reason: reason})
		}
	}
}
