// Package handler provides the runtime for server-initiated MCP requests:
// guard chains and lifecycle hooks around handler execution, the Promise
// and AsyncResponse single-settlement primitives used by deferred
// handlers, and the process-wide registries that let code outside the
// session complete a deferred response by request id.
package handler

import (
	"errors"
	"sync"
	"time"

	"github.com/Bigsy/mcpkit/internal/logging"
)

// PromiseState enumerates the three Promise states.
type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

// ErrPromiseTimeout is returned by Wait when the timeout passes before
// the promise settles.
var ErrPromiseTimeout = errors.New("promise: wait timed out")

// Promise is a single-settlement value: it moves from Pending to exactly
// one of Fulfilled or Rejected. Callbacks registered after settlement
// fire immediately; all callbacks run outside the internal lock so a
// callback may safely re-enter this or another promise.
type Promise struct {
	mu       sync.Mutex
	state    PromiseState
	value    any
	reason   error
	onOK     []func(any)
	onFail   []func(error)
	settled  chan struct{}
	settleMu sync.Once
}

// NewPromise returns a pending promise.
func NewPromise() *Promise {
	return &Promise{settled: make(chan struct{})}
}

// State returns the current state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resolve fulfills the promise. Only the first settlement wins.
func (p *Promise) Resolve(value any) {
	p.settle(PromiseFulfilled, value, nil)
}

// Reject rejects the promise. Only the first settlement wins.
func (p *Promise) Reject(reason error) {
	p.settle(PromiseRejected, nil, reason)
}

func (p *Promise) settle(state PromiseState, value any, reason error) {
	p.mu.Lock()
	if p.state != PromisePending {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.value = value
	p.reason = reason
	okCbs := p.onOK
	failCbs := p.onFail
	p.onOK = nil
	p.onFail = nil
	p.mu.Unlock()

	p.settleMu.Do(func() { close(p.settled) })

	if state == PromiseFulfilled {
		for _, cb := range okCbs {
			runCallback(func() { cb(value) })
		}
	} else {
		for _, cb := range failCbs {
			runCallback(func() { cb(reason) })
		}
	}
}

// Then registers a fulfillment callback. If the promise is already
// fulfilled the callback fires immediately (outside the lock).
func (p *Promise) Then(cb func(any)) *Promise {
	p.mu.Lock()
	switch p.state {
	case PromisePending:
		p.onOK = append(p.onOK, cb)
		p.mu.Unlock()
	case PromiseFulfilled:
		value := p.value
		p.mu.Unlock()
		runCallback(func() { cb(value) })
	default:
		p.mu.Unlock()
	}
	return p
}

// Catch registers a rejection callback, with the same immediacy rules as
// Then.
func (p *Promise) Catch(cb func(error)) *Promise {
	p.mu.Lock()
	switch p.state {
	case PromisePending:
		p.onFail = append(p.onFail, cb)
		p.mu.Unlock()
	case PromiseRejected:
		reason := p.reason
		p.mu.Unlock()
		runCallback(func() { cb(reason) })
	default:
		p.mu.Unlock()
	}
	return p
}

// Wait blocks until the promise settles or the timeout passes. A zero
// timeout waits forever. It wakes on the settlement, not by polling.
func (p *Promise) Wait(timeout time.Duration) (any, error) {
	if timeout > 0 {
		select {
		case <-p.settled:
		case <-time.After(timeout):
			return nil, ErrPromiseTimeout
		}
	} else {
		<-p.settled
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PromiseRejected {
		return nil, p.reason
	}
	return p.value, nil
}

// runCallback isolates a callback: a panic is logged and does not stop
// later callbacks.
func runCallback(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get().Error("handler callback panic", "panic", r)
		}
	}()
	f()
}
