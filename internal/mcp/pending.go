package mcp

import (
	"sync"
	"time"
)

// outcome is what a pending mailbox eventually receives: a response
// envelope or a local failure.
type outcome struct {
	env *Envelope
	err error
}

// mailbox is a single-shot, single-consumer channel for one outstanding
// request id.
type mailbox struct {
	ch       chan outcome
	deadline time.Time
}

// wait blocks until the mailbox is delivered or the deadline passes.
func (m *mailbox) wait(id ID, method string) (*Envelope, error) {
	var timeout <-chan time.Time
	if !m.deadline.IsZero() {
		timer := time.NewTimer(time.Until(m.deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case out := <-m.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.env, nil
	case <-timeout:
		return nil, &TimeoutError{RequestID: id, Method: method}
	}
}

// pendingTable correlates outbound request ids with single-shot mailboxes.
// All operations are O(1) under one mutex; nothing blocks while the lock is
// held. Duplicate deliveries for an id are dropped after the first.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*mailbox
	failed  error // set by failAll; rejects later registrations
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*mailbox)}
}

// register creates a mailbox for id. At most one mailbox exists per id.
func (t *pendingTable) register(id ID, deadline time.Time) (*mailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return nil, t.failed
	}
	key := id.Key()
	if _, exists := t.entries[key]; exists {
		return nil, &InvalidRequestError{Reason: "duplicate request id " + id.String()}
	}
	m := &mailbox{ch: make(chan outcome, 1), deadline: deadline}
	t.entries[key] = m
	return m, nil
}

// deliver hands a response to the mailbox registered for its id and removes
// the entry. Returns false when no mailbox is waiting.
func (t *pendingTable) deliver(id ID, env *Envelope) bool {
	t.mu.Lock()
	m, ok := t.entries[id.Key()]
	if ok {
		delete(t.entries, id.Key())
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	m.ch <- outcome{env: env}
	return true
}

// cancel removes the entry for id and fails its waiter. Idempotent.
func (t *pendingTable) cancel(id ID, err error) {
	t.mu.Lock()
	m, ok := t.entries[id.Key()]
	if ok {
		delete(t.entries, id.Key())
	}
	t.mu.Unlock()
	if ok {
		m.ch <- outcome{err: err}
	}
}

// remove drops the entry for id without waking the waiter. Used on the
// caller's own timeout path, where the waiter has already given up.
func (t *pendingTable) remove(id ID) {
	t.mu.Lock()
	delete(t.entries, id.Key())
	t.mu.Unlock()
}

// failAll fails every waiter with err and rejects future registrations
// with the same error.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*mailbox)
	t.failed = err
	t.mu.Unlock()
	for _, m := range entries {
		m.ch <- outcome{err: err}
	}
}

// reset clears the failAll poison so a restarted transport accepts
// registrations again. Any leftover waiters are failed first.
func (t *pendingTable) reset() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*mailbox)
	t.failed = nil
	t.mu.Unlock()
	for _, m := range entries {
		m.ch <- outcome{err: ErrTransportClosed}
	}
}

// size returns the number of outstanding requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
