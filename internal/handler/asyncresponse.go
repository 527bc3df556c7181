package handler

import (
	"sync"
	"time"
)

// AsyncState enumerates the AsyncResponse states.
type AsyncState int

const (
	AsyncPending AsyncState = iota
	AsyncCompleted
	AsyncRejected
	AsyncCancelled
	AsyncTimedOut
)

// String makes AsyncState satisfy fmt.Stringer.
func (s AsyncState) String() string {
	switch s {
	case AsyncPending:
		return "pending"
	case AsyncCompleted:
		return "completed"
	case AsyncRejected:
		return "rejected"
	case AsyncCancelled:
		return "cancelled"
	case AsyncTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// TimedOutReason is the fixed reason attached to timeout transitions.
const TimedOutReason = "timed out"

// AsyncResponse is the deferred-handler synchronization primitive: it
// starts Pending and makes exactly one terminal transition to Completed,
// Rejected, Cancelled, or TimedOut. An optional timeout timer performs
// the TimedOut transition itself. Settle callbacks run outside the
// internal lock.
type AsyncResponse struct {
	mu       sync.Mutex
	state    AsyncState
	data     any
	reason   string
	timer    *time.Timer
	onSettle []func(*AsyncResponse)
	settled  chan struct{}
}

// NewAsyncResponse returns a pending async response.
func NewAsyncResponse() *AsyncResponse {
	return &AsyncResponse{settled: make(chan struct{})}
}

// State returns the current state.
func (a *AsyncResponse) State() AsyncState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Finished reports whether a terminal transition has happened.
func (a *AsyncResponse) Finished() bool {
	return a.State() != AsyncPending
}

// Data returns the completion payload, valid once state is Completed.
func (a *AsyncResponse) Data() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data
}

// Reason returns the rejection/cancellation/timeout reason.
func (a *AsyncResponse) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Complete transitions to Completed. Returns false if already settled.
func (a *AsyncResponse) Complete(data any) bool {
	return a.transition(AsyncCompleted, data, "")
}

// Reject transitions to Rejected. Returns false if already settled.
func (a *AsyncResponse) Reject(reason string) bool {
	return a.transition(AsyncRejected, nil, reason)
}

// Cancel transitions to Cancelled. Returns false if already settled.
func (a *AsyncResponse) Cancel(reason string) bool {
	return a.transition(AsyncCancelled, nil, reason)
}

// Timeout transitions to TimedOut. Returns false if already settled.
func (a *AsyncResponse) Timeout() bool {
	return a.transition(AsyncTimedOut, nil, TimedOutReason)
}

// transition performs the compare-and-set: only the first terminal
// transition wins. The timeout timer, if any, is stopped; callbacks fire
// outside the lock.
func (a *AsyncResponse) transition(state AsyncState, data any, reason string) bool {
	a.mu.Lock()
	if a.state != AsyncPending {
		a.mu.Unlock()
		return false
	}
	a.state = state
	a.data = data
	a.reason = reason
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	callbacks := a.onSettle
	a.onSettle = nil
	a.mu.Unlock()

	close(a.settled)
	for _, cb := range callbacks {
		cb := cb
		runCallback(func() { cb(a) })
	}
	return true
}

// StartTimeout arms a timer that transitions the response to TimedOut
// after d. A settled response never gets a timeout applied retroactively;
// re-arming replaces the previous timer.
func (a *AsyncResponse) StartTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	if a.state != AsyncPending {
		a.mu.Unlock()
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, func() { a.Timeout() })
	a.mu.Unlock()
}

// StopTimeout cancels the timer without settling. Idempotent.
func (a *AsyncResponse) StopTimeout() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}

// OnSettle registers a callback for the terminal transition. If already
// settled it fires immediately, outside the lock.
func (a *AsyncResponse) OnSettle(cb func(*AsyncResponse)) {
	a.mu.Lock()
	if a.state == AsyncPending {
		a.onSettle = append(a.onSettle, cb)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	runCallback(func() { cb(a) })
}

// Wait blocks until the terminal transition or the timeout passes. A zero
// timeout waits forever.
func (a *AsyncResponse) Wait(timeout time.Duration) (AsyncState, error) {
	if timeout > 0 {
		select {
		case <-a.settled:
		case <-time.After(timeout):
			return AsyncPending, ErrPromiseTimeout
		}
	} else {
		<-a.settled
	}
	return a.State(), nil
}
