package mcp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRegisterAndDeliver(t *testing.T) {
	table := newPendingTable()
	id := NewID(1)
	m, err := table.register(id, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, table.size())

	resp, err := NewResponse(id, map[string]any{"ok": true})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env, err := m.wait(id, "ping")
		assert.NoError(t, err)
		assert.True(t, env.Matches(id))
	}()

	require.True(t, table.deliver(id, resp))
	<-done
	assert.Equal(t, 0, table.size())
}

func TestPendingDuplicateIDRejected(t *testing.T) {
	table := newPendingTable()
	id := NewStringID("dup")
	_, err := table.register(id, time.Time{})
	require.NoError(t, err)

	_, err = table.register(id, time.Time{})
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestPendingDeliverWithoutWaiter(t *testing.T) {
	table := newPendingTable()
	resp, err := NewResponse(NewID(99), nil)
	require.NoError(t, err)
	assert.False(t, table.deliver(NewID(99), resp))
}

func TestPendingDuplicateDeliveryDropped(t *testing.T) {
	table := newPendingTable()
	id := NewID(2)
	m, err := table.register(id, time.Time{})
	require.NoError(t, err)

	resp, err := NewResponse(id, nil)
	require.NoError(t, err)
	require.True(t, table.deliver(id, resp))
	assert.False(t, table.deliver(id, resp))

	_, err = m.wait(id, "ping")
	require.NoError(t, err)
}

func TestPendingWaitTimesOut(t *testing.T) {
	table := newPendingTable()
	id := NewID(3)
	m, err := table.register(id, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	_, err = m.wait(id, "tools/call")
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "tools/call", timeout.Method)

	table.remove(id)
	assert.Equal(t, 0, table.size())
}

func TestPendingCancelFailsWaiter(t *testing.T) {
	table := newPendingTable()
	id := NewID(4)
	m, err := table.register(id, time.Time{})
	require.NoError(t, err)

	cause := errors.New("connection closed")
	table.cancel(id, cause)
	table.cancel(id, cause) // idempotent

	_, err = m.wait(id, "ping")
	require.ErrorIs(t, err, cause)
}

func TestPendingFailAll(t *testing.T) {
	table := newPendingTable()
	cause := &TransportError{Op: "read", Err: errors.New("eof")}

	var mailboxes []*mailbox
	for i := int64(0); i < 3; i++ {
		m, err := table.register(NewID(i), time.Time{})
		require.NoError(t, err)
		mailboxes = append(mailboxes, m)
	}

	table.failAll(cause)
	for i, m := range mailboxes {
		_, err := m.wait(NewID(int64(i)), "ping")
		require.ErrorIs(t, err, cause)
	}

	// The table stays failed for later registrations.
	_, err := table.register(NewID(9), time.Time{})
	require.ErrorIs(t, err, cause)
}

func TestPendingResetClearsFailure(t *testing.T) {
	table := newPendingTable()
	table.failAll(ErrTransportClosed)

	_, err := table.register(NewID(1), time.Time{})
	require.ErrorIs(t, err, ErrTransportClosed)

	table.reset()
	id := NewID(1)
	m, err := table.register(id, time.Time{})
	require.NoError(t, err)

	resp, err := NewResponse(id, nil)
	require.NoError(t, err)
	require.True(t, table.deliver(id, resp))
	_, err = m.wait(id, "ping")
	require.NoError(t, err)
}

func TestPendingResetFailsLeftoverWaiters(t *testing.T) {
	table := newPendingTable()
	id := NewID(7)
	m, err := table.register(id, time.Time{})
	require.NoError(t, err)

	table.reset()
	_, err = m.wait(id, "ping")
	require.ErrorIs(t, err, ErrTransportClosed)
	assert.Equal(t, 0, table.size())
}

func TestPendingConcurrentRegisterDeliver(t *testing.T) {
	table := newPendingTable()
	var wg sync.WaitGroup
	for i := int64(0); i < 32; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			id := NewID(n)
			m, err := table.register(id, time.Time{})
			if !assert.NoError(t, err) {
				return
			}
			resp, err := NewResponse(id, nil)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, table.deliver(id, resp))
			_, err = m.wait(id, "ping")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, table.size())
}
