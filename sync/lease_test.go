package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseSerializesPerCalendar(t *testing.T) {
	m := NewLeaseManager()

	release, ok := m.Acquire("cal-1")
	require.True(t, ok)

	_, ok = m.Acquire("cal-1")
	require.False(t, ok, "second acquire on the same calendar must fail")

	// A different calendar is unaffected.
	release2, ok := m.Acquire("cal-2")
	require.True(t, ok)
	release2()

	release()
	_, ok = m.Acquire("cal-1")
	require.True(t, ok, "released lease must be reacquirable")
}

func TestLeaseIsNotReentrant(t *testing.T) {
	m := NewLeaseManager()
	_, ok := m.Acquire("cal-1")
	require.True(t, ok)
	_, ok = m.Acquire("cal-1")
	require.False(t, ok)
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	m := NewLeaseManager()
	current := time.Now()
	m.now = func() time.Time { return current }

	_, ok := m.Acquire("cal-1")
	require.True(t, ok)

	// Just inside the TTL: still held.
	current = current.Add(DefaultLeaseTTL - time.Second)
	_, ok = m.Acquire("cal-1")
	require.False(t, ok)

	// Past the TTL: the stale lease is reclaimed by the next acquirer.
	current = current.Add(2 * time.Second)
	_, ok = m.Acquire("cal-1")
	require.True(t, ok)
}
