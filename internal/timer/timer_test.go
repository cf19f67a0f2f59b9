package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleAfterFires(t *testing.T) {
	tm := New("test")
	fired := make(chan struct{})

	id := tm.ScheduleAfter(10*time.Millisecond, "fire", func() { close(fired) })
	require.NotEmpty(t, id)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return tm.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancelPreventsExecution(t *testing.T) {
	tm := New("test")
	fired := make(chan struct{}, 1)

	id := tm.ScheduleAfter(50*time.Millisecond, "cancelled", func() { fired <- struct{}{} })
	assert.True(t, tm.Cancel(id))
	assert.False(t, tm.Cancel(id), "second cancel is a no-op")

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, 0, tm.Len())
}

func TestCancelUnknownID(t *testing.T) {
	tm := New("test")
	assert.False(t, tm.Cancel(""))
	assert.False(t, tm.Cancel("nope"))
}

func TestGetReportsExpiry(t *testing.T) {
	tm := New("test")
	defer tm.Stop()

	id := tm.ScheduleAfter(time.Hour, "long", func() {})
	info, ok := tm.Get(id)
	require.True(t, ok)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "long", info.Description)
	assert.WithinDuration(t, time.Now().Add(time.Hour), info.ExpiresAt, time.Second)
	assert.Greater(t, info.Remaining, 59*time.Minute)

	_, ok = tm.Get("missing")
	assert.False(t, ok)
}

func TestStopCancelsAll(t *testing.T) {
	tm := New("test")
	for i := 0; i < 3; i++ {
		tm.ScheduleAfter(time.Hour, "pending", func() {})
	}
	assert.Len(t, tm.List(), 3)

	tm.Stop()
	assert.Equal(t, 0, tm.Len())
	assert.Empty(t, tm.List())
}
