package usage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []Payload
	s := NewSink(16, func(p Payload) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		s.Emit(Payload{RequestID: fmt.Sprintf("req-%d", i)})
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	assert.Equal(t, "req-0", got[0].RequestID)
	assert.Equal(t, "req-4", got[4].RequestID)
	assert.Zero(t, s.Dropped())
}

func TestSinkDropsOldestWhenFull(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string

	s := NewSink(3, func(p Payload) {
		<-release
		mu.Lock()
		got = append(got, p.RequestID)
		mu.Unlock()
	}, nil)

	// First emit is picked up by the drain loop and parks in the
	// consumer; the rest fill and then overflow the queue.
	s.Emit(Payload{RequestID: "r0"})
	waitFor(t, func() bool { return s.Pending() == 0 })
	for i := 1; i <= 5; i++ {
		s.Emit(Payload{RequestID: fmt.Sprintf("r%d", i)})
	}

	assert.Equal(t, 3, s.Pending())
	assert.Equal(t, int64(2), s.Dropped())

	close(release)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	// r1 and r2 were the oldest pending when r4 and r5 arrived.
	assert.Equal(t, []string{"r0", "r3", "r4", "r5"}, got)
}

func TestSinkCloseIdempotent(t *testing.T) {
	s := NewSink(4, nil, nil)
	s.Emit(Payload{RequestID: "r"})
	s.Close()
	s.Close()
}

func TestPayloadLatency(t *testing.T) {
	start := time.Now()
	p := Payload{StartTime: start, EndTime: start.Add(250 * time.Millisecond)}
	assert.Equal(t, 250*time.Millisecond, p.Latency())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
