package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStopIdempotent(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	err := s.Start(ctx, []string{"sleep", "5"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, s.Running())

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())

	// Stop again: must not error or panic.
	require.NoError(t, s.Stop())
}

func TestOnExitInvokedOnUnrequestedExit(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var gotCode int
	called := make(chan struct{})

	err := s.Start(ctx, []string{"sh", "-c", "exit 7"}, nil, func(code int) {
		mu.Lock()
		gotCode = code
		mu.Unlock()
		close(called)
	})
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 7, gotCode)
}

func TestOnExitNotInvokedAfterStop(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	called := false
	err := s.Start(ctx, []string{"sleep", "5"}, nil, func(code int) {
		called = true
	})
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
}

func TestStderrSinkReceivesLines(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var lines []string

	err := s.Start(ctx, []string{"sh", "-c", "echo one 1>&2; echo two 1>&2"}, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	_ = s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, lines)
}
