package cnlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ackingBridgeArgv is a stand-in for the real control-node bridge: it
// announces readiness, then echoes "ACK <first token>" for every line it
// receives on stdin.
func ackingBridgeArgv() []string {
	return []string{"sh", "-c", `echo cn_serial_ready 1>&2
while IFS= read -r line; do
  set -- $line
  echo "ACK $1" 1>&2
done`}
}

// silentBridgeArgv announces readiness but never responds to any command.
func silentBridgeArgv() []string {
	return []string{"sh", "-c", `echo cn_serial_ready 1>&2
while IFS= read -r line; do :; done`}
}

// newFakeLink builds a Link whose Start spawns argv directly instead of
// shelling out to the configured bridge binary, letting tests drive the
// reader/response-slot machinery against a scripted child.
func newFakeLink(t *testing.T, argv []string) (*Link, func(context.Context, MeasurementSink) error) {
	t.Helper()
	l := New(nil, "unused", "unused")
	start := func(ctx context.Context, sink MeasurementSink) error {
		l.sinkMu.Lock()
		l.sink = sink
		l.sinkMu.Unlock()
		l.readyCh = make(chan struct{}, 1)
		l.exited = make(chan struct{}, 1)
		exited := l.exited
		return l.sup.Start(ctx, argv, l.handleLine, func(code int) {
			select {
			case exited <- struct{}{}:
			default:
			}
		})
	}
	return l, start
}

func TestSendCommandRoundTrip(t *testing.T) {
	l, start := newFakeLink(t, ackingBridgeArgv())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, start(ctx, nil))
	defer l.Stop()

	select {
	case <-l.readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never signaled ready")
	}

	resp, err := l.SendCommand([]string{"set_time"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ACK", "set_time"}, resp)
}

func TestSendCommandTimesOutWithNoResponse(t *testing.T) {
	l, start := newFakeLink(t, silentBridgeArgv())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, start(ctx, nil))
	defer l.Stop()

	select {
	case <-l.readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never signaled ready")
	}

	_, err := l.SendCommand([]string{"anything"})
	assert.Error(t, err)
}

func TestHandleLineNormalizesMeasuresDebug(t *testing.T) {
	l := New(nil, "bridge", "/dev/ttyCN")
	var got []string
	l.sink = func(tokens []string) { got = tokens }

	l.handleLine("measures_debug: consumption_measure 123.45 1.0 2.0 3.0")
	require.NotNil(t, got)
	assert.Equal(t, "measures_debug", got[0])
	assert.Equal(t, "consumption_measure", got[1])

	got = nil
	l.handleLine("measures_debug consumption_measure 124.0 4.0 5.0 6.0")
	require.NotNil(t, got)
	assert.Equal(t, "measures_debug", got[0])
}

func TestHandleLineReadySignal(t *testing.T) {
	l := New(nil, "bridge", "/dev/ttyCN")
	l.readyCh = make(chan struct{}, 1)
	l.handleLine("cn_serial_ready")
	select {
	case <-l.readyCh:
	default:
		t.Fatal("ready signal not released")
	}
}

func TestHandleLineRoutesPlainTokensToResponseSlot(t *testing.T) {
	l := New(nil, "bridge", "/dev/ttyCN")
	l.respCh = make(chan []string, 1)
	l.handleLine("ACK set_time")
	select {
	case resp := <-l.respCh:
		assert.Equal(t, []string{"ACK", "set_time"}, resp)
	default:
		t.Fatal("response not enqueued")
	}
}

func TestHandleLineDropsFullResponseSlot(t *testing.T) {
	l := New(nil, "bridge", "/dev/ttyCN")
	l.respCh = make(chan []string, 1)
	l.respCh <- []string{"stale"}
	l.handleLine("ACK set_time")
	resp := <-l.respCh
	assert.Equal(t, []string{"stale"}, resp)
}

func TestHandleLineErrorDoesNotEnqueueResponse(t *testing.T) {
	l := New(nil, "bridge", "/dev/ttyCN")
	l.respCh = make(chan []string, 1)
	l.handleLine("error some_reason")
	select {
	case <-l.respCh:
		t.Fatal("error line must not be enqueued as a response")
	default:
	}
}

func TestConcurrentSendCommandsAreSerialized(t *testing.T) {
	l, start := newFakeLink(t, ackingBridgeArgv())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, start(ctx, nil))
	defer l.Stop()

	select {
	case <-l.readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never signaled ready")
	}

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := l.SendCommand([]string{"cmd"})
			if err == nil && len(resp) > 0 {
				results[i] = resp[0]
			}
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, "ACK", r)
	}
}
