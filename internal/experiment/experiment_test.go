package experiment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iotlab/gatewayd/internal/cnlink"
	"github.com/iotlab/gatewayd/internal/cnproto"
	"github.com/iotlab/gatewayd/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu       sync.Mutex
	started  int
	stopped  int
}

func (f *fakeLink) Start(ctx context.Context, files *cnlink.ExperimentFiles, sink cnlink.MeasurementSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeLink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

type fakeControlNode struct {
	mu        sync.Mutex
	lastPower profile.PowerSource
	lastState cnproto.Action
}

func (c *fakeControlNode) SetTime() error { return nil }
func (c *fakeControlNode) StartStop(action cnproto.Action, power profile.PowerSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastState = action
	c.lastPower = power
	return nil
}
func (c *fakeControlNode) ConfigConsumption(cfg *profile.ConsumptionConfig) error { return nil }
func (c *fakeControlNode) ConfigRadio(cfg *profile.RadioConfig) error             { return nil }
func (c *fakeControlNode) GreenLEDOn() error                                      { return nil }
func (c *fakeControlNode) GreenLEDBlink() error                                   { return nil }

type fakeM3 struct {
	flashed      []string
	redirStarted int
	redirStopped int
}

func (f *fakeM3) Flash(ctx context.Context, path string) error {
	f.flashed = append(f.flashed, path)
	return nil
}
func (f *fakeM3) SerialRedirectionStart(ctx context.Context) error { f.redirStarted++; return nil }
func (f *fakeM3) SerialRedirectionStop() error                     { f.redirStopped++; return nil }

type fakeA8 struct {
	waitAppeared    int
	waitDisappeared int
	bootWatches     int
}

func (f *fakeA8) WaitTTYAppeared(timeout time.Duration) error    { f.waitAppeared++; return nil }
func (f *fakeA8) WaitTTYDisappeared(timeout time.Duration) error { f.waitDisappeared++; return nil }
func (f *fakeA8) BootWatch(ctx context.Context, timeout time.Duration) { f.bootWatches++ }

func TestStartStopOnA8Board(t *testing.T) {
	link := &fakeLink{}
	a8 := &fakeA8{}
	mgr := New(Config{
		BoardType:   profile.A8,
		Link:        link,
		ControlNode: &fakeControlNode{},
		A8:          a8,
	})

	require.NoError(t, mgr.Start(context.Background(), 1, "alice", "", nil, 0))
	assert.Equal(t, 1, a8.waitAppeared)
	assert.Equal(t, 1, a8.bootWatches)

	require.NoError(t, mgr.Stop())
	assert.Equal(t, 1, a8.waitDisappeared)
}

func newTestManager() (*Manager, *fakeLink, *fakeM3) {
	link := &fakeLink{}
	m3 := &fakeM3{}
	mgr := New(Config{
		BoardType:    profile.M3,
		Link:         link,
		ControlNode:  &fakeControlNode{},
		M3:           m3,
		IdleFirmware: "idle.elf",
	})
	return mgr, link, m3
}

func TestStartThenStopReturnsIdle(t *testing.T) {
	mgr, link, m3 := newTestManager()

	err := mgr.Start(context.Background(), 1, "alice", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, mgr.State())
	assert.Equal(t, 1, link.started)
	assert.Equal(t, []string{"idle.elf"}, m3.flashed)

	require.NoError(t, mgr.Stop())
	assert.Equal(t, StateIdle, mgr.State())
	assert.Equal(t, 1, link.stopped)
	assert.Equal(t, []string{"idle.elf", "idle.elf"}, m3.flashed)
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	mgr, _, _ := newTestManager()
	assert.NoError(t, mgr.Stop())
	assert.Equal(t, StateIdle, mgr.State())
}

func TestStartAfterStartStopsThePrevious(t *testing.T) {
	mgr, link, _ := newTestManager()

	require.NoError(t, mgr.Start(context.Background(), 1, "alice", "", nil, 0))
	require.NoError(t, mgr.Start(context.Background(), 2, "bob", "", nil, 0))

	assert.Equal(t, 2, link.started)
	assert.Equal(t, 1, link.stopped)
	assert.Equal(t, StateRunning, mgr.State())
	assert.Equal(t, 2, mgr.Descriptor().ExperimentID)
}

func TestRejectsUnsupportedBoardType(t *testing.T) {
	mgr := New(Config{BoardType: profile.BoardType("bogus")})
	err := mgr.Start(context.Background(), 1, "alice", "", nil, 0)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, mgr.State())
}

func TestTimeoutDrivenStop(t *testing.T) {
	mgr, _, _ := newTestManager()

	require.NoError(t, mgr.Start(context.Background(), 1, "alice", "", nil, 1))
	assert.Equal(t, StateRunning, mgr.State())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && mgr.State() == StateRunning {
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, StateIdle, mgr.State())
}

func TestStaleTimeoutDoesNotStopANewerExperiment(t *testing.T) {
	mgr, _, _ := newTestManager()

	require.NoError(t, mgr.Start(context.Background(), 10, "u", "", nil, 1))
	require.NoError(t, mgr.Stop())
	require.NoError(t, mgr.Start(context.Background(), 11, "u", "", nil, 0))

	// give the stale timer (armed for experiment 10) a chance to fire; it
	// must find experiment 11's descriptor and refuse to touch it.
	time.Sleep(1500 * time.Millisecond)

	assert.Equal(t, StateRunning, mgr.State())
	assert.Equal(t, 11, mgr.Descriptor().ExperimentID)
}

func TestUpdateProfileRequiresRunning(t *testing.T) {
	mgr, _, _ := newTestManager()
	err := mgr.UpdateProfile(map[string]interface{}{})
	assert.Error(t, err)
}

func TestUpdateProfileAppliesWhileRunning(t *testing.T) {
	mgr, _, _ := newTestManager()
	require.NoError(t, mgr.Start(context.Background(), 1, "alice", "", nil, 0))

	err := mgr.UpdateProfile(map[string]interface{}{"power": "battery"})
	require.NoError(t, err)
	assert.Equal(t, profile.Battery, mgr.Descriptor().Profile.Power)
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	mgr, _, _ := newTestManager()
	require.NoError(t, mgr.Start(context.Background(), 1, "alice", "", nil, 0))

	var wg sync.WaitGroup
	var calls int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.ResetTime()
			atomic.AddInt64(&calls, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8), calls)
}
