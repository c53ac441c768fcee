package autotest

import (
	"context"
	"errors"
	"testing"

	"github.com/iotlab/gatewayd/internal/cnlink"
	"github.com/iotlab/gatewayd/internal/cnproto"
	"github.com/iotlab/gatewayd/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	startErr error
	stopped  bool
}

func (f *fakeLink) Start(ctx context.Context, files *cnlink.ExperimentFiles, sink cnlink.MeasurementSink) error {
	return f.startErr
}
func (f *fakeLink) SendCommand(argv []string) ([]string, error) { return []string{"ack"}, nil }
func (f *fakeLink) Stop() error                                 { f.stopped = true; return nil }

type fakeControlNode struct {
	setTimeErr error
}

func (c *fakeControlNode) SetTime() error { return c.setTimeErr }
func (c *fakeControlNode) StartStop(action cnproto.Action, power profile.PowerSource) error {
	return nil
}
func (c *fakeControlNode) ConfigConsumption(cfg *profile.ConsumptionConfig) error { return nil }
func (c *fakeControlNode) ConfigRadio(cfg *profile.RadioConfig) error             { return nil }
func (c *fakeControlNode) GreenLEDOn() error                                      { return nil }
func (c *fakeControlNode) GreenLEDBlink() error                                   { return nil }
func (c *fakeControlNode) SendRaw(argv []string) error                           { return nil }

type fakeOpenNodeSetup struct {
	serial       OpenNodeSerial
	prepareErr   error
	teardownCall int
	teardownOff  bool
}

func (o *fakeOpenNodeSetup) Prepare(ctx context.Context) (OpenNodeSerial, error) {
	return o.serial, o.prepareErr
}

func (o *fakeOpenNodeSetup) Teardown(ctx context.Context, powerOff bool) error {
	o.teardownCall++
	o.teardownOff = powerOff
	return nil
}

func TestRunRejectsUnsupportedBoardType(t *testing.T) {
	e := New(Config{
		BoardType: profile.BoardType("bogus"),
		NewLink:   func() Link { return &fakeLink{} },
		NewControlNode: func(Link) ControlNode {
			return &fakeControlNode{}
		},
		OpenNode: &fakeOpenNodeSetup{},
	})

	report, err := e.Run(context.Background(), nil, false, false, false)

	require.Error(t, err)
	assert.Equal(t, []string{"board_type"}, report.Error)
	assert.Empty(t, report.Success)
}

func TestRunAbortsOnFatalSetupFailureButStillTearsDown(t *testing.T) {
	link := &fakeLink{}
	openNode := &fakeOpenNodeSetup{}

	e := New(Config{
		BoardType: profile.M3,
		NewLink:   func() Link { return link },
		NewControlNode: func(Link) ControlNode {
			return &fakeControlNode{setTimeErr: errors.New("boom")}
		},
		OpenNode: openNode,
	})

	report, err := e.Run(context.Background(), nil, false, false, false)

	require.NoError(t, err)
	assert.NotZero(t, report.Outcome)
	assert.Equal(t, 1, openNode.teardownCall)
	assert.True(t, link.stopped)
	// the control-node session never got past setup, so no later step
	// (consumption_batt, get_time, ...) should have recorded anything.
	assert.Empty(t, report.Success)
}
