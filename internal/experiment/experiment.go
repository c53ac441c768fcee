// Package experiment is the serialized state machine that composes the
// control-node link, protocol, and open-node adapters into the four
// user-facing operations a running testbed node exposes: start, stop,
// update_profile and reset_time. It is grounded on gateway_manager.py's
// GatewayManager: one coarse lock guarding every public method, and the
// same fixed start/stop step ordering.
package experiment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iotlab/gatewayd/internal/cnlink"
	"github.com/iotlab/gatewayd/internal/cnproto"
	"github.com/iotlab/gatewayd/internal/gwerrors"
	"github.com/iotlab/gatewayd/internal/profile"
	"go.uber.org/zap"
)

// State is the coarse experiment lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// OpenNodePowerState tracks the user-visible open-node power toggle
// independent of which PowerSource currently supplies it, so UpdateProfile
// can switch power source without an apparent start/stop of the experiment.
type OpenNodePowerState int

const (
	PowerStopped OpenNodePowerState = iota
	PowerStarted
)

// Descriptor is the record of the currently running experiment. At most
// one exists at a time; it is created by Start and cleared by Stop.
type Descriptor struct {
	ExperimentID   int
	User           string
	FirmwarePath   string
	Profile        *profile.Profile
	TimeoutSeconds int
	Files          cnlink.ExperimentFiles

	// RunID correlates every log line this run produces; it has no
	// protocol meaning and is not sent to either node.
	RunID string
}

// ControlNode is the subset of cnproto.Protocol the manager drives.
type ControlNode interface {
	SetTime() error
	StartStop(action cnproto.Action, power profile.PowerSource) error
	ConfigConsumption(cfg *profile.ConsumptionConfig) error
	ConfigRadio(cfg *profile.RadioConfig) error
	GreenLEDOn() error
	GreenLEDBlink() error
}

// Link is the subset of cnlink.Link the manager drives.
type Link interface {
	Start(ctx context.Context, files *cnlink.ExperimentFiles, sink cnlink.MeasurementSink) error
	Stop() error
}

// M3OpenNode is the subset of opennode.M3Adapter the manager drives.
type M3OpenNode interface {
	Flash(ctx context.Context, path string) error
	SerialRedirectionStart(ctx context.Context) error
	SerialRedirectionStop() error
}

// A8OpenNode is the subset of opennode.A8Adapter the manager drives.
type A8OpenNode interface {
	WaitTTYAppeared(timeout time.Duration) error
	WaitTTYDisappeared(timeout time.Duration) error
	BootWatch(ctx context.Context, timeout time.Duration)
}

const (
	a8TTYTimeout    = 5 * time.Second
	a8BootWatchTime = 5 * time.Minute
	gatewayPrepPause = 1 * time.Second
)

// Config collects the Manager's dependencies.
type Config struct {
	Log              *zap.Logger
	BoardType        profile.BoardType
	Link             Link
	ControlNode      ControlNode
	M3               M3OpenNode
	A8               A8OpenNode
	ResetControlNode func(ctx context.Context) error
	IdleFirmware     string
	MeasurementSink  cnlink.MeasurementSink
	FilesFor         func(user string, experimentID int) cnlink.ExperimentFiles
}

// Manager is the single-mutex experiment state machine.
type Manager struct {
	log       *zap.Logger
	boardType profile.BoardType

	link   Link
	cn     ControlNode
	m3     M3OpenNode
	a8     A8OpenNode
	reset  func(ctx context.Context) error
	sink   cnlink.MeasurementSink
	filesFor func(user string, experimentID int) cnlink.ExperimentFiles

	idleFirmware string

	mu         sync.Mutex
	state      State
	descriptor *Descriptor
	powerState OpenNodePowerState
	timer      *time.Timer
}

// New returns a Manager built from cfg.
func New(cfg Config) *Manager {
	return &Manager{
		log:          cfg.Log,
		boardType:    cfg.BoardType,
		link:         cfg.Link,
		cn:           cfg.ControlNode,
		m3:           cfg.M3,
		a8:           cfg.A8,
		reset:        cfg.ResetControlNode,
		sink:         cfg.MeasurementSink,
		filesFor:     cfg.FilesFor,
		idleFirmware: cfg.IdleFirmware,
		state:        StateIdle,
		powerState:   PowerStopped,
	}
}

// State reports the current lifecycle state, for callers that only need to
// observe it (e.g. a status endpoint).
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins an experiment. If one is already running, it is stopped
// first. An unsupported board type or invalid profile mapping fails before
// any state is mutated.
func (m *Manager) Start(ctx context.Context, experimentID int, user, firmwarePath string, profileMapping map[string]interface{}, timeoutSeconds int) error {
	if m.boardType != profile.M3 && m.boardType != profile.A8 {
		return fmt.Errorf("%w: board type %q", gwerrors.ErrBoardUnsupported, m.boardType)
	}

	var p *profile.Profile
	if profileMapping == nil {
		p = profile.Default()
	} else {
		var err error
		p, err = profile.FromMapping(profileMapping)
		if err != nil {
			if m.log != nil {
				m.log.Error("invalid profile", zap.Error(err))
			}
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, experimentID, user, firmwarePath, p, timeoutSeconds)
}

func (m *Manager) startLocked(ctx context.Context, experimentID int, user, firmwarePath string, p *profile.Profile, timeoutSeconds int) error {
	if m.state == StateRunning {
		if m.log != nil {
			m.log.Warn("experiment running, stopping previous")
		}
		if err := m.stopLocked(); err != nil {
			if m.log != nil {
				m.log.Error("stop before restart failed", zap.Error(err))
			}
		}
	}

	if firmwarePath == "" {
		firmwarePath = m.idleFirmware
	}

	var files cnlink.ExperimentFiles
	if m.filesFor != nil {
		files = m.filesFor(user, experimentID)
	}
	files.ExperimentID = experimentID
	files.User = user

	m.descriptor = &Descriptor{
		ExperimentID:   experimentID,
		User:           user,
		FirmwarePath:   firmwarePath,
		Profile:        p,
		TimeoutSeconds: timeoutSeconds,
		Files:          files,
		RunID:          uuid.New().String(),
	}
	m.state = StateRunning
	if m.log != nil {
		m.log.Info("experiment starting",
			zap.Int("experiment_id", experimentID), zap.String("user", user), zap.String("run_id", m.descriptor.RunID))
	}

	var firstErr error
	record := func(step string, err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil && m.log != nil {
			m.log.Error("experiment start step failed", zap.String("step", step), zap.Error(err))
		}
	}

	if m.reset != nil {
		record("reset_control_node", m.reset(ctx))
	}
	time.Sleep(gatewayPrepPause)
	record("start_link", m.link.Start(ctx, &m.descriptor.Files, m.sink))

	record("green_led_blink", m.cn.GreenLEDBlink())
	record("power_dc", m.cn.StartStop(cnproto.ActionStart, profile.DC))
	m.powerState = PowerStarted
	record("set_time", m.cn.SetTime())
	record("apply_profile", m.applyProfile(p))

	switch m.boardType {
	case profile.M3:
		record("flash", m.m3.Flash(ctx, firmwarePath))
		record("serial_redirection_start", m.m3.SerialRedirectionStart(ctx))
	case profile.A8:
		record("wait_tty_appeared", m.a8.WaitTTYAppeared(a8TTYTimeout))
		m.a8.BootWatch(ctx, a8BootWatchTime)
	}

	if m.descriptor.TimeoutSeconds > 0 {
		m.armTimeout(m.descriptor.TimeoutSeconds, experimentID, user)
	}

	return firstErr
}

func (m *Manager) armTimeout(seconds, experimentID int, user string) {
	m.timer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.descriptor == nil || m.descriptor.ExperimentID != experimentID || m.descriptor.User != user {
			return
		}
		if m.log != nil {
			m.log.Info("experiment timeout fired", zap.Int("experiment_id", experimentID), zap.String("user", user))
		}
		if err := m.stopLocked(); err != nil && m.log != nil {
			m.log.Error("timeout-driven stop failed", zap.Error(err))
		}
	})
}

func (m *Manager) applyProfile(p *profile.Profile) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	action := cnproto.ActionStart
	if m.powerState == PowerStopped {
		action = cnproto.ActionStop
	}
	record(m.cn.StartStop(action, p.Power))
	record(m.cn.ConfigConsumption(p.Consumption))
	record(m.cn.ConfigRadio(p.Radio))
	return firstErr
}

// Stop ends the current experiment. Idempotent: stopping when idle returns
// nil and logs a warning.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if m.state != StateRunning {
		if m.log != nil {
			m.log.Warn("stop called while idle")
		}
		return nil
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	var firstErr error
	record := func(step string, err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil && m.log != nil {
			m.log.Error("experiment stop step failed", zap.String("step", step), zap.Error(err))
		}
	}

	record("default_profile", m.applyProfile(profile.Default()))
	m.powerState = PowerStopped
	record("green_led_on", m.cn.GreenLEDOn())

	switch m.boardType {
	case profile.M3:
		record("serial_redirection_stop", m.m3.SerialRedirectionStop())
		record("flash_idle", m.m3.Flash(context.Background(), m.idleFirmware))
	case profile.A8:
		// boot-watch has no explicit close contract beyond its own
		// context/timeout; nothing further to tear down here.
	}

	record("power_off", m.cn.StartStop(cnproto.ActionStop, profile.DC))

	if m.boardType == profile.A8 {
		record("wait_tty_disappeared", m.a8.WaitTTYDisappeared(a8TTYTimeout))
	}

	record("stop_link", m.link.Stop())

	m.descriptor = nil
	m.state = StateIdle
	return firstErr
}

// UpdateProfile re-applies a new profile to the currently running
// experiment without restarting it: start_stop is re-emitted with the
// current OpenNodePowerState so the open node's on/off appearance doesn't
// change, then consumption and radio are reconfigured.
func (m *Manager) UpdateProfile(profileMapping map[string]interface{}) error {
	p, err := profile.FromMapping(profileMapping)
	if err != nil {
		if m.log != nil {
			m.log.Error("invalid profile", zap.Error(err))
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: no experiment running", gwerrors.ErrNotRunning)
	}
	m.descriptor.Profile = p
	return m.applyProfile(p)
}

// ResetTime zeroes the control node's clock without otherwise disturbing
// the running experiment.
func (m *Manager) ResetTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: no experiment running", gwerrors.ErrNotRunning)
	}
	return m.cn.SetTime()
}

// PowerStart and PowerStop switch the open-node power rail directly,
// independent of the profile's own power source, for callers that just
// want to gate power without a full profile round-trip.
func (m *Manager) PowerStart(power profile.PowerSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: no experiment running", gwerrors.ErrNotRunning)
	}
	if err := m.cn.StartStop(cnproto.ActionStart, power); err != nil {
		return err
	}
	m.powerState = PowerStarted
	return nil
}

func (m *Manager) PowerStop(power profile.PowerSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: no experiment running", gwerrors.ErrNotRunning)
	}
	if err := m.cn.StartStop(cnproto.ActionStop, power); err != nil {
		return err
	}
	m.powerState = PowerStopped
	return nil
}

// Flash reflashes the open node with path without otherwise disturbing the
// running experiment. M3 only; A8 takes its firmware over SSH out of this
// manager's scope.
func (m *Manager) Flash(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.boardType != profile.M3 {
		return fmt.Errorf("%w: flash requires M3", gwerrors.ErrBoardUnsupported)
	}
	return m.m3.Flash(ctx, path)
}

// Descriptor returns a copy of the currently running experiment's
// descriptor, or nil when idle.
func (m *Manager) Descriptor() *Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.descriptor == nil {
		return nil
	}
	d := *m.descriptor
	return &d
}
