// Package cnproto is a typed wrapper over cnlink.Link.SendCommand: the
// fixed set of control-node commands the original protocol.py enumerated
// (start/stop power, reset-time, configure consumption, configure radio,
// LEDs), each returning a plain error instead of an untyped response list.
package cnproto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iotlab/gatewayd/internal/gwerrors"
	"github.com/iotlab/gatewayd/internal/profile"
	"go.uber.org/zap"
)

// Sender is the subset of cnlink.Link that cnproto depends on, so this
// package can be tested against a fake without spawning a real bridge
// process.
type Sender interface {
	SendCommand(argv []string) ([]string, error)
}

// Action is the open-node power rail action.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Protocol issues typed commands over a Sender and validates the ack.
type Protocol struct {
	link Sender
	log  *zap.Logger
}

// New returns a Protocol driving commands through link.
func New(log *zap.Logger, link Sender) *Protocol {
	return &Protocol{link: link, log: log}
}

// SetTime zeroes the control node's clock.
func (p *Protocol) SetTime() error {
	return p.call([]string{"set_time"})
}

// StartStop switches the open-node power rail.
func (p *Protocol) StartStop(action Action, power profile.PowerSource) error {
	return p.call([]string{"start_stop", string(action), string(power)})
}

// ConfigConsumption enables or disables the consumption measurement stream.
// cfg == nil disables it.
func (p *Protocol) ConfigConsumption(cfg *profile.ConsumptionConfig) error {
	if cfg == nil {
		return p.call([]string{"config_consumption", "stop"})
	}
	return p.call([]string{
		"config_consumption", "start",
		string(cfg.PowerSource),
		strconv.Itoa(cfg.Period),
		strconv.Itoa(cfg.Average),
		boolFlag(cfg.MeasurePower),
		boolFlag(cfg.MeasureVoltage),
		boolFlag(cfg.MeasureCurrent),
	})
}

// ConfigRadio enables or disables the radio measurement stream. cfg == nil
// disables it.
func (p *Protocol) ConfigRadio(cfg *profile.RadioConfig) error {
	if cfg == nil || cfg.Mode == profile.RadioOff {
		return p.call([]string{"config_radio", "stop"})
	}
	argv := []string{"config_radio", "start", string(cfg.Mode), strconv.Itoa(cfg.PeriodMs), strconv.Itoa(cfg.NumPerChannel)}
	for _, ch := range cfg.Channels {
		argv = append(argv, strconv.Itoa(ch))
	}
	return p.call(argv)
}

// GreenLEDOn sets the gateway's green status LED solid on.
func (p *Protocol) GreenLEDOn() error {
	return p.call([]string{"green_led_on"})
}

// GreenLEDBlink sets the gateway's green status LED blinking.
func (p *Protocol) GreenLEDBlink() error {
	return p.call([]string{"green_led_blink"})
}

// SendRaw issues an arbitrary command, for the autotest engine's
// control-node-role commands (e.g. gpio/i2c test mode start/stop) that have
// no dedicated typed method here.
func (p *Protocol) SendRaw(argv []string) error {
	return p.call(argv)
}

func (p *Protocol) call(argv []string) error {
	resp, err := p.link.SendCommand(argv)
	if err != nil {
		if p.log != nil {
			p.log.Error("control node command failed", zap.Strings("argv", argv), zap.Error(err))
		}
		return err
	}
	if !ackOK(resp, argv[0]) {
		if p.log != nil {
			p.log.Error("control node command nacked", zap.Strings("argv", argv), zap.Strings("response", resp))
		}
		return fmt.Errorf("%w: %v -> %v", gwerrors.ErrProtocolNack, argv, resp)
	}
	return nil
}

func ackOK(tokens []string, cmd string) bool {
	if len(tokens) == 0 {
		return false
	}
	if !strings.EqualFold(tokens[0], "ack") {
		return false
	}
	if len(tokens) >= 2 && !strings.EqualFold(tokens[1], cmd) {
		return false
	}
	return true
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
