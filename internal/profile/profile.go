// Package profile is the validated representation of an experiment's power
// source and measurement configuration.
//
// It plays the role profile.py plays in the original: a small value type
// built from an untyped mapping (there, a JSON document decoded by a custom
// JSONDecoder; here, a map[string]interface{} decoded by FromMapping),
// rejecting anything that doesn't fit the closed set of fields this
// controller understands.
package profile

import (
	"fmt"

	"github.com/iotlab/gatewayd/internal/gwerrors"
)

// PowerSource is the closed set of rails the open node can run from.
type PowerSource string

const (
	DC      PowerSource = "dc"
	Battery PowerSource = "battery"
)

func (p PowerSource) valid() bool {
	return p == DC || p == Battery
}

// BoardType mirrors boardconfig.BoardType without importing it, so profile
// stays a leaf package with no dependency on process-wide config.
type BoardType string

const (
	M3 BoardType = "m3"
	A8 BoardType = "a8"
)

var validPeriods = map[int]bool{
	140: true, 204: true, 332: true, 588: true, 1100: true,
	2116: true, 4156: true, 8244: true,
}

var validAverages = map[int]bool{
	1: true, 4: true, 16: true, 64: true, 128: true, 256: true, 512: true, 1024: true,
}

// ConsumptionConfig configures the control node's power-measurement stream.
type ConsumptionConfig struct {
	PowerSource    PowerSource
	BoardType      BoardType
	Period         int
	Average        int
	MeasurePower   bool
	MeasureVoltage bool
	MeasureCurrent bool
}

func (c *ConsumptionConfig) validate() error {
	if !c.PowerSource.valid() {
		return fmt.Errorf("%w: consumption.power_source %q", gwerrors.ErrInvalidProfile, c.PowerSource)
	}
	if c.BoardType != M3 && c.BoardType != A8 {
		return fmt.Errorf("%w: consumption.board_type %q", gwerrors.ErrInvalidProfile, c.BoardType)
	}
	if !validPeriods[c.Period] {
		return fmt.Errorf("%w: consumption.period %d", gwerrors.ErrInvalidProfile, c.Period)
	}
	if !validAverages[c.Average] {
		return fmt.Errorf("%w: consumption.average %d", gwerrors.ErrInvalidProfile, c.Average)
	}
	return nil
}

// RadioMode is the closed set of modes the control node's radio capture can
// run in.
type RadioMode string

const (
	RadioRSSI    RadioMode = "rssi"
	RadioSniffer RadioMode = "sniffer"
	RadioOff     RadioMode = "off"
)

func (m RadioMode) valid() bool {
	return m == RadioRSSI || m == RadioSniffer || m == RadioOff
}

// RadioConfig configures the control node's radio-measurement stream.
type RadioConfig struct {
	Mode          RadioMode
	Channels      []int
	PeriodMs      int
	NumPerChannel int
}

func (r *RadioConfig) validate() error {
	if !r.Mode.valid() {
		return fmt.Errorf("%w: radio.mode %q", gwerrors.ErrInvalidProfile, r.Mode)
	}
	for _, ch := range r.Channels {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("%w: radio.channels value %d out of [11,26]", gwerrors.ErrInvalidProfile, ch)
		}
	}
	if r.NumPerChannel < 0 {
		return fmt.Errorf("%w: radio.num_per_channel %d", gwerrors.ErrInvalidProfile, r.NumPerChannel)
	}
	return nil
}

// Profile is {power source, consumption options, radio options}. Consumption
// and Radio are nil when the corresponding measurement stream is disabled.
type Profile struct {
	Name        string
	Power       PowerSource
	Consumption *ConsumptionConfig
	Radio       *RadioConfig
}

// Default returns the default profile: DC power, no measurement streams.
func Default() *Profile {
	return &Profile{Name: "default", Power: DC}
}

var knownTopKeys = map[string]bool{
	"profilename": true, "power": true, "consumption": true, "radio": true,
}

var knownConsumptionKeys = map[string]bool{
	"power_source": true, "board_type": true, "period": true, "average": true,
	"measure_power": true, "measure_voltage": true, "measure_current": true,
}

var knownRadioKeys = map[string]bool{
	"mode": true, "channels": true, "period_ms": true, "num_per_channel": true,
}

// FromMapping validates and builds a Profile from an untyped mapping, the
// shape a caller submitting JSON over the (out of scope) REST front door
// would produce. Unknown keys at any level are rejected, closed-set fields
// are checked against their enumerations, and numeric fields are range
// checked. Any violation is wrapped in gwerrors.ErrInvalidProfile.
func FromMapping(m map[string]interface{}) (*Profile, error) {
	for k := range m {
		if !knownTopKeys[k] {
			return nil, fmt.Errorf("%w: unknown key %q", gwerrors.ErrInvalidProfile, k)
		}
	}

	p := &Profile{Name: "profile", Power: DC}

	if v, ok := m["profilename"]; ok {
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: profilename must be a string", gwerrors.ErrInvalidProfile)
		}
		p.Name = name
	}

	if v, ok := m["power"]; ok {
		power, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: power must be a string", gwerrors.ErrInvalidProfile)
		}
		p.Power = PowerSource(power)
		if !p.Power.valid() {
			return nil, fmt.Errorf("%w: power %q", gwerrors.ErrInvalidProfile, power)
		}
	}

	if v, ok := m["consumption"]; ok && v != nil {
		cm, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: consumption must be a mapping", gwerrors.ErrInvalidProfile)
		}
		cc, err := consumptionFromMapping(cm)
		if err != nil {
			return nil, err
		}
		p.Consumption = cc
	}

	if v, ok := m["radio"]; ok && v != nil {
		rm, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: radio must be a mapping", gwerrors.ErrInvalidProfile)
		}
		rc, err := radioFromMapping(rm)
		if err != nil {
			return nil, err
		}
		p.Radio = rc
	}

	return p, nil
}

func consumptionFromMapping(m map[string]interface{}) (*ConsumptionConfig, error) {
	for k := range m {
		if !knownConsumptionKeys[k] {
			return nil, fmt.Errorf("%w: unknown consumption key %q", gwerrors.ErrInvalidProfile, k)
		}
	}

	cc := &ConsumptionConfig{}

	powerSource, err := requireString(m, "power_source")
	if err != nil {
		return nil, err
	}
	cc.PowerSource = PowerSource(powerSource)

	boardType, err := requireString(m, "board_type")
	if err != nil {
		return nil, err
	}
	cc.BoardType = BoardType(boardType)

	period, err := requireInt(m, "period")
	if err != nil {
		return nil, err
	}
	cc.Period = period

	average, err := requireInt(m, "average")
	if err != nil {
		return nil, err
	}
	cc.Average = average

	cc.MeasurePower, _ = m["measure_power"].(bool)
	cc.MeasureVoltage, _ = m["measure_voltage"].(bool)
	cc.MeasureCurrent, _ = m["measure_current"].(bool)

	if err := cc.validate(); err != nil {
		return nil, err
	}
	return cc, nil
}

func radioFromMapping(m map[string]interface{}) (*RadioConfig, error) {
	for k := range m {
		if !knownRadioKeys[k] {
			return nil, fmt.Errorf("%w: unknown radio key %q", gwerrors.ErrInvalidProfile, k)
		}
	}

	rc := &RadioConfig{}

	mode, err := requireString(m, "mode")
	if err != nil {
		return nil, err
	}
	rc.Mode = RadioMode(mode)

	if v, ok := m["channels"]; ok {
		raw, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: radio.channels must be a list", gwerrors.ErrInvalidProfile)
		}
		for _, item := range raw {
			ch, err := toInt(item)
			if err != nil {
				return nil, fmt.Errorf("%w: radio.channels item: %v", gwerrors.ErrInvalidProfile, err)
			}
			rc.Channels = append(rc.Channels, ch)
		}
	}

	periodMs, err := requireInt(m, "period_ms")
	if err != nil {
		return nil, err
	}
	rc.PeriodMs = periodMs

	numPerChannel, err := requireInt(m, "num_per_channel")
	if err != nil {
		return nil, err
	}
	rc.NumPerChannel = numPerChannel

	if err := rc.validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

func requireString(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", gwerrors.ErrInvalidProfile, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", gwerrors.ErrInvalidProfile, key)
	}
	return s, nil
}

func requireInt(m map[string]interface{}, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", gwerrors.ErrInvalidProfile, key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q %v", gwerrors.ErrInvalidProfile, key, err)
	}
	return n, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
