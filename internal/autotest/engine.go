// Package autotest is the factory-style self-diagnostic: a fixed,
// order-sensitive recipe that exercises every interconnect between the
// control node and the open node and produces a structured pass/fail
// Report.
//
// It is grounded on autotest.py's AutoTestManager.auto_tests: the same
// step ordering, the same soft/fatal failure split (FatalError there
// becomes an explicit abort flag checked between steps here, per the
// project's re-architecture guidance for exception-as-control-flow), and
// the same teardown-always-runs discipline.
package autotest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iotlab/gatewayd/internal/cnlink"
	"github.com/iotlab/gatewayd/internal/cnproto"
	"github.com/iotlab/gatewayd/internal/gwerrors"
	"github.com/iotlab/gatewayd/internal/profile"
	"go.uber.org/zap"
)

// ControlNode is the subset of cnproto.Protocol the autotest engine drives.
type ControlNode interface {
	SetTime() error
	StartStop(action cnproto.Action, power profile.PowerSource) error
	ConfigConsumption(cfg *profile.ConsumptionConfig) error
	ConfigRadio(cfg *profile.RadioConfig) error
	GreenLEDOn() error
	GreenLEDBlink() error
	SendRaw(argv []string) error
}

// Link is the subset of cnlink.Link the engine needs to run its own
// short-lived control-node session independent of any experiment.
type Link interface {
	Start(ctx context.Context, files *cnlink.ExperimentFiles, sink cnlink.MeasurementSink) error
	SendCommand(argv []string) ([]string, error)
	Stop() error
}

// OpenNodeSerial is the subset of autotestserial.Serial the engine drives.
type OpenNodeSerial interface {
	Start() error
	Stop() error
	Send(argv []string) ([]string, error)
}

// OpenNodeSetup prepares and tears down the open node for autotest, board
// type specific. cmd/gatewayd satisfies it with small adapters
// (m3AutotestSetup/a8AutotestSetup) over opennode.M3Adapter/A8Adapter.
type OpenNodeSetup interface {
	// Prepare brings the open node up for autotest (flash + power as
	// needed) and returns an OpenNodeSerial that is already started; the
	// engine does not call Start on it.
	Prepare(ctx context.Context) (OpenNodeSerial, error)
	// Teardown reverses Prepare. powerOff indicates whether the open node
	// should be left powered down (true) or on (when blink && pass).
	Teardown(ctx context.Context, powerOff bool) error
}

// Engine runs the fixed autotest recipe.
type Engine struct {
	log       *zap.Logger
	boardType profile.BoardType

	newLink func() Link
	proto   func(Link) ControlNode

	openNode OpenNodeSetup

	resetControlNode func(ctx context.Context) error

	macFile string
}

// Config collects the Engine's dependencies. NewLink/NewControlNode are
// constructor functions rather than live instances because the engine
// starts and stops its own control-node session per run, independent of
// any experiment that might run afterward.
type Config struct {
	Log              *zap.Logger
	BoardType        profile.BoardType
	NewLink          func() Link
	NewControlNode   func(Link) ControlNode
	OpenNode         OpenNodeSetup
	ResetControlNode func(ctx context.Context) error
	MACFile          string
}

// New returns an Engine built from cfg.
func New(cfg Config) *Engine {
	return &Engine{
		log:              cfg.Log,
		boardType:        cfg.BoardType,
		newLink:          cfg.NewLink,
		proto:            cfg.NewControlNode,
		openNode:         cfg.OpenNode,
		resetControlNode: cfg.ResetControlNode,
		macFile:          cfg.MACFile,
	}
}

const (
	batteryCollectDuration = 1 * time.Second
	dcCollectDuration      = 2 * time.Second
	dcFlushDuration        = 2 * time.Second
	ledHoldDuration        = 500 * time.Millisecond
	ppsPollInterval        = 5 * time.Second
	ppsPollMax             = 120 * time.Second
	noSignalRSSI           = -91
)

var ledMasks = []int{0, 1, 2, 4, 7}

// Run executes the fixed autotest recipe. channel, when non-nil, enables
// the radio tests on that channel. blink requests the open node be left
// powered on, blinking, when the whole run passes. flash requests the
// optional on-board flash self-test (M3 only). gps requests the optional
// PPS counter test.
func (e *Engine) Run(ctx context.Context, channel *int, blink, flash, gps bool) (*Report, error) {
	report := newReport()

	if e.boardType != profile.M3 && e.boardType != profile.A8 {
		report.check(e.log, 1, "board_type")
		return report, fmt.Errorf("%w: %q", gwerrors.ErrBoardUnsupported, e.boardType)
	}

	link := e.newLink()
	cn := e.proto(link)

	var cnMeasures [][]string
	sink := func(tokens []string) { cnMeasures = append(cnMeasures, tokens) }

	fatal := false
	var openSerial OpenNodeSerial

	runStep := func(name string, f func() error) {
		if fatal {
			return
		}
		if err := f(); err != nil {
			if e.log != nil {
				e.log.Error("autotest fatal step failed", zap.String("step", name), zap.Error(err))
			}
			fatal = true
		}
	}

	runStep("setup_control_node", func() error {
		return e.setupControlNode(ctx, link, cn, sink, report)
	})

	if !fatal {
		e.testConsumptionBattery(ctx, cn, report, &cnMeasures)
	}

	runStep("switch_to_dc", func() error {
		if err := cn.StartStop(cnproto.ActionStart, profile.DC); err != nil {
			return fmt.Errorf("power on dc: %w", err)
		}
		return nil
	})

	runStep("bring_up_open_node", func() error {
		var err error
		openSerial, err = e.openNode.Prepare(ctx)
		return err
	})

	if !fatal {
		e.checkGetTime(report, openSerial)
		e.getUID(report, openSerial)
	}

	if !fatal {
		e.testIMU(report, openSerial)
		if e.boardType == profile.M3 {
			e.testOnboardPeripherals(report, openSerial, flash)
		}
		e.testInterconnect(report, cn, openSerial)
		if channel != nil {
			e.testRadio(report, cn, openSerial, *channel, &cnMeasures)
		}
		e.testConsumptionDC(cn, report, &cnMeasures)
		if e.boardType == profile.M3 {
			e.testLEDConsumption(cn, report, &cnMeasures)
		}
		if gps {
			e.testGPS(report, openSerial)
		}
	}

	pass := len(report.Error) == 0 && !fatal
	e.finalize(cn, openSerial, pass, blink)

	if openSerial != nil {
		_ = openSerial.Stop()
	}
	_ = e.openNode.Teardown(ctx, !(blink && pass))
	_ = link.Stop()

	outcome := 0
	if fatal || !pass {
		outcome = len(report.Error)
		if outcome == 0 {
			outcome = 1
		}
	}
	report.Outcome = outcome

	return report, nil
}

func (e *Engine) setupControlNode(ctx context.Context, link Link, cn ControlNode, sink cnlink.MeasurementSink, report *Report) error {
	if e.resetControlNode != nil {
		if err := e.resetControlNode(ctx); err != nil {
			return fmt.Errorf("reset control node: %w", err)
		}
	}
	if err := link.Start(ctx, nil, sink); err != nil {
		return fmt.Errorf("start control node link: %w", err)
	}
	if err := cn.SetTime(); err != nil {
		return fmt.Errorf("set_time: %w", err)
	}

	mac, err := e.readGatewayMAC()
	if err != nil {
		return fmt.Errorf("read gateway mac: %w", err)
	}
	if !MACAddressPattern.MatchString(mac) {
		return fmt.Errorf("gateway mac %q failed validation", mac)
	}
	report.Mac["GWT"] = mac
	return nil
}

func (e *Engine) readGatewayMAC() (string, error) {
	path := e.macFile
	if path == "" {
		path = "/sys/class/net/eth0/address"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(data))), nil
}

// testConsumptionBattery is soft: a failed power-on or config-consumption
// command here is recorded as a failed operation and the recipe continues,
// matching the original's test_consumption_batt (accumulates into ret_val,
// never raises FatalError).
func (e *Engine) testConsumptionBattery(ctx context.Context, cn ControlNode, report *Report, cnMeasures *[][]string) {
	if err := cn.StartStop(cnproto.ActionStart, profile.Battery); err != nil {
		report.check(e.log, 1, "open_power_start_batt", err)
	}

	if e.boardType == profile.M3 {
		if openSerial, err := e.openNode.Prepare(ctx); err == nil && openSerial != nil {
			_ = openSerial.Stop()
		}
	}

	cfg := &profile.ConsumptionConfig{
		PowerSource: profile.Battery, BoardType: e.boardType,
		Period: 1100, Average: 64, MeasurePower: true, MeasureVoltage: true, MeasureCurrent: true,
	}
	if err := cn.ConfigConsumption(cfg); err != nil {
		report.check(e.log, 1, "config_consumption_batt", err)
	}

	_ = cn.StartStop(cnproto.ActionStop, profile.Battery)
	_ = cn.StartStop(cnproto.ActionStart, profile.Battery)

	time.Sleep(batteryCollectDuration)
	_ = cn.ConfigConsumption(nil)

	extracted := ExtractMeasures(*cnMeasures, e.log)
	report.check(e.log, boolToRet(len(distinctConsumption(extracted.Consumption.Values)) > 1), "consumption_batt")
}

func distinctConsumption(samples []ConsumptionSample) map[ConsumptionSample]bool {
	set := make(map[ConsumptionSample]bool)
	for _, s := range samples {
		set[s] = true
	}
	return set
}

func boolToRet(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

func (e *Engine) checkGetTime(report *Report, serial OpenNodeSerial) {
	results := runTest(e.log, report, serial, 5, []string{"get_time"}, func(resp []string) (float64, error) {
		if len(resp) < 3 {
			return 0, fmt.Errorf("short response")
		}
		return strconv.ParseFloat(resp[2], 64)
	})
	report.check(e.log, boolToRet(len(results) > 0), "get_time")
}

func (e *Engine) getUID(report *Report, serial OpenNodeSerial) {
	ret, resp := onCall(e.log, report, serial, []string{"get_uid"})
	if ret != 0 || len(resp) < 3 {
		report.check(e.log, 1, "get_uid")
		return
	}
	uid, err := ParseUIDAnswer(resp[2:])
	if err != nil {
		report.check(e.log, 1, "get_uid")
		return
	}
	report.OpenNodeUID = uid
	report.check(e.log, 0, "get_uid")
}

func (e *Engine) sampleXYZ(report *Report, serial OpenNodeSerial, cmd string, n int) [][3]float64 {
	var samples [][3]float64
	for i := 0; i < n; i++ {
		ret, resp := onCall(e.log, report, serial, []string{cmd})
		if ret != 0 || len(resp) < 5 {
			continue
		}
		x, errX := strconv.ParseFloat(resp[2], 64)
		y, errY := strconv.ParseFloat(resp[3], 64)
		z, errZ := strconv.ParseFloat(resp[4], 64)
		if errX != nil || errY != nil || errZ != nil {
			continue
		}
		samples = append(samples, [3]float64{x, y, z})
	}
	return samples
}

func distinctXYZ(samples [][3]float64) int {
	set := make(map[[3]float64]bool)
	for _, s := range samples {
		set[s] = true
	}
	return len(set)
}

func (e *Engine) testIMU(report *Report, serial OpenNodeSerial) {
	for _, t := range []struct{ cmd, name string }{
		{"get_gyro", "gyro"},
		{"get_accelero", "accelero"},
		{"get_magneto", "magneto"},
	} {
		samples := e.sampleXYZ(report, serial, t.cmd, 10)
		report.check(e.log, boolToRet(distinctXYZ(samples) > 1), t.name)
	}
}

func (e *Engine) sampleScalar(report *Report, serial OpenNodeSerial, cmd string, n int) []float64 {
	var samples []float64
	for i := 0; i < n; i++ {
		ret, resp := onCall(e.log, report, serial, []string{cmd})
		if ret != 0 || len(resp) < 3 {
			continue
		}
		if v, err := strconv.ParseFloat(resp[2], 64); err == nil {
			samples = append(samples, v)
		}
	}
	return samples
}

func distinctFloats(samples []float64) int {
	set := make(map[float64]bool)
	for _, s := range samples {
		set[s] = true
	}
	return len(set)
}

func (e *Engine) testOnboardPeripherals(report *Report, serial OpenNodeSerial, flash bool) {
	pressure := e.sampleScalar(report, serial, "get_pressure", 10)
	report.check(e.log, boolToRet(distinctFloats(pressure) > 1), "pressure")

	onStartup := e.sampleScalar(report, serial, "get_light", 5)
	_, _ = onCall(e.log, report, serial, []string{"leds_on", "7"})
	onSamples := e.sampleScalar(report, serial, "get_light", 5)
	_, _ = onCall(e.log, report, serial, []string{"leds_off", "7"})
	all := append(append([]float64{}, onStartup...), onSamples...)
	report.check(e.log, boolToRet(distinctFloats(all) > 1), "light")

	if flash {
		ret, _ := onCall(e.log, report, serial, []string{"test_flash"})
		report.check(e.log, ret, "flash")
	}
}

func (e *Engine) testInterconnect(report *Report, cn ControlNode, serial OpenNodeSerial) {
	for _, t := range []struct {
		cnCmd, onCmd, name string
	}{
		{"gpio", "test_gpio", "gpio"},
		{"i2c", "test_i2c", "i2c"},
	} {
		if err := cn.SendRaw([]string{t.cnCmd, "start"}); err != nil {
			report.check(e.log, 1, t.name)
			continue
		}
		successes := 0
		for i := 0; i < 5; i++ {
			ret, _ := onCall(e.log, report, serial, []string{t.onCmd})
			if ret == 0 {
				successes++
			}
		}
		_ = cn.SendRaw([]string{t.cnCmd, "stop"})
		report.check(e.log, boolToRet(successes > 0), t.name)
	}
}

func (e *Engine) testRadio(report *Report, cn ControlNode, serial OpenNodeSerial, channel int, cnMeasures *[][]string) {
	successes := 0
	for i := 0; i < 10; i++ {
		ret, _ := onCall(e.log, report, serial, []string{"radio_ping_pong", strconv.Itoa(channel), "0"})
		if ret == 0 {
			successes++
		}
	}
	report.check(e.log, boolToRet(successes > 0), "radio_ping_pong")

	rc := &profile.RadioConfig{Mode: profile.RadioRSSI, Channels: []int{channel}, PeriodMs: 10, NumPerChannel: 0}
	if err := cn.ConfigRadio(rc); err != nil {
		report.check(e.log, 1, "radio_rssi")
		return
	}
	before := len(*cnMeasures)
	for i := 0; i < 10; i++ {
		_, _ = onCall(e.log, report, serial, []string{"radio_pkt", strconv.Itoa(channel), "0"})
		time.Sleep(500 * time.Millisecond)
	}
	_ = cn.ConfigRadio(nil)

	extracted := ExtractMeasures((*cnMeasures)[before:], e.log)
	hasSignal := false
	for _, v := range extracted.Radio.Values {
		if v.RSSI != noSignalRSSI {
			hasSignal = true
			break
		}
	}
	report.check(e.log, boolToRet(hasSignal), "radio_rssi")
}

func (e *Engine) testConsumptionDC(cn ControlNode, report *Report, cnMeasures *[][]string) {
	if err := cn.StartStop(cnproto.ActionStop, profile.DC); err != nil {
		report.check(e.log, 1, "power_dc", err)
	}
	if err := cn.StartStop(cnproto.ActionStart, profile.DC); err != nil {
		report.check(e.log, 1, "power_dc", err)
	}

	cfg := &profile.ConsumptionConfig{
		PowerSource: profile.DC, BoardType: e.boardType,
		Period: 1100, Average: 64, MeasurePower: true, MeasureVoltage: true, MeasureCurrent: true,
	}
	before := len(*cnMeasures)
	if err := cn.ConfigConsumption(cfg); err != nil {
		report.check(e.log, 1, "consumption_dc")
		return
	}
	time.Sleep(dcCollectDuration)
	_ = cn.ConfigConsumption(nil)
	time.Sleep(dcFlushDuration)

	extracted := ExtractMeasures((*cnMeasures)[before:], e.log)
	report.check(e.log, boolToRet(len(distinctConsumption(extracted.Consumption.Values)) > 1), "consumption_dc")
}

func (e *Engine) testLEDConsumption(cn ControlNode, report *Report, cnMeasures *[][]string) {
	cfg := &profile.ConsumptionConfig{
		PowerSource: profile.DC, BoardType: e.boardType,
		Period: 1100, Average: 64, MeasurePower: true,
	}
	before := len(*cnMeasures)
	if err := cn.ConfigConsumption(cfg); err != nil {
		report.check(e.log, 1, "leds_consumption")
		return
	}

	switchTimes := make(map[int]float64, len(ledMasks))
	start := time.Now()
	for _, mask := range ledMasks {
		if mask != 0 {
			_ = cn.SendRaw([]string{"leds_on", strconv.Itoa(mask)})
		}
		switchTimes[mask] = time.Since(start).Seconds()
		time.Sleep(ledHoldDuration)
		time.Sleep(ledHoldDuration)
		if mask != 0 {
			_ = cn.SendRaw([]string{"leds_off", strconv.Itoa(mask)})
		}
	}
	_ = cn.ConfigConsumption(nil)

	extracted := ExtractMeasures((*cnMeasures)[before:], e.log)
	powerValues := make([]float64, len(extracted.Consumption.Values))
	for i, s := range extracted.Consumption.Values {
		powerValues[i] = s.Power
	}

	zeroValue := ValueAfter(extracted.Consumption.Timestamps, powerValues, switchTimes[0])
	ok := true
	for _, mask := range ledMasks {
		if mask == 0 {
			continue
		}
		v := ValueAfter(extracted.Consumption.Timestamps, powerValues, switchTimes[mask])
		if !(v > zeroValue) {
			ok = false
		}
	}
	report.check(e.log, boolToRet(ok), "leds_consumption")
}

func (e *Engine) testGPS(report *Report, serial OpenNodeSerial) {
	_, _ = onCall(e.log, report, serial, []string{"test_pps_start"})
	deadline := time.Now().Add(ppsPollMax)
	pass := false
	for time.Now().Before(deadline) {
		time.Sleep(ppsPollInterval)
		ret, resp := onCall(e.log, report, serial, []string{"test_pps_get"})
		if ret == 0 && len(resp) >= 3 {
			if count, err := strconv.Atoi(resp[2]); err == nil && count > 2 {
				pass = true
				break
			}
		}
	}
	_, _ = onCall(e.log, report, serial, []string{"test_pps_stop"})
	report.check(e.log, boolToRet(pass), "gps")
}

func (e *Engine) finalize(cn ControlNode, serial OpenNodeSerial, pass, blink bool) {
	if serial != nil {
		_, _ = onCall(e.log, newReport(), serial, []string{"leds_off", "7"})
	}
	if pass {
		if serial != nil {
			_, _ = onCall(e.log, newReport(), serial, []string{"leds_blink", "7", "500"})
		}
		if blink {
			_ = cn.GreenLEDBlink()
		}
	}
}
