package autotest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/iotlab/gatewayd/internal/autotestserial"
	"go.uber.org/zap"
)

// MACAddressPattern validates a colon-separated MAC address string, e.g.
// the value read from /sys/class/net/eth0/address.
var MACAddressPattern = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// Report is the structured pass/fail result of one autotest run.
type Report struct {
	Outcome     int
	Success     []string
	Error       []string
	Mac         map[string]string
	OpenNodeUID string
	Warnings    map[string]string
}

func newReport() *Report {
	return &Report{Mac: map[string]string{}}
}

// check records operation as a success or failure depending on whether ret
// is zero, logs a failure at error level with logArgs attached, and returns
// abs(ret). This is the exact behavior of the original's _check: ret==0 is
// always success regardless of sign, any nonzero ret (positive or
// negative) is a failure whose magnitude is returned.
func (r *Report) check(log *zap.Logger, ret int, operation string, logArgs ...interface{}) int {
	if ret == 0 {
		r.Success = append(r.Success, operation)
		return 0
	}
	r.Error = append(r.Error, operation)
	if log != nil {
		log.Error(operation, zap.Any("response", logArgs))
	}
	if ret < 0 {
		return -ret
	}
	return ret
}

// FormatUID splits a 24-hex-character open-node UID into six
// colon-separated 4-hex groups: U[0:4]:U[4:8]:...:U[20:24].
func FormatUID(raw string) string {
	groups := make([]string, 0, 6)
	for i := 0; i+4 <= len(raw); i += 4 {
		groups = append(groups, raw[i:i+4])
	}
	return strings.Join(groups, ":")
}

// ParseUIDAnswer formats the UID out of a get_uid response, where answer[0]
// is the raw 24-hex-character string.
func ParseUIDAnswer(answer []string) (string, error) {
	if len(answer) < 1 {
		return "", fmt.Errorf("autotest: empty uid answer")
	}
	raw := answer[0]
	if len(raw) != 24 {
		return "", fmt.Errorf("autotest: uid must be 24 hex chars, got %d", len(raw))
	}
	return FormatUID(raw), nil
}

// pyListRepr renders items the way Python's repr() of a list of strings
// would, matching the literal "On Command: ['cmd']" log format the
// original's _on_call produces.
func pyListRepr(items []string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = "'" + it + "'"
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// onCall sends cmd to the open node over serial and validates the ack. On
// failure it records "On Command: [...]" as a failed operation in report
// and returns a nonzero code alongside whatever response was received (nil
// on timeout).
func onCall(log *zap.Logger, report *Report, serial OpenNodeSerial, cmd []string) (int, []string) {
	resp, err := serial.Send(cmd)
	if err != nil || !autotestserial.Ack(resp, cmd[0]) {
		operation := "On Command: " + pyListRepr(cmd)
		ret := report.check(log, 1, operation, resp)
		return ret, resp
	}
	return 0, resp
}

// runTest issues cmd num times, keeping only the parsed value of successful
// calls. parse failures (a response that acks but whose payload doesn't
// parse) are silently skipped, matching the original's forgiving
// "keep whatever parses" behavior; failed calls are already recorded by
// onCall.
func runTest(log *zap.Logger, report *Report, serial OpenNodeSerial, num int, cmd []string, parse func([]string) (float64, error)) []float64 {
	var results []float64
	for i := 0; i < num; i++ {
		ret, resp := onCall(log, report, serial, cmd)
		if ret != 0 {
			continue
		}
		if v, err := parse(resp); err == nil {
			results = append(results, v)
		}
	}
	return results
}
