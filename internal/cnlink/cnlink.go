// Package cnlink is the bidirectional channel to the control-node bridge
// process: a child command that speaks newline-terminated, space-tokenized
// text on stdin/stderr.
//
// It generalizes control_node/cn_interface.py's ControlNodeSerial: a
// one-in-flight response slot guarded by a send mutex, a readiness signal
// released by a "cn_serial_ready" line, and unsolicited measurement lines
// routed to an injected sink instead of the response slot.
package cnlink

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iotlab/gatewayd/internal/gwerrors"
	"github.com/iotlab/gatewayd/internal/supervisor"
	"go.uber.org/zap"
)

const responseTimeout = 1 * time.Second

// MeasurementSink receives one measurement frame's tokens at a time, with
// tokens[0] normalized to "measures_debug" regardless of whether the bridge
// emitted the debug-tag form ("measures_debug:") or the bare frame form. It
// is invoked on the reader goroutine and MUST NOT block.
type MeasurementSink func(tokens []string)

// ExperimentFiles names the four measurement-stream files the control node
// should be told to write to for the duration of an experiment. The
// controller only names the paths; the bridge's OML exporter writes them.
type ExperimentFiles struct {
	ExperimentID int
	User         string
	Radio        string
	Consumption  string
	Event        string
	Sniffer      string
}

// Link owns exactly one control-node bridge child process and its reader
// goroutine.
type Link struct {
	log       *zap.Logger
	sup       *supervisor.Supervisor
	bridgeBin string
	tty       string

	sendMu sync.Mutex
	respCh chan []string

	readyCh chan struct{}
	exited  chan struct{}

	sinkMu sync.Mutex
	sink   MeasurementSink

	omlPath string
}

// New returns a Link that will spawn bridgeBin against tty.
func New(log *zap.Logger, bridgeBin, tty string) *Link {
	return &Link{
		log:       log,
		sup:       supervisor.New(log),
		bridgeBin: bridgeBin,
		tty:       tty,
		respCh:    make(chan []string, 1),
	}
}

// Start spawns the bridge and blocks until it emits cn_serial_ready on
// stderr, or returns a non-nil error if the bridge exits first. When files
// is non-nil, a transient OML configuration blob naming the four
// measurement files is written and passed to the bridge via -c; it is
// removed on Stop.
func (l *Link) Start(ctx context.Context, files *ExperimentFiles, sink MeasurementSink) error {
	l.sinkMu.Lock()
	l.sink = sink
	l.sinkMu.Unlock()

	l.readyCh = make(chan struct{}, 1)
	l.exited = make(chan struct{}, 1)

	args := []string{l.bridgeBin, "-t", l.tty}
	if files != nil {
		path, err := l.writeOMLConfig(files)
		if err != nil {
			return fmt.Errorf("cnlink: %w", err)
		}
		l.omlPath = path
		args = append(args, "-c", path)
	} else {
		args = append(args, "-d")
	}

	exited := l.exited
	err := l.sup.Start(ctx, args, l.handleLine, func(code int) {
		if l.log != nil {
			l.log.Error("control-node bridge exited", zap.Int("exit_code", code))
		}
		select {
		case exited <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("cnlink: start bridge: %w", err)
	}

	select {
	case <-l.readyCh:
		return nil
	case <-exited:
		return fmt.Errorf("cnlink: bridge exited before signaling ready")
	}
}

// SendCommand writes argv as a space-joined, newline-terminated line to the
// bridge's stdin and waits up to 1s for the next non-asynchronous response
// line. At most one call is in flight at a time. Returns
// gwerrors.ErrProtocolTimeout if no response line arrives in time.
func (l *Link) SendCommand(argv []string) ([]string, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	// Drain any stale response left from a dropped/unmatched prior line.
	select {
	case <-l.respCh:
	default:
	}

	stdin := l.sup.Stdin()
	if stdin == nil {
		return nil, fmt.Errorf("cnlink: %w", gwerrors.ErrChildExit)
	}

	line := strings.Join(argv, " ") + "\n"
	if _, err := stdin.Write([]byte(line)); err != nil {
		return nil, fmt.Errorf("cnlink: write command: %w", err)
	}

	select {
	case resp := <-l.respCh:
		return resp, nil
	case <-time.After(responseTimeout):
		return nil, gwerrors.ErrProtocolTimeout
	}
}

// Stop terminates the bridge and cleans up the OML config blob. Idempotent.
func (l *Link) Stop() error {
	err := l.sup.Stop()
	if l.omlPath != "" {
		_ = os.Remove(l.omlPath)
		l.omlPath = ""
	}
	return err
}

func (l *Link) handleLine(line string) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return
	}

	head := strings.TrimSuffix(tokens[0], ":")

	switch {
	case head == "config_ack":
		if l.log != nil {
			l.log.Debug("config ack", zap.Strings("tokens", tokens))
		}
		if len(tokens) >= 3 && tokens[1] == "set_time" {
			if delta, err := strconv.ParseFloat(tokens[2], 64); err == nil {
				if l.log != nil {
					l.log.Debug("set_time clock delta", zap.Int64("delta_us", int64(1e6*delta)))
				}
			}
		}

	case head == "error":
		if l.log != nil {
			l.log.Error("control node error", zap.Strings("tokens", tokens))
		}

	case head == "cn_serial_error":
		if l.log != nil {
			l.log.Error("control node serial error", zap.String("line", line))
		}

	case head == "measures_debug":
		frame := append([]string{"measures_debug"}, tokens[1:]...)
		l.sinkMu.Lock()
		sink := l.sink
		l.sinkMu.Unlock()
		if sink != nil {
			sink(frame)
		}

	case head == "cn_serial_ready":
		select {
		case l.readyCh <- struct{}{}:
		default:
		}

	default:
		select {
		case l.respCh <- tokens:
		default:
			if l.log != nil {
				l.log.Error("dropped control node response: response slot full", zap.Strings("tokens", tokens))
			}
		}
	}
}

const omlTemplate = `<omlc exp_id="%d" user="%s">
  <collect file="%s" name="radio" />
  <collect file="%s" name="consumption" />
  <collect file="%s" name="event" />
  <collect file="%s" name="sniffer" />
</omlc>
`

func (l *Link) writeOMLConfig(files *ExperimentFiles) (string, error) {
	f, err := os.CreateTemp("", "oml-cfg-*.xml")
	if err != nil {
		return "", fmt.Errorf("create oml config: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf(omlTemplate, files.ExperimentID, files.User,
		files.Radio, files.Consumption, files.Event, files.Sniffer)
	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("write oml config: %w", err)
	}
	return f.Name(), nil
}
