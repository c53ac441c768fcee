// Package autotestserial is the line-oriented request/response channel to
// the open node's self-test firmware, grounded on m3_node_interface.py's
// OpenNodeSerial: a background reader goroutine that assembles whole lines
// (tolerating firmware that only emits bytes when polled) and a
// request/response call that drains stale input before writing.
//
// The A8 case reuses this same type: the TTY path it opens is a local
// pseudo-terminal fed by an SSH-launched tunnel to the A8's on-board UART,
// set up by internal/opennode; this package is agnostic to how the path
// came to exist.
package autotestserial

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	responseTimeout = 5 * time.Second
	pollPause       = 100 * time.Millisecond
)

// Serial is the open-node autotest line protocol over a single TTY.
type Serial struct {
	log  *zap.Logger
	path string
	baud int

	mu   sync.Mutex
	port serial.Port

	msgCh chan []string
	done  chan struct{}
}

// New returns a Serial bound to path at baud. Start must be called before
// Send.
func New(log *zap.Logger, path string, baud int) *Serial {
	return &Serial{log: log, path: path, baud: baud}
}

// Start opens the TTY and spawns the reader goroutine.
func (s *Serial) Start() error {
	mode := &serial.Mode{BaudRate: s.baud}
	port, err := serial.Open(s.path, mode)
	if err != nil {
		return fmt.Errorf("autotestserial: open %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.port = port
	s.msgCh = make(chan []string, 256)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(port, s.done)
	return nil
}

// Stop closes the TTY and joins the reader goroutine. Idempotent.
func (s *Serial) Stop() error {
	s.mu.Lock()
	port := s.port
	done := s.done
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	_ = port.Close()
	if done != nil {
		<-done
	}
	return nil
}

// Send writes argv as a space-joined, newline-terminated line and waits up
// to 5s for the next line, tokenized by whitespace. Returns (nil, nil) on
// timeout, matching the original's None-on-Queue.Empty behavior: no
// response is not itself an error, it is a failed command the caller must
// interpret.
func (s *Serial) Send(argv []string) ([]string, error) {
	s.mu.Lock()
	port := s.port
	msgCh := s.msgCh
	s.mu.Unlock()

	if port == nil {
		return nil, fmt.Errorf("autotestserial: not started")
	}

	drain(msgCh)

	line := strings.Join(argv, " ") + "\n"
	if _, err := port.Write([]byte(line)); err != nil {
		return nil, fmt.Errorf("autotestserial: write: %w", err)
	}

	select {
	case resp := <-msgCh:
		return resp, nil
	case <-time.After(responseTimeout):
		return nil, nil
	}
}

// Ack reports whether resp is a valid acknowledgement of the command whose
// first token was cmd: tokens[0]=="ACK" and tokens[1]==cmd.
func Ack(resp []string, cmd string) bool {
	return len(resp) >= 2 && resp[0] == "ACK" && resp[1] == cmd
}

func drain(ch chan []string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *Serial) readLoop(port serial.Port, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReader(port)
	var line strings.Builder

	for {
		b, err := reader.ReadByte()
		if err != nil {
			return
		}
		if b == '\n' {
			text := strings.TrimRight(line.String(), "\r")
			line.Reset()
			if text == "" {
				continue
			}
			tokens := strings.Fields(text)
			s.mu.Lock()
			ch := s.msgCh
			s.mu.Unlock()
			select {
			case ch <- tokens:
			default:
				if s.log != nil {
					s.log.Warn("autotest serial response slot full, dropping", zap.Strings("tokens", tokens))
				}
			}
			continue
		}
		line.WriteByte(b)
		// Firmware that only emits bytes when the line is polled produces
		// no data between reads; this pause keeps the loop from busy
		// spinning while still noticing bytes as soon as they arrive.
		if reader.Buffered() == 0 {
			time.Sleep(pollPause)
		}
	}
}
