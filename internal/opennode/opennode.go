// Package opennode is the per-board-type façade over the open node: flash,
// reset, serial redirection, and (for A8) SSH-mediated debug-console
// access. It hides the M3/A8 capability differences behind two concrete
// adapter types rather than a shared interface, because the two boards'
// operations genuinely differ (spec §4.4) rather than merely varying in
// implementation of the same contract.
package opennode

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/iotlab/gatewayd/internal/supervisor"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const redirectionRestartBackoff = 500 * time.Millisecond

// M3Adapter drives an M3 open node: JTAG flash/reset and a TCP serial
// redirection relay, both external tools this process only supervises.
type M3Adapter struct {
	log      *zap.Logger
	jtagTool string
	tty      string
	relayBin string
	relayPort int

	relay *supervisor.Supervisor
}

// NewM3Adapter returns an adapter that invokes jtagTool for flash/reset and
// relayBin to bridge tty onto relayPort.
func NewM3Adapter(log *zap.Logger, jtagTool, tty, relayBin string, relayPort int) *M3Adapter {
	return &M3Adapter{
		log: log, jtagTool: jtagTool, tty: tty, relayBin: relayBin, relayPort: relayPort,
		relay: supervisor.New(log),
	}
}

// Flash invokes the external JTAG tool to write path to the M3's flash.
// Its return is the tool's exit code wrapped as an error, exactly
// mirroring the original's openocd_cmd.flash.
func (a *M3Adapter) Flash(ctx context.Context, path string) error {
	return runTool(ctx, a.jtagTool, "flash", a.tty, path)
}

// Reset issues a hardware reset to the M3 via the JTAG tool.
func (a *M3Adapter) Reset(ctx context.Context) error {
	return runTool(ctx, a.jtagTool, "reset", a.tty)
}

// SerialRedirectionStart exposes the M3's UART as a TCP service on
// relayPort, under supervision: a nonzero exit while redirection is wanted
// triggers a restart after a ~0.5s back-off, logging the prior exit code.
func (a *M3Adapter) SerialRedirectionStart(ctx context.Context) error {
	argv := []string{a.relayBin, "-t", a.tty, "-p", strconv.Itoa(a.relayPort)}
	supervisor.RunSupervised(ctx, a.relay, argv, nil, redirectionRestartBackoff)
	return nil
}

// SerialRedirectionStop stops the relay. Idempotent.
func (a *M3Adapter) SerialRedirectionStop() error {
	return a.relay.Stop()
}

// DebugStart/DebugStop attach/detach an external debugger to the M3 over
// JTAG by invoking the JTAG tool with debug-start/debug-stop.
func (a *M3Adapter) DebugStart(ctx context.Context) error {
	return runTool(ctx, a.jtagTool, "debug-start", a.tty)
}

func (a *M3Adapter) DebugStop(ctx context.Context) error {
	return runTool(ctx, a.jtagTool, "debug-stop", a.tty)
}

func runTool(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("opennode: %s %v: exit %d", tool, args, exitErr.ExitCode())
		}
		return fmt.Errorf("opennode: %s %v: %w", tool, args, err)
	}
	return nil
}

// bootWatchPattern is the substring a8.BootWatch scans the A8's boot
// console for to detect a completed boot to a login prompt.
var bootWatchPattern = regexp.MustCompile(" login: ")

// A8Adapter drives an A8 open node: waiting for/detecting its TTY,
// SSH-mediated file copy and command execution, and a background boot
// watcher.
type A8Adapter struct {
	zlog        *zap.Logger
	ttyPath     string
	consolePath string
	sshHost     string
	sshUser     string
}

// NewA8Adapter returns an adapter for an A8 reachable at sshUser@sshHost,
// whose UART redirection appears at ttyPath and whose raw boot console is
// readable at consolePath.
func NewA8Adapter(log *zap.Logger, ttyPath, consolePath, sshHost, sshUser string) *A8Adapter {
	return &A8Adapter{zlog: log, ttyPath: ttyPath, consolePath: consolePath, sshHost: sshHost, sshUser: sshUser}
}

// WaitTTYAppeared polls for ttyPath to exist, up to timeout.
func (a *A8Adapter) WaitTTYAppeared(timeout time.Duration) error {
	return waitCond(timeout, func() bool {
		_, err := os.Stat(a.ttyPath)
		return err == nil
	})
}

// WaitTTYDisappeared polls for ttyPath to stop existing, up to timeout.
func (a *A8Adapter) WaitTTYDisappeared(timeout time.Duration) error {
	return waitCond(timeout, func() bool {
		_, err := os.Stat(a.ttyPath)
		return os.IsNotExist(err)
	})
}

func waitCond(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("opennode: condition not met within %s", timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// BootWatch spawns a background goroutine that scans the A8's boot console
// for " login: " and logs pass/fail; it does not block the caller and its
// result is not returned synchronously, matching
// gateway_manager.py's daemonized _debug_a8_boot_start_thread.
func (a *A8Adapter) BootWatch(ctx context.Context, timeout time.Duration) {
	go func() {
		port, err := serial.Open(a.consolePath, &serial.Mode{BaudRate: 115200})
		if err != nil {
			if a.zlog != nil {
				a.zlog.Error("boot watch: open console failed", zap.Error(err))
			}
			return
		}
		defer port.Close()

		done := make(chan bool, 1)
		go func() {
			scanner := bufio.NewScanner(port)
			for scanner.Scan() {
				if bootWatchPattern.MatchString(scanner.Text()) {
					done <- true
					return
				}
			}
			done <- false
		}()

		select {
		case ok := <-done:
			if a.zlog != nil {
				a.zlog.Info("boot watch finished", zap.Bool("login_seen", ok))
			}
		case <-ctx.Done():
			if a.zlog != nil {
				a.zlog.Warn("boot watch cancelled")
			}
		case <-time.After(timeout):
			if a.zlog != nil {
				a.zlog.Warn("boot watch timed out", zap.Duration("timeout", timeout))
			}
		}
	}()
}

// SSHCopy copies src to dst on the A8 via scp, the same subprocess-based
// approach the original's open_a8_interface used rather than a Go SSH
// client library.
func (a *A8Adapter) SSHCopy(ctx context.Context, src, dst string) error {
	target := fmt.Sprintf("%s@%s:%s", a.sshUser, a.sshHost, dst)
	cmd := exec.CommandContext(ctx, "scp", src, target)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("opennode: scp %s -> %s: %w: %s", src, target, err, out)
	}
	return nil
}

// SSHRun runs cmd on the A8 over ssh and returns its combined output.
func (a *A8Adapter) SSHRun(ctx context.Context, cmd string) (string, error) {
	target := fmt.Sprintf("%s@%s", a.sshUser, a.sshHost)
	out, err := exec.CommandContext(ctx, "ssh", target, cmd).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("opennode: ssh %s %q: %w", target, cmd, err)
	}
	return string(out), nil
}
