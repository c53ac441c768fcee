// Command gatewayd is the gateway controller process: it loads the board
// and experiment configuration, wires the control-node link/protocol and
// open-node adapters for the detected board type, builds the experiment
// manager and autotest engine, and then waits until told to shut down,
// stopping any running experiment on the way out.
//
// There is no HTTP or CLI front door here; wiring a transport onto the
// experiment.Manager is left to whatever control-plane RPC framework the
// deployment chooses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotlab/gatewayd/internal/autotest"
	"github.com/iotlab/gatewayd/internal/autotestserial"
	"github.com/iotlab/gatewayd/internal/boardconfig"
	"github.com/iotlab/gatewayd/internal/cnlink"
	"github.com/iotlab/gatewayd/internal/cnproto"
	"github.com/iotlab/gatewayd/internal/config"
	"github.com/iotlab/gatewayd/internal/experiment"
	"github.com/iotlab/gatewayd/internal/logger"
	"github.com/iotlab/gatewayd/internal/opennode"
	"github.com/iotlab/gatewayd/internal/profile"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to gatewayd.yaml (default: search ./configs, ., ~/.gatewayd)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		LogDir:     cfg.Logger.Dir,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("gatewayd starting")

	board, err := boardconfig.Load(cfg.Paths.BoardTypeFile)
	if err != nil {
		log.Fatal("load board config", zap.Error(err))
	}
	boardType := profile.BoardType(board.BoardType)
	log.Info("board detected", zap.String("open_node_board_type", string(boardType)), zap.String("host", board.Host.Name))

	boardWatcher, err := boardconfig.WatchImmutable(cfg.Paths.BoardTypeFile, log)
	if err != nil {
		log.Warn("could not watch board type file for drift", zap.Error(err))
	} else {
		defer boardWatcher.Close()
	}

	link := cnlink.New(logger.WithComponent("cnlink"), cfg.Gateway.ControlNodeBridge, cfg.Gateway.ControlNodeTTY)
	proto := cnproto.New(logger.WithComponent("cnproto"), link)

	resetControlNode := func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "gwt_reset", cfg.Gateway.ControlNodeTTY)
		return cmd.Run()
	}

	mgrCfg := experiment.Config{
		Log:              logger.WithComponent("experiment"),
		BoardType:        boardType,
		Link:             link,
		ControlNode:      proto,
		ResetControlNode: resetControlNode,
		IdleFirmware:     cfg.Paths.FirmwareIdleM3,
		FilesFor:         experimentFilesFor(cfg.Paths.MeasuresDir),
	}

	var autotestOpenNode autotest.OpenNodeSetup

	switch boardType {
	case profile.M3:
		m3 := opennode.NewM3Adapter(logger.WithComponent("opennode-m3"), "openocd_m3", cfg.Gateway.OpenNodeTTY, "serial_redirection", cfg.Gateway.OpenNodeRelayPort)
		mgrCfg.M3 = m3
		autotestOpenNode = &m3AutotestSetup{m3: m3, serialPath: cfg.Gateway.OpenNodeTTY, autotestFirmware: cfg.Paths.FirmwareAutotestM3, idleFirmware: cfg.Paths.FirmwareIdleM3}
	case profile.A8:
		a8 := opennode.NewA8Adapter(logger.WithComponent("opennode-a8"), cfg.Gateway.OpenNodeTTY, cfg.Gateway.OpenNodeTTY, cfg.Gateway.A8SSHHost, cfg.Gateway.A8SSHUser)
		mgrCfg.A8 = a8
		autotestOpenNode = &a8AutotestSetup{a8: a8, serialPath: cfg.Gateway.OpenNodeTTY, autotestFirmware: cfg.Paths.FirmwareAutotestA8}
	default:
		log.Fatal("unsupported board type", zap.String("board_type", string(boardType)))
	}

	mgr := experiment.New(mgrCfg)
	_ = mgr // wired to a control-plane transport by the deployment; not started here.

	engine := autotest.New(autotest.Config{
		Log:              logger.WithComponent("autotest"),
		BoardType:        boardType,
		NewLink:          func() autotest.Link { return link },
		NewControlNode:   func(l autotest.Link) autotest.ControlNode { return cnproto.New(logger.WithComponent("cnproto"), l) },
		OpenNode:         autotestOpenNode,
		ResetControlNode: resetControlNode,
	})
	_ = engine // invoked on demand by the control-plane's autotest operation.

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("gatewayd ready")
	<-ctx.Done()

	log.Info("gatewayd shutting down")
	if mgr.State() == experiment.StateRunning {
		if err := mgr.Stop(); err != nil {
			log.Error("stop experiment during shutdown", zap.Error(err))
		}
	}
}

const a8TTYAppearTimeout = 5 * time.Second

func experimentFilesFor(measuresDir string) func(user string, experimentID int) cnlink.ExperimentFiles {
	return func(user string, experimentID int) cnlink.ExperimentFiles {
		base := fmt.Sprintf("%s/%s-%d", measuresDir, user, experimentID)
		return cnlink.ExperimentFiles{
			ExperimentID: experimentID,
			User:         user,
			Radio:        base + ".radio",
			Consumption:  base + ".consumption",
			Event:        base + ".event",
			Sniffer:      base + ".sniffer",
		}
	}
}

// m3AutotestSetup adapts opennode.M3Adapter plus an autotestserial.Serial
// into autotest.OpenNodeSetup for the M3 board type.
type m3AutotestSetup struct {
	m3               *opennode.M3Adapter
	serialPath       string
	autotestFirmware string
	idleFirmware     string
	baud             int
}

func (s *m3AutotestSetup) Prepare(ctx context.Context) (autotest.OpenNodeSerial, error) {
	if err := s.m3.Flash(ctx, s.autotestFirmware); err != nil {
		return nil, err
	}
	baud := s.baud
	if baud == 0 {
		baud = 500000
	}
	serial := autotestserial.New(logger.WithComponent("autotestserial-m3"), s.serialPath, baud)
	if err := serial.Start(); err != nil {
		return nil, err
	}
	return serial, nil
}

func (s *m3AutotestSetup) Teardown(ctx context.Context, powerOff bool) error {
	if powerOff {
		return s.m3.Flash(ctx, s.idleFirmware)
	}
	return nil
}

// a8AutotestSetup adapts opennode.A8Adapter plus an autotestserial.Serial
// into autotest.OpenNodeSetup for the A8 board type.
type a8AutotestSetup struct {
	a8               *opennode.A8Adapter
	serialPath       string
	autotestFirmware string
	baud             int
}

func (s *a8AutotestSetup) Prepare(ctx context.Context) (autotest.OpenNodeSerial, error) {
	if err := s.a8.WaitTTYAppeared(a8TTYAppearTimeout); err != nil {
		return nil, err
	}
	if err := s.a8.SSHCopy(ctx, s.autotestFirmware, "/tmp/autotest_a8"); err != nil {
		return nil, err
	}
	if _, err := s.a8.SSHRun(ctx, "reboot"); err != nil {
		return nil, err
	}
	baud := s.baud
	if baud == 0 {
		baud = 115200
	}
	serial := autotestserial.New(logger.WithComponent("autotestserial-a8"), s.serialPath, baud)
	if err := serial.Start(); err != nil {
		return nil, err
	}
	return serial, nil
}

func (s *a8AutotestSetup) Teardown(ctx context.Context, powerOff bool) error {
	return s.a8.WaitTTYDisappeared(a8TTYAppearTimeout)
}
