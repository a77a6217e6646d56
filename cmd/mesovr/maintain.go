package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/hardware"
)

// referencePulseCount is the standard pulse count for valve reference and
// calibration runs.
const referencePulseCount = 200

// runMaintain is the interactive maintenance console: valve service
// commands, animal mounting posture, and imaging triggers, typed one per
// line on stdin. Maintenance runs without a session directory, so hardware
// commands are not event-logged.
func runMaintain(ctx context.Context, cliCfg *CLIConfig, cfg *AppConfig) error {
	var bus hardware.Bus
	var detach func()

	if cliCfg.Simulate {
		bus = hardware.NewMemoryBus()
		detach = func() {}
	} else {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(appName+"-maintain"))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		defer nc.Close()
		natsBus := hardware.NewNATSBus(nc)
		bus = natsBus
		detach = func() { _ = natsBus.Detach() }
	}

	logger := component.NewLogger("maintain", "maintenance", nil, slog.Default())
	ctrl, err := hardware.NewController(bus, cfg.Hardware, nil, logger)
	if err != nil {
		return err
	}
	if natsBus, ok := bus.(*hardware.NATSBus); ok {
		if err := natsBus.Attach(ctrl); err != nil {
			return err
		}
	}
	defer detach()

	fmt.Println("Maintenance console. Commands: open close close_10 reference " +
		"calibrate_<ms> lock unlock maintain mount image snapshot dispensed quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := runMaintenanceCommand(ctrl, cfg, cmd); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func runMaintenanceCommand(ctrl *hardware.Controller, cfg *AppConfig, cmd string) error {
	valve := ctrl.Valve()

	switch {
	case cmd == "open":
		return valve.SendCommand(hardware.CmdValveOpen, nil)
	case cmd == "close":
		return valve.SendCommand(hardware.CmdValveClose, nil)
	case cmd == "close_10":
		// Flush the line with ten calibrated reward pulses before closing.
		size := cfg.Runtime.RewardSizeUl
		if size <= 0 {
			size = 5.0
		}
		for i := 0; i < 10; i++ {
			if _, err := valve.Dispense(size); err != nil {
				return err
			}
		}
		return valve.SendCommand(hardware.CmdValveClose, nil)
	case cmd == "reference":
		return valve.Reference(referencePulseCount)
	case strings.HasPrefix(cmd, "calibrate_"):
		ms, err := strconv.Atoi(strings.TrimPrefix(cmd, "calibrate_"))
		if err != nil || ms <= 0 {
			return fmt.Errorf("calibrate needs a positive millisecond suffix, got %q", cmd)
		}
		return valve.Calibrate(uint32(ms)*1000, referencePulseCount)
	case cmd == "lock":
		return valve.SendCommand(hardware.CmdValveLock, nil)
	case cmd == "unlock":
		return valve.SendCommand(hardware.CmdValveUnlock, nil)
	case cmd == "maintain":
		// Free the wheel and the water line for cage servicing.
		if err := ctrl.EngageBrake(false); err != nil {
			return err
		}
		return valve.SendCommand(hardware.CmdValveUnlock, nil)
	case cmd == "mount":
		// Pin the wheel and lock the valve for animal mounting.
		if err := ctrl.EngageBrake(true); err != nil {
			return err
		}
		return valve.SendCommand(hardware.CmdValveLock, nil)
	case cmd == "image":
		return ctrl.FrameSync().StartAcquisition()
	case cmd == "snapshot":
		if err := ctrl.FrameSync().StartAcquisition(); err != nil {
			return err
		}
		return ctrl.FrameSync().StopAcquisition()
	case cmd == "dispensed":
		fmt.Printf("dispensed this console session: %.1f ul\n", valve.DispensedUl())
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
