// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/limelight/pkg/rdm"
	"github.com/spf13/cobra"
)

var (
	watchTUI      bool
	watchShowAll  bool
	watchGenerate float64
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch bus traffic",
	Long: `Continuously decode and display bus traffic as it arrives.

RDM messages are decoded and printed in full; with --show-all other
frames are summarized with their start code and slot count. With --tui an interactive terminal UI
shows the live slot grid, packet rates and line timing instead of a
scrolling log.

In loopback mode --generate transmits ramp frames from the controller at
the given rate so there is traffic to observe.

Examples:
  limelight watch --port /dev/ttyUSB0
  limelight watch --loopback --generate 40 --tui

Exit codes:
  0 - interrupted by the user
  1 - connection error`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchTUI, "tui", false, "Interactive terminal UI")
	watchCmd.Flags().BoolVar(&watchShowAll, "show-all", false, "Log every frame, not just RDM and errors")
	watchCmd.Flags().Float64Var(&watchGenerate, "generate", 0, "Transmit ramp frames at this rate (loopback only)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, monitor, closer, connInfo, err := openEventStream(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	if watchGenerate > 0 {
		if monitor == nil {
			return fmt.Errorf("--generate requires --loopback")
		}
		startGenerator(ctx, monitor.lb.Controller, 24, watchGenerate)
	}

	if watchTUI {
		return runWatchTUI(ctx, events, monitor, connInfo)
	}

	fmt.Printf("Limelight - Bus Watch\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(&ev)
		}
	}
}

// printEvent writes one event to the log.
func printEvent(ev *busEvent) {
	timestamp := ev.Time.Format("15:04:05.000")

	if ev.Err != nil {
		fmt.Printf("[%s] ERROR %v\n", timestamp, ev.Err)
		if ev.Packet == nil && ev.Frame == nil {
			return
		}
	}

	switch {
	case ev.Packet != nil:
		fmt.Print(rdm.FormatPacket(ev.Packet))
	case len(ev.Frame) > 0:
		if watchShowAll {
			fmt.Printf("[%s] DMX sc=0x%02X %d slots\n", timestamp, ev.Frame[0], len(ev.Frame)-1)
		}
	}
}
