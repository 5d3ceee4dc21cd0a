// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sniffGenerate float64

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Measure break and mark-after-break timing",
	Long: `Passively measure line timing on the simulated bus.

A monitor port observes every line transition and reports the break and
mark-after-break duration of each transmitted frame in microseconds.
Timing measurement needs line edge visibility, which only the loopback
bus provides; serial mode has no access to transitions below the UART.

The controller transmits ramp frames at --generate so there is traffic to
measure.

Examples:
  limelight sniff --loopback
  limelight sniff --loopback --generate 10

Exit codes:
  0 - interrupted by the user
  1 - setup error`,
	RunE: runSniff,
}

func init() {
	sniffCmd.Flags().Float64Var(&sniffGenerate, "generate", 20, "Transmit ramp frames at this rate")
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	if !loopback {
		return fmt.Errorf("sniff requires --loopback; serial mode cannot observe line transitions")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor, err := openLoopbackMonitor()
	if err != nil {
		return err
	}
	defer monitor.Close()

	go monitor.sniffer.Run(ctx)
	startGenerator(ctx, monitor.lb.Controller, 24, sniffGenerate)

	fmt.Printf("Limelight - Line Timing\n")
	fmt.Printf("Loopback: %d responders, generating at %.1f Hz\n", len(monitor.lb.Responders), sniffGenerate)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	count := 0
	var breakSum, mabSum int64
	for {
		select {
		case <-ctx.Done():
			if count > 0 {
				fmt.Printf("\n%d measurements, mean break %dus, mean MAB %dus\n",
					count, breakSum/int64(count), mabSum/int64(count))
			}
			return nil
		case m, ok := <-monitor.sniffer.Metrics():
			if !ok {
				return nil
			}
			count++
			breakSum += m.BreakLen
			mabSum += m.MABLen
			fmt.Printf("break %4dus  mab %3dus\n", m.BreakLen, m.MABLen)
		}
	}
}
