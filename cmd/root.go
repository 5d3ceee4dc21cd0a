// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// Loopback mode flags
	loopback   bool
	configPath string

	// Controller identity
	controllerUID string
)

var rootCmd = &cobra.Command{
	Use:   "limelight",
	Short: "DMX512-A / RDM bus tool",
	Long: `Limelight - A CLI tool for driving, monitoring and discovering devices
on a DMX512-A / RDM (ANSI E1.20) bus.

Provides commands for transmitting slot data, watching bus traffic, running
RDM discovery, toggling device identify, measuring line timing, recording
captures and bridging bus events over WebSocket.

Connection modes:
  Serial:   --port /dev/ttyUSB0 [--baud 250000]
  Loopback: --loopback [--config bus.yaml]

Loopback mode runs against an in-memory simulated bus populated with the
responders described in the config file, so every command can be exercised
without RS-485 hardware. Serial mode expects an RS-485 transceiver whose
driver-enable line follows RTS.`,
	Version: "0.4.0",
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 250000, "Baud rate (serial only)")

	// Loopback mode flags
	rootCmd.PersistentFlags().BoolVarP(&loopback, "loopback", "l", false, "Run against the in-memory simulated bus")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Bus config file (yaml)")

	rootCmd.PersistentFlags().StringVar(&controllerUID, "uid", "", "Controller UID (XXXX:XXXXXXXX)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
