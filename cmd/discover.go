// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/limelight/pkg/dmx"
	"github.com/Thermoquad/limelight/pkg/rdm"
	"github.com/spf13/cobra"
)

var (
	discoverTimeout time.Duration
	discoverInfo    bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run RDM discovery",
	Long: `Discover RDM responders on the bus.

Runs the full discovery sequence: a broadcast un-mute followed by a binary
search over the UID space, muting each responder as it is found. With
--info each discovered device is additionally queried for DEVICE_INFO and
its device label.

Examples:
  limelight discover --port /dev/ttyUSB0
  limelight discover --loopback --info

Exit codes:
  0 - discovery completed (possibly with zero devices)
  1 - connection or protocol error`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 30*time.Second, "Overall discovery deadline")
	discoverCmd.Flags().BoolVar(&discoverInfo, "info", false, "Query DEVICE_INFO for each discovered device")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	controller, closer, connInfo, err := OpenController()
	if err != nil {
		return err
	}
	defer closer.Close()

	fmt.Printf("Limelight - RDM Discovery\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	start := time.Now()
	found, err := dmx.DiscoverDevices(ctx, controller)
	if err != nil {
		return fmt.Errorf("discovery failed: %v", err)
	}

	if len(found) == 0 {
		fmt.Printf("No responders found in %v\n", time.Since(start).Round(time.Millisecond))
		return nil
	}

	fmt.Printf("Found %d responder(s) in %v:\n\n", len(found), time.Since(start).Round(time.Millisecond))
	for i, uid := range found {
		if !discoverInfo {
			fmt.Printf("  %2d  %s\n", i+1, uid)
			continue
		}
		fmt.Printf("  %2d  %s  %s\n", i+1, uid, describeDevice(controller, uid))
	}
	return nil
}

// describeDevice queries DEVICE_INFO and DEVICE_LABEL for the summary
// line. Failures degrade to a note instead of aborting the listing.
func describeDevice(c Controller, uid rdm.UID) string {
	h, pd, err := c.Request(uid, rdm.CCGetCommand, rdm.PIDDeviceInfo, rdm.SubDeviceRoot, nil, 0)
	if err != nil || h == nil {
		return fmt.Sprintf("(device info unavailable: %v)", err)
	}
	info, err := rdm.UnmarshalDeviceInfo(pd)
	if err != nil {
		return fmt.Sprintf("(bad device info: %v)", err)
	}

	label := ""
	if h, pd, err := c.Request(uid, rdm.CCGetCommand, rdm.PIDDeviceLabel, rdm.SubDeviceRoot, nil, 0); err == nil && h != nil {
		label = strings.TrimRight(string(pd), "\x00")
	}

	summary := fmt.Sprintf("model 0x%04X, footprint %d @ %d", info.ModelID, info.Footprint, info.StartAddress)
	if label != "" {
		summary += fmt.Sprintf(", %q", label)
	}
	return summary
}
