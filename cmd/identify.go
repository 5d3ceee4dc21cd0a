// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/limelight/pkg/rdm"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <uid> <on|off>",
	Short: "Toggle a device's identify indicator",
	Long: `Set IDENTIFY_DEVICE on a target responder.

A responder with identify on activates its physical locator (typically a
blinking fixture or LED) so it can be matched to a UID on a rig.

Examples:
  limelight identify 7FF0:00000010 on --loopback
  limelight identify 044E:01AB23CD off --port /dev/ttyUSB0

Exit codes:
  0 - device acknowledged the set
  1 - connection error, NACK or timeout`,
	Args: cobra.ExactArgs(2),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	uid, err := ParseUID(args[0])
	if err != nil {
		return err
	}

	var value byte
	switch args[1] {
	case "on":
		value = 1
	case "off":
		value = 0
	default:
		return fmt.Errorf("state %q must be on or off", args[1])
	}

	controller, closer, connInfo, err := OpenController()
	if err != nil {
		return err
	}
	defer closer.Close()

	fmt.Printf("Limelight - Identify\n")
	fmt.Printf("Connection: %s\n", connInfo)

	h, pd, err := controller.Request(uid, rdm.CCSetCommand, rdm.PIDIdentifyDevice, rdm.SubDeviceRoot, []byte{value}, 0)
	if err != nil {
		return fmt.Errorf("identify set failed: %v", err)
	}
	if h == nil {
		fmt.Printf("Broadcast identify %s sent\n", args[1])
		return nil
	}
	if h.ResponseType() == rdm.ResponseTypeNackReason {
		nr, _ := rdm.UnmarshalNackReason(pd)
		return fmt.Errorf("device NACKed: %s", rdm.FormatNackReason(nr))
	}
	if h.ResponseType() != rdm.ResponseTypeAck {
		return fmt.Errorf("unexpected response type 0x%02X", uint8(h.ResponseType()))
	}

	fmt.Printf("%s identify %s\n", uid, args[1])
	return nil
}
