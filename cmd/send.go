// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/limelight/pkg/dmx"
	"github.com/spf13/cobra"
)

var (
	sendHex   string
	sendRamp  bool
	sendSlots int
	sendRate  float64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Transmit DMX slot data",
	Long: `Transmit a null start code DMX frame, once or at a refresh rate.

Slot values come from --hex (slot 1 onward) or from --ramp, which fills
--slots slots with an incrementing pattern. With --rate the frame repeats
at the given frequency until interrupted; the ramp pattern advances one
step per refresh.

Examples:
  limelight send --loopback --hex "FF 80 00 40"
  limelight send --port /dev/ttyUSB0 --ramp --slots 24 --rate 40

Exit codes:
  0 - frame(s) transmitted
  1 - connection or transmit error`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendHex, "hex", "", "Slot values as hex bytes, slot 1 onward")
	sendCmd.Flags().BoolVar(&sendRamp, "ramp", false, "Fill slots with an incrementing ramp")
	sendCmd.Flags().IntVar(&sendSlots, "slots", 24, "Slot count for --ramp")
	sendCmd.Flags().Float64Var(&sendRate, "rate", 0, "Refresh rate in frames per second (0 sends once)")
	rootCmd.AddCommand(sendCmd)
}

// parseSlotHex parses "FF 80 00" style slot data into a full frame with
// the null start code prepended.
func parseSlotHex(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == ',' {
			return -1
		}
		return r
	}, s)

	slots, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("bad slot data %q: %v", s, err)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("no slot data in %q", s)
	}
	if len(slots) > dmx.MaxPacketSize-1 {
		return nil, fmt.Errorf("%d slots given, a frame carries at most %d", len(slots), dmx.MaxPacketSize-1)
	}

	frame := make([]byte, len(slots)+1)
	copy(frame[1:], slots)
	return frame, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendHex == "" && !sendRamp {
		return fmt.Errorf("one of --hex or --ramp is required")
	}
	if sendSlots < 1 || sendSlots > dmx.MaxPacketSize-1 {
		return fmt.Errorf("--slots %d out of range 1..%d", sendSlots, dmx.MaxPacketSize-1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var frame []byte
	var err error
	if sendHex != "" {
		frame, err = parseSlotHex(sendHex)
		if err != nil {
			return err
		}
	} else {
		frame = rampFrame(sendSlots, 0)
	}

	transmit, closer, connInfo, err := openTransmitter()
	if err != nil {
		return err
	}
	defer closer()

	fmt.Printf("Limelight - Send\n")
	fmt.Printf("Connection: %s\n", connInfo)

	if sendRate <= 0 {
		if err := transmit(frame); err != nil {
			return err
		}
		fmt.Printf("Sent %d slots\n", len(frame)-1)
		return nil
	}

	fmt.Printf("Refreshing %d slots at %.1f Hz, press Ctrl+C to stop\n", len(frame)-1, sendRate)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / sendRate))
	defer ticker.Stop()

	phase := byte(0)
	sent := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("Sent %d frames\n", sent)
			return nil
		case <-ticker.C:
			if sendRamp {
				phase++
				frame = rampFrame(sendSlots, phase)
			}
			if err := transmit(frame); err != nil {
				return err
			}
			sent++
		}
	}
}

// openTransmitter returns a frame transmit function for the selected
// connection mode.
func openTransmitter() (func([]byte) error, func() error, string, error) {
	if loopback {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, nil, "", err
		}
		lb, err := OpenLoopback(cfg)
		if err != nil {
			return nil, nil, "", err
		}
		transmit := func(frame []byte) error {
			lb.Controller.Write(frame)
			if _, err := lb.Controller.Send(len(frame)); err != nil {
				return err
			}
			return nil
		}
		return transmit, lb.Close, fmt.Sprintf("Loopback: %d responders", len(lb.Responders)), nil
	}

	if portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, nil, "", err
		}
		transmit := func(frame []byte) error {
			if err := conn.SendBreak(); err != nil {
				return err
			}
			_, err := conn.Write(frame)
			return err
		}
		return transmit, conn.Close, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, nil, "", fmt.Errorf("either --port or --loopback must be specified")
}
