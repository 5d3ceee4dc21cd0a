// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/limelight/pkg/rdm"
	"github.com/spf13/cobra"
)

var (
	captureOutput string
	captureDump   string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record bus traffic to a CBOR capture file",
	Long: `Append observed frames to a CBOR capture stream.

Each record carries the capture direction, a timestamp and the raw frame
bytes. Captures can be replayed through --dump, which decodes and prints
the recorded frames without touching the bus.

Examples:
  limelight capture --loopback --output bus.cbor
  limelight capture --port /dev/ttyUSB0 --output rig.cbor
  limelight capture --dump rig.cbor

Exit codes:
  0 - capture closed cleanly
  1 - connection or file error`,
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "", "Capture file to append to")
	captureCmd.Flags().StringVar(&captureDump, "dump", "", "Print an existing capture file and exit")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	if captureDump != "" {
		return dumpCapture(captureDump)
	}
	if captureOutput == "" {
		return fmt.Errorf("one of --output or --dump is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.OpenFile(captureOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %v", captureOutput, err)
	}
	defer f.Close()
	writer := rdm.NewCaptureWriter(f)

	events, _, closer, connInfo, err := openEventStream(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	fmt.Printf("Limelight - Capture\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Recording to %s, press Ctrl+C to stop\n\n", captureOutput)

	recorded := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("Recorded %d frames\n", recorded)
			return nil
		case ev, ok := <-events:
			if !ok {
				fmt.Printf("Recorded %d frames\n", recorded)
				return nil
			}
			frame := ev.wireBytes()
			if frame == nil {
				continue
			}
			if err := writer.Write(rdm.NewCaptureRecord(rdm.CaptureRX, frame)); err != nil {
				return fmt.Errorf("capture write failed: %v", err)
			}
			recorded++
		}
	}
}

// dumpCapture prints a recorded capture stream.
func dumpCapture(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %v", path, err)
	}
	defer f.Close()

	records, err := rdm.ReadCaptures(f)
	if err != nil {
		return fmt.Errorf("failed to read captures: %v", err)
	}

	dec := rdm.NewDecoder()
	for i, rec := range records {
		fmt.Printf("#%d %s %s %d bytes\n", i+1, rec.Timestamp.Format("15:04:05.000"), rec.Direction, len(rec.Raw))

		dec.Reset()
		p, err := dec.Decode(rec.Raw)
		switch {
		case err != nil:
			fmt.Printf("  undecodable: %v\n", err)
		case p != nil:
			fmt.Print(rdm.FormatPacket(p))
		case len(rec.Raw) > 0:
			fmt.Printf("  DMX sc=0x%02X %d slots\n", rec.Raw[0], len(rec.Raw)-1)
		}
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}
