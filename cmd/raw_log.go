// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw bus bytes in a hex log",
	Long: `Continuously hex-dump bus bytes as they arrive, without decoding.

In serial mode bytes are shown exactly as read from the port. In loopback
mode each observed frame is dumped whole. The terminal is placed in raw
mode so 'q' exits immediately.

This is the lowest-level view of the line, useful when the decoder and a
device disagree about what is on the wire.

Exit codes:
  0 - exited by the user
  1 - connection error`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

// rawDump writes one hex dump block of 16 bytes per line.
func rawDump(prefix string, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%s %04X ", prefix, off)
		for _, b := range data[off:end] {
			fmt.Printf(" %02X", b)
		}
		fmt.Printf("\r\n")
	}
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Raw mode so a single 'q' exits without a newline.
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
			go func() {
				buf := make([]byte, 1)
				for {
					n, err := os.Stdin.Read(buf)
					if err != nil {
						return
					}
					if n > 0 && (buf[0] == 'q' || buf[0] == 3) {
						cancel()
						return
					}
				}
			}()
		}
	}

	fmt.Printf("Limelight - Raw Byte Log\r\n")

	if !loopback && portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return err
		}
		defer conn.Close()
		conn.SetReadTimeout(250 * time.Millisecond)

		fmt.Printf("Connection: Serial: %s @ %d baud\r\n", portName, baudRate)
		fmt.Printf("Press 'q' to exit\r\n\r\n")

		buf := make([]byte, 128)
		for {
			if ctx.Err() != nil {
				return nil
			}
			n, err := conn.Read(buf)
			if err != nil {
				fmt.Printf("[ERROR] read: %v\r\n", err)
				return nil
			}
			if n > 0 {
				rawDump(time.Now().Format("15:04:05.000"), buf[:n])
			}
		}
	}

	events, _, closer, connInfo, err := openEventStream(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	fmt.Printf("Connection: %s\r\n", connInfo)
	fmt.Printf("Press 'q' to exit\r\n\r\n")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if frame := ev.wireBytes(); frame != nil {
				rawDump(ev.Time.Format("15:04:05.000"), frame)
			}
		}
	}
}
