// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import "errors"

// Sentinel errors returned by the driver API. Operations wrap these with
// context where useful; callers test with errors.Is.
var (
	// ErrTimeout is returned when a blocking operation's wait expires.
	ErrTimeout = errors.New("dmx: timed out")

	// ErrDataOverflow is returned when a received frame overran the
	// frame buffer or the UART FIFO overflowed.
	ErrDataOverflow = errors.New("dmx: data overflow")

	// ErrImproperSlot is returned when a received slot had a framing
	// error.
	ErrImproperSlot = errors.New("dmx: improper slot")

	// ErrPacketSize is returned when a requested size exceeds the
	// packet bounds.
	ErrPacketSize = errors.New("dmx: packet size")

	// ErrNotInstalled is returned when the port has no driver.
	ErrNotInstalled = errors.New("dmx: driver not installed")

	// ErrNotEnabled is returned when the port's driver is installed but
	// disabled.
	ErrNotEnabled = errors.New("dmx: driver not enabled")

	// ErrInvalidArg is returned on out-of-range arguments.
	ErrInvalidArg = errors.New("dmx: invalid argument")
)
