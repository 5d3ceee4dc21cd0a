// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package dmx implements a DMX512-A / RDM bus driver over an RS-485
// transport. The driver owns a 513-slot frame buffer per port and drives a
// UART and an auxiliary microsecond timer through the hardware abstraction
// in hal.go. Outbound frames are shaped as break, mark-after-break, then
// data; inbound frames are delimited by breaks and line-idle gaps. An RDM
// responder is layered on top of the engine: registered parameters are
// served synchronously from Receive, and controller helpers implement the
// discovery binary search.
package dmx

// Port and packet limits
const (
	// MaxPorts is the number of bus ports the driver can manage.
	MaxPorts = 4

	// MaxPacketSize is the full DMX packet: start code plus 512 slots.
	MaxPacketSize = 513

	// BaudRate is the DMX512-A signalling rate in bits per second.
	BaudRate = 250000

	// MinBaudRate and MaxBaudRate bound the rates a port will accept.
	MinBaudRate = 245000
	MaxBaudRate = 255000
)

// Break and mark-after-break bounds in microseconds. Transmitted breaks
// may be generous; RDM responders are held to the tighter window.
const (
	BreakLenDefault = 176
	BreakLenMin     = 92
	BreakLenMax     = 1000000

	MABLenDefault = 12
	MABLenMin     = 12
	MABLenMax     = 999999

	RDMBreakLenMin = 176
	RDMBreakLenMax = 352
	RDMMABLenMin   = 12
	RDMMABLenMax   = 88
)

// RDM inter-packet spacing and response windows in microseconds.
const (
	// PacketSpacingDiscoveryNoResponse is the gap required after an
	// unanswered DISC_UNIQUE_BRANCH request.
	PacketSpacingDiscoveryNoResponse = 5800

	// PacketSpacingRequestNoResponse is the gap required after an
	// unanswered unicast request.
	PacketSpacingRequestNoResponse = 3000

	// PacketSpacingBroadcast is the gap required after a broadcast.
	PacketSpacingBroadcast = 176

	// PacketSpacingResponse is the minimum turnaround before a response.
	PacketSpacingResponse = 176

	// ControllerResponseLostTimeout is how long a controller waits for
	// the first response slot before declaring the response lost.
	ControllerResponseLostTimeout = 2800

	// ResponderResponseLostTimeout is how long a responder has to get
	// its response moving before the window closes.
	ResponderResponseLostTimeout = 2000
)

// RDM responder limits
const (
	// MaxParameters bounds the parameter table of one port.
	MaxParameters = 32

	// ParameterSlabSize is the storage arena shared by all parameters
	// of one port.
	ParameterSlabSize = 2048

	// QueueMax bounds the pending queued-message PIDs of one port.
	QueueMax = 64
)

// Driver flags. Shared between task-level code and the interrupt
// handlers; access only under the port spinlock.
const (
	driverIsInBreak uint32 = 1 << iota
	driverIsSending
	driverIsIdle
	driverHasData
	driverSentLast
	driverTimerRunning
	driverCollision
	driverBootLoader
)

// RDM classification flags for the frame currently in the buffer.
const (
	rdmIsValid uint32 = 1 << iota
	rdmIsRequest
	rdmIsBroadcast
	rdmIsDiscUniqueBranch
	rdmIsRecipient
)
