// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

// The driver talks to hardware through two small interfaces: a UART with an
// RS-485 direction pin and TX-line inversion, and a free-running microsecond
// timer with a one-shot or auto-reload alarm. The simulator in sim.go
// implements both; a port to real hardware supplies its own.

// UART interrupt event bits. A transport raises these through the handler
// registered with AttachInterrupt; the driver masks them with
// EnableInterrupts / DisableInterrupts.
const (
	// IntrRxBreak fires when a break condition ends on the RX line.
	IntrRxBreak uint32 = 1 << iota

	// IntrRxData fires when the RX FIFO crosses its fill threshold.
	IntrRxData

	// IntrRxIdle fires when the RX line has been idle past the
	// inter-slot gap with data pending.
	IntrRxIdle

	// IntrRxOverflow fires when the RX FIFO overflowed.
	IntrRxOverflow

	// IntrRxFrameError fires on a framing error in a received slot.
	IntrRxFrameError

	// IntrTxData fires when the TX FIFO has room for more slots.
	IntrTxData

	// IntrTxDone fires when the last slot has left the shift register.
	IntrTxDone

	// IntrBusCollision fires when a transmitted slot read back
	// differently than written.
	IntrBusCollision
)

// Interrupt masks for the RX and TX halves of the UART.
const (
	IntrRxAll = IntrRxBreak | IntrRxData | IntrRxIdle | IntrRxOverflow |
		IntrRxFrameError | IntrBusCollision
	IntrTxAll = IntrTxData | IntrTxDone
)

// InterruptHandler services UART events. It runs on the transport's
// interrupt context; the driver takes its own spinlock inside.
type InterruptHandler func(status uint32)

// AlarmHandler services timer alarm events.
type AlarmHandler func()

// UART abstracts the RS-485 transceiver attached to one bus port.
// All methods must be safe to call from the interrupt context.
type UART interface {
	// InterruptStatus returns the pending event bits.
	InterruptStatus() uint32

	// EnableInterrupts unmasks the given event bits.
	EnableInterrupts(mask uint32)

	// DisableInterrupts masks the given event bits.
	DisableInterrupts(mask uint32)

	// ClearInterrupts acknowledges the given event bits.
	ClearInterrupts(mask uint32)

	// RxFIFOLen returns the number of unread slots in the RX FIFO.
	RxFIFOLen() int

	// ReadRxFIFO drains up to len(p) slots into p and returns the count.
	ReadRxFIFO(p []byte) int

	// RxFIFOReset discards any unread RX slots.
	RxFIFOReset()

	// TxFIFOLen returns the number of slots waiting in the TX FIFO.
	TxFIFOLen() int

	// WriteTxFIFO queues up to len(p) slots and returns the count taken.
	WriteTxFIFO(p []byte) int

	// SetBaudRate reprograms the signalling rate.
	SetBaudRate(baud uint32)

	// BaudRate returns the current signalling rate.
	BaudRate() uint32

	// InvertTx inverts the TX line when on is true. Holding the line
	// inverted transmits a break.
	InvertTx(on bool)

	// SetRTS drives the RS-485 direction pin: true enables the
	// receiver, false enables the transmitter.
	SetRTS(receive bool)

	// RTS returns the current direction pin state.
	RTS() bool

	// AttachInterrupt registers the driver's event handler.
	AttachInterrupt(h InterruptHandler)

	// DetachInterrupt removes the event handler.
	DetachInterrupt()
}

// Timer abstracts the auxiliary microsecond timer that shapes break and
// mark-after-break and arms inter-packet spacing. All methods must be safe
// to call from the interrupt context.
type Timer interface {
	// SetCount sets the current count in microseconds.
	SetCount(us int64)

	// Count returns the current count in microseconds.
	Count() int64

	// SetAlarm arms the alarm at the given count. With autoReload the
	// timer restarts from zero after each alarm.
	SetAlarm(us int64, autoReload bool)

	// Start starts the timer from its current count.
	Start()

	// Stop halts the timer.
	Stop()

	// AttachAlarm registers the driver's alarm handler.
	AttachAlarm(h AlarmHandler)

	// DetachAlarm removes the alarm handler.
	DetachAlarm()
}
