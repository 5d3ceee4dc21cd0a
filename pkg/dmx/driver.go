// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// Config carries the install-time options of one port.
type Config struct {
	// UID is the port's responder UID. The zero value disables the RDM
	// responder; the port still transmits and receives.
	UID rdm.UID

	// BreakLen is the transmitted break duration in microseconds.
	// Zero selects BreakLenDefault.
	BreakLen int64

	// MABLen is the transmitted mark-after-break duration in
	// microseconds. Zero selects MABLenDefault.
	MABLen int64

	// Device seeds the responder's builtin parameters.
	Device DeviceIdentity

	// Store receives committed non-volatile parameter data. Nil
	// disables persistence.
	Store Store

	// Logf receives driver diagnostics. Nil discards them.
	Logf func(format string, args ...interface{})
}

// Driver owns one bus port: the 513-slot frame buffer, the transmit and
// receive state machine, and the RDM responder. All exported methods are
// safe for concurrent use; the interrupt path shares state with the task
// path under the spin mutex only.
type Driver struct {
	port  int
	uart  UART
	timer Timer

	// mu serializes callers. Held across Send and Receive but never by
	// the interrupt path.
	mu sync.Mutex

	// spin guards the state shared with the interrupt handlers.
	spin sync.Mutex

	// notify wakes the single blocked task. Capacity one with
	// overwrite so the latest completion wins.
	notify  chan error
	waiting bool

	// data is the frame buffer: start code plus 512 slots.
	data [MaxPacketSize]byte

	// head is the RX/TX cursor. -1 means no frame is in the buffer.
	head int

	// txSize and rxSize are the sticky packet sizes for each direction.
	txSize int
	rxSize int

	flags   uint32
	rdmType uint32

	// lastSlotTS is the clock at the end of the last slot on the wire,
	// used to derive inter-packet spacing.
	lastSlotTS int64

	breakLen int64
	mabLen   int64

	// tn is the responder's transaction number echo and the
	// controller's next transaction number.
	tn uint8

	uid            rdm.UID
	ident          DeviceIdentity
	personalities  []Personality
	discoveryMuted bool
	identifyDevice bool
	params         []parameter
	slab           [ParameterSlabSize]byte
	slabUsed       int
	stagedCount    int
	queued         []rdm.PID
	statusMessages []StatusMessage
	deviceInfo     rdm.DeviceInfo

	store Store
	logf  func(format string, args ...interface{})

	// clock returns microseconds. Injectable for tests and the
	// simulator.
	clock func() int64

	enabled bool
}

var (
	driversMu sync.Mutex
	drivers   [MaxPorts]*Driver
)

// Install attaches a driver to the given port over the supplied transport
// and returns it. The port begins enabled, receiver on, with no frame in
// the buffer.
func Install(port int, uart UART, timer Timer, cfg Config) (*Driver, error) {
	if port < 0 || port >= MaxPorts {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArg, port)
	}
	if uart == nil || timer == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidArg)
	}

	driversMu.Lock()
	defer driversMu.Unlock()
	if drivers[port] != nil {
		return nil, fmt.Errorf("%w: port %d already installed", ErrInvalidArg, port)
	}

	d := &Driver{
		port:     port,
		uart:     uart,
		timer:    timer,
		notify:   make(chan error, 1),
		head:     -1,
		breakLen: BreakLenDefault,
		mabLen:   MABLenDefault,
		uid:      cfg.UID,
		store:    cfg.Store,
		logf:     cfg.Logf,
		clock:    monotonicMicros,
		enabled:  true,
	}
	if cfg.BreakLen != 0 {
		d.breakLen = clamp(cfg.BreakLen, BreakLenMin, BreakLenMax)
	}
	if cfg.MABLen != 0 {
		d.mabLen = clamp(cfg.MABLen, MABLenMin, MABLenMax)
	}
	if d.logf == nil {
		d.logf = func(string, ...interface{}) {}
	}

	d.flags = driverIsIdle
	d.ident = cfg.Device
	startAddr := cfg.Device.StartAddress
	if startAddr == 0 {
		startAddr = 1
	}
	d.personalities = cfg.Device.Personalities
	if len(d.personalities) == 0 {
		d.personalities = []Personality{{
			Footprint:   cfg.Device.Footprint,
			Description: cfg.Device.ModelDescription,
		}}
	}
	if len(d.personalities) > 255 {
		d.personalities = d.personalities[:255]
	}
	d.deviceInfo = rdm.DeviceInfo{
		RDMVersion:         0x0100,
		ModelID:            cfg.Device.ModelID,
		ProductCategory:    cfg.Device.ProductCategory,
		SoftwareVersionID:  cfg.Device.SoftwareVersionID,
		Footprint:          d.personalities[0].Footprint,
		CurrentPersonality: 1,
		PersonalityCount:   uint8(len(d.personalities)),
		StartAddress:       startAddr,
	}

	uart.SetBaudRate(BaudRate)
	uart.AttachInterrupt(d.serviceInterrupt)
	timer.AttachAlarm(d.handleAlarm)
	uart.SetRTS(true)
	uart.EnableInterrupts(IntrRxAll)

	if d.uid != 0 {
		d.registerBuiltinParameters()
	}

	drivers[port] = d
	return d, nil
}

// Uninstall detaches the driver from its port. The transport is quiesced
// and the port slot freed for a later Install.
func Uninstall(port int) error {
	if port < 0 || port >= MaxPorts {
		return fmt.Errorf("%w: port %d", ErrInvalidArg, port)
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	d := drivers[port]
	if d == nil {
		return ErrNotInstalled
	}

	d.mu.Lock()
	d.spin.Lock()
	d.enabled = false
	d.spin.Unlock()
	d.uart.DisableInterrupts(IntrRxAll | IntrTxAll)
	d.uart.DetachInterrupt()
	d.timer.Stop()
	d.timer.DetachAlarm()
	d.mu.Unlock()

	drivers[port] = nil
	return nil
}

// Installed reports whether a driver is attached to the port.
func Installed(port int) bool {
	if port < 0 || port >= MaxPorts {
		return false
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	return drivers[port] != nil
}

// Port returns the driver installed on the port, or nil.
func Port(port int) *Driver {
	if port < 0 || port >= MaxPorts {
		return nil
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	return drivers[port]
}

// UID returns the port's responder UID.
func (d *Driver) UID() rdm.UID {
	return d.uid
}

// Disable quiesces the port without uninstalling it. Blocking operations
// on a disabled port return ErrNotEnabled.
func (d *Driver) Disable() {
	d.mu.Lock()
	d.spin.Lock()
	d.enabled = false
	d.spin.Unlock()
	d.uart.DisableInterrupts(IntrRxAll | IntrTxAll)
	d.timer.Stop()
	d.mu.Unlock()
}

// Enable re-arms a disabled port's receiver.
func (d *Driver) Enable() {
	d.mu.Lock()
	d.spin.Lock()
	d.enabled = true
	d.head = -1
	d.flags = driverIsIdle
	d.spin.Unlock()
	d.uart.RxFIFOReset()
	d.uart.SetRTS(true)
	d.uart.EnableInterrupts(IntrRxAll)
	d.mu.Unlock()
}

// SetBaudRate reprograms the port rate, clamped to the DMX window.
func (d *Driver) SetBaudRate(baud uint32) uint32 {
	if baud < MinBaudRate {
		baud = MinBaudRate
	} else if baud > MaxBaudRate {
		baud = MaxBaudRate
	}
	d.mu.Lock()
	d.uart.SetBaudRate(baud)
	d.mu.Unlock()
	return baud
}

// BaudRate returns the current port rate.
func (d *Driver) BaudRate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uart.BaudRate()
}

// SetBreakLen sets the transmitted break duration in microseconds,
// clamped to the legal window, and returns the applied value.
func (d *Driver) SetBreakLen(us int64) int64 {
	us = clamp(us, BreakLenMin, BreakLenMax)
	d.spin.Lock()
	d.breakLen = us
	d.spin.Unlock()
	return us
}

// BreakLen returns the transmitted break duration in microseconds.
func (d *Driver) BreakLen() int64 {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.breakLen
}

// SetMABLen sets the transmitted mark-after-break duration in
// microseconds, clamped to the legal window, and returns the applied
// value.
func (d *Driver) SetMABLen(us int64) int64 {
	us = clamp(us, MABLenMin, MABLenMax)
	d.spin.Lock()
	d.mabLen = us
	d.spin.Unlock()
	return us
}

// MABLen returns the transmitted mark-after-break duration in
// microseconds.
func (d *Driver) MABLen() int64 {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.mabLen
}

// notifyWaiter wakes the blocked task with err, overwriting any stale
// completion. Callers hold d.spin.
func (d *Driver) notifyWaiter(err error) {
	if !d.waiting {
		return
	}
	select {
	case <-d.notify:
	default:
	}
	d.notify <- err
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var monotonicBase = time.Now()

// monotonicMicros is the default driver clock.
func monotonicMicros() int64 {
	return time.Since(monotonicBase).Microseconds()
}
