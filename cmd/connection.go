// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Thermoquad/limelight/pkg/dmx"
	"github.com/Thermoquad/limelight/pkg/rdm"
	"go.bug.st/serial"
)

// Connection is a byte stream to the bus with break signalling. Serial
// mode implements it over an RS-485 transceiver; loopback mode bypasses
// it entirely and drives the simulated bus through the driver API.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer

	// SendBreak holds the line low for a break before the next write.
	SendBreak() error

	// SetReadTimeout bounds subsequent Reads. Zero reads return n == 0.
	SetReadTimeout(d time.Duration) error
}

// serialBreakLen is the break duration asserted before each transmitted
// frame in serial mode.
const serialBreakLen = 200 * time.Microsecond

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

func (s *SerialConnection) SendBreak() error {
	return s.port.Break(serialBreakLen)
}

func (s *SerialConnection) SetReadTimeout(d time.Duration) error {
	return s.port.SetReadTimeout(d)
}

// OpenSerialConnection opens a serial port configured for the DMX line
// format: 8 data bits, no parity, two stop bits.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
	}

	return &SerialConnection{port: port}, nil
}

// Loopback is the in-memory bus: a controller driver on port 0 and one
// responder driver per configured device on the remaining ports.
type Loopback struct {
	Bus        *dmx.SimBus
	Controller *dmx.Driver
	Responders []*dmx.Driver

	ports []int
}

// OpenLoopback builds the simulated bus described by cfg.
func OpenLoopback(cfg *BusConfig) (*Loopback, error) {
	uid, err := controllerUIDFromFlags(cfg)
	if err != nil {
		return nil, err
	}

	lb := &Loopback{Bus: dmx.NewSimBus()}

	install := func(c dmx.Config) (*dmx.Driver, error) {
		port := lb.Bus.NewPort()
		d, err := dmx.Install(port.Index(), port, dmx.NewSimTimer(), c)
		if err != nil {
			lb.Close()
			return nil, err
		}
		lb.ports = append(lb.ports, port.Index())
		return d, nil
	}

	lb.Controller, err = install(dmx.Config{
		UID:      uid,
		BreakLen: cfg.BreakLen,
		MABLen:   cfg.MABLen,
	})
	if err != nil {
		return nil, err
	}

	for i := range cfg.Devices {
		dev := &cfg.Devices[i]
		devUID, err := ParseUID(dev.UID)
		if err != nil {
			lb.Close()
			return nil, err
		}

		var store dmx.Store
		if cfg.StoreDir != "" {
			fs, err := dmx.OpenFileStore(filepath.Join(cfg.StoreDir, devUID.String()+".cbor"))
			if err != nil {
				lb.Close()
				return nil, err
			}
			store = fs
		}

		d, err := install(dmx.Config{
			UID:      devUID,
			BreakLen: dev.BreakLen,
			MABLen:   dev.MABLen,
			Device:   dev.Identity(),
			Store:    store,
		})
		if err != nil {
			return nil, err
		}
		lb.Responders = append(lb.Responders, d)
	}

	return lb, nil
}

// Close uninstalls every driver and stops the bus.
func (lb *Loopback) Close() error {
	for _, port := range lb.ports {
		dmx.Uninstall(port)
	}
	lb.ports = nil
	if lb.Bus != nil {
		lb.Bus.Close()
	}
	return nil
}

// Controller issues RDM requests over some transport. *dmx.Driver is the
// loopback implementation; SerialController drives real hardware.
type Controller interface {
	dmx.DiscoveryTransport
	Request(dest rdm.UID, cc rdm.CC, pid rdm.PID, subDevice uint16, pd []byte, wait time.Duration) (*rdm.Header, []byte, error)
}

// SerialController implements Controller over a serial Connection by
// encoding requests itself and delimiting responses with the RDM decoder.
type SerialController struct {
	conn Connection
	uid  rdm.UID
	tn   uint8
}

// NewSerialController creates a controller sourcing requests from uid.
func NewSerialController(conn Connection, uid rdm.UID) *SerialController {
	return &SerialController{conn: conn, uid: uid}
}

// serialRequestWait bounds the wait for a unicast response on the wire.
const serialRequestWait = 100 * time.Millisecond

// serialDiscWait bounds the collection window for discovery responses,
// which arrive preamble-framed and without a break.
const serialDiscWait = 10 * time.Millisecond

// Request transmits one RDM request. Broadcast and discovery-branch
// requests return nil, nil once the frame is written; the caller collects
// branch responses itself.
func (c *SerialController) Request(dest rdm.UID, cc rdm.CC, pid rdm.PID, subDevice uint16, pd []byte, wait time.Duration) (*rdm.Header, []byte, error) {
	if !cc.IsRequest() {
		return nil, nil, fmt.Errorf("%w: command class 0x%02X", dmx.ErrInvalidArg, uint8(cc))
	}

	h := rdm.Header{
		DestUID:   dest,
		SrcUID:    c.uid,
		TN:        c.tn,
		PortID:    1,
		SubDevice: subDevice,
		CC:        cc,
		PID:       pid,
	}
	frame, err := rdm.EncodeMessage(&h, pd)
	if err != nil {
		return nil, nil, err
	}

	if err := c.conn.SendBreak(); err != nil {
		return nil, nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, nil, err
	}
	c.tn++

	if cc == rdm.CCDiscCommand && pid == rdm.PIDDiscUniqueBranch {
		return nil, nil, nil
	}
	if dest.IsBroadcast() {
		return nil, nil, nil
	}

	if wait == 0 {
		wait = serialRequestWait
	}
	p, err := c.readPacket(wait)
	if err != nil {
		return nil, nil, err
	}

	rh := p.Header()
	if rh == nil {
		return nil, nil, fmt.Errorf("discovery response where a message was expected")
	}
	if rh.TN != h.TN {
		return nil, nil, fmt.Errorf("response transaction number %d does not match request %d", rh.TN, h.TN)
	}
	if rh.DestUID != c.uid || rh.SrcUID != dest {
		return nil, nil, fmt.Errorf("response addressing mismatch: %s -> %s", rh.SrcUID, rh.DestUID)
	}
	if rh.CC != cc+1 {
		return nil, nil, fmt.Errorf("response command class 0x%02X for request 0x%02X", uint8(rh.CC), uint8(cc))
	}
	return rh, p.PD(), nil
}

// readPacket reads line bytes until one packet decodes or the deadline
// passes.
func (c *SerialController) readPacket(wait time.Duration) (*rdm.Packet, error) {
	deadline := time.Now().Add(wait)
	dec := rdm.NewDecoder()
	buf := make([]byte, 64)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, dmx.ErrTimeout
		}
		if err := c.conn.SetReadTimeout(remaining); err != nil {
			return nil, err
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, dmx.ErrTimeout
		}

		for i := 0; i < n; i++ {
			p, err := dec.DecodeByte(buf[i])
			if err != nil {
				return nil, err
			}
			if p != nil {
				return p, nil
			}
		}
	}
}

// Mute sends DISC_MUTE to uid. Broadcast mutes return nil, nil.
func (c *SerialController) Mute(uid rdm.UID) (*rdm.DiscMute, error) {
	return c.muteRequest(uid, rdm.PIDDiscMute)
}

// UnMute sends DISC_UN_MUTE to uid. Broadcast un-mutes return nil, nil.
func (c *SerialController) UnMute(uid rdm.UID) (*rdm.DiscMute, error) {
	return c.muteRequest(uid, rdm.PIDDiscUnMute)
}

func (c *SerialController) muteRequest(uid rdm.UID, pid rdm.PID) (*rdm.DiscMute, error) {
	h, pd, err := c.Request(uid, rdm.CCDiscCommand, pid, rdm.SubDeviceRoot, nil, serialRequestWait)
	if err != nil || h == nil {
		return nil, err
	}
	if h.ResponseType() != rdm.ResponseTypeAck {
		return nil, fmt.Errorf("mute response type 0x%02X", uint8(h.ResponseType()))
	}
	return rdm.UnmarshalDiscMute(pd)
}

// DiscUniqueBranch broadcasts a branch probe for the inclusive UID range.
// A clean EUID response returns the UID and true; a decode failure means
// overlapping transmissions and returns false with a nil error; a silent
// range returns ErrTimeout.
func (c *SerialController) DiscUniqueBranch(lower, upper rdm.UID) (rdm.UID, bool, error) {
	pd := (&rdm.DiscUniqueBranch{LowerBound: lower, UpperBound: upper}).Marshal()
	if _, _, err := c.Request(rdm.BroadcastUID, rdm.CCDiscCommand, rdm.PIDDiscUniqueBranch, rdm.SubDeviceRoot, pd, 0); err != nil {
		return 0, false, err
	}

	p, err := c.readPacket(serialDiscWait)
	if errors.Is(err, dmx.ErrTimeout) {
		return 0, false, dmx.ErrTimeout
	}
	if err != nil {
		return 0, false, nil
	}
	if !p.IsDiscResponse() {
		return 0, false, nil
	}
	return p.UID(), p.ChecksumValid(), nil
}

// OpenController opens the controller for the selected connection mode.
// The returned closer tears down whichever transport was opened.
func OpenController() (Controller, io.Closer, string, error) {
	if loopback {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, nil, "", err
		}
		lb, err := OpenLoopback(cfg)
		if err != nil {
			return nil, nil, "", err
		}
		return lb.Controller, lb, fmt.Sprintf("Loopback: %d responders", len(lb.Responders)), nil
	}

	if portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, nil, "", err
		}
		uid, err := controllerUIDFromFlags(nil)
		if err != nil {
			conn.Close()
			return nil, nil, "", err
		}
		return NewSerialController(conn, uid), conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, nil, "", fmt.Errorf("either --port or --loopback must be specified")
}
