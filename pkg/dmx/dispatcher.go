// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// The dispatcher turns a valid RDM request in the frame buffer into a
// response on the wire. It runs on the bus task inside Receive, with the
// driver mutex held, before Receive returns to the caller.

// dispatch validates the request against the parameter table, runs the
// handler, and transmits the response. Broadcast requests other than
// DISC_UNIQUE_BRANCH perform their action silently.
func (d *Driver) dispatch(info *PacketInfo) {
	d.spin.Lock()
	frame := append([]byte(nil), d.data[:info.Size]...)
	broadcast := d.rdmType&rdmIsBroadcast != 0
	d.spin.Unlock()

	h, err := rdm.DecodeHeader(frame)
	if err != nil {
		return
	}
	pd := frame[rdm.HeaderSize:h.MessageLen()]

	r := d.runHandler(h, pd)

	if h.PID == rdm.PIDDiscUniqueBranch {
		if r.Verdict != VerdictAck {
			return
		}
		d.sendDiscResponse()
		return
	}
	if h.CC != rdm.CCDiscCommand && (r.Verdict < VerdictAck || r.Verdict > VerdictAckOverflow) {
		// A GET or SET handler that gives no usable verdict is a
		// device fault.
		d.logf("parameter 0x%04X handler returned verdict %d", uint16(h.PID), r.Verdict)
		r = Nack(rdm.NRHardwareFault)
	}
	if !broadcast && r.Verdict != VerdictNone {
		d.sendResponse(h, r)
	}

	// Applied SET requests notify the application once the response is
	// out, broadcast or not.
	if h.CC == rdm.CCSetCommand && r.Verdict == VerdictAck {
		if cb, ctx := d.setNotification(h.PID); cb != nil {
			cb(d, h.PID, ctx)
		}
	}
}

// runHandler applies the structural checks a request must pass before its
// handler runs, then runs it.
func (d *Driver) runHandler(h *rdm.Header, pd []byte) Response {
	d.spin.Lock()
	e := d.findParameter(h.PID)
	d.spin.Unlock()

	if e == nil {
		return Nack(rdm.NRUnknownPID)
	}
	if h.SubDevice > rdm.SubDeviceMax && h.SubDevice != rdm.SubDeviceAll {
		return Nack(rdm.NRFormatError)
	}
	if h.SubDevice != rdm.SubDeviceRoot {
		// Sub-devices are not modeled; ALL on a SET is legal but
		// still lands on the root device.
		if h.CC == rdm.CCGetCommand || h.SubDevice != rdm.SubDeviceAll {
			return Nack(rdm.NRSubDeviceOutOfRange)
		}
	}

	var want ParameterCC
	switch h.CC {
	case rdm.CCDiscCommand:
		want = CCDisc
	case rdm.CCGetCommand:
		want = CCGet
	case rdm.CCSetCommand:
		want = CCSet
	}
	if e.cc&want == 0 {
		return Nack(rdm.NRUnsupportedCommandClass)
	}

	if e.handler != nil {
		return e.handler(d, h, pd)
	}
	return d.genericHandler(e, h, pd)
}

// genericHandler serves GET from the parameter's storage and SET into it.
func (d *Driver) genericHandler(e *parameter, h *rdm.Header, pd []byte) Response {
	if h.CC == rdm.CCGetCommand {
		if len(pd) != 0 {
			return Nack(rdm.NRFormatError)
		}
		d.spin.Lock()
		out := append([]byte(nil), e.data...)
		d.spin.Unlock()
		if terminatedASCII(e.format) {
			out = trimASCII(out)
		}
		return Ack(out)
	}

	if !setSizeValid(e.format, len(pd)) {
		return Nack(rdm.NRFormatError)
	}
	d.spin.Lock()
	if terminatedASCII(e.format) {
		for i := range e.data {
			e.data[i] = 0
		}
	}
	d.setParameterLocked(e.pid, pd)
	d.spin.Unlock()
	return Ack(nil)
}

// setSizeValid checks a SET request's data length against the format:
// exact for fixed formats, bounded for ASCII and optional-UID tails,
// whole records for repeating formats.
func setSizeValid(format string, n int) bool {
	size, terminated, err := rdm.FormatSize(format)
	if err != nil {
		return false
	}
	if terminated {
		last := format[len(format)-1]
		switch last {
		case 'a', 'A':
			return n >= size-asciiFieldMax && n <= size
		case 'v', 'V':
			return n == size || n == size-6
		default:
			return n == size
		}
	}
	if size == 0 {
		return n == 0
	}
	return n > 0 && n%size == 0 && n <= rdm.MaxPDL
}

const asciiFieldMax = 32

// sendDiscResponse puts the preamble-framed EUID on the wire.
func (d *Driver) sendDiscResponse() {
	d.spin.Lock()
	frame := rdm.EncodeDiscResponse(d.uid)
	n := d.writeFrame(frame)
	d.spin.Unlock()

	if _, err := d.sendLocked(n); err != nil {
		d.logf("discovery response send failed: %v", err)
		return
	}
	d.finishResponse()
}

// sendResponse builds and transmits a header-framed response to h.
func (d *Driver) sendResponse(h *rdm.Header, r Response) {
	resp := rdm.Header{
		DestUID:   h.SrcUID,
		SrcUID:    d.uid,
		TN:        h.TN,
		SubDevice: h.SubDevice,
		CC:        h.CC + 1,
		PID:       h.PID,
	}
	if r.OverridePID != 0 {
		resp.PID = r.OverridePID
	}

	var pd []byte
	switch r.Verdict {
	case VerdictAck:
		resp.SetResponseType(rdm.ResponseTypeAck)
		pd = r.PD
	case VerdictAckOverflow:
		resp.SetResponseType(rdm.ResponseTypeAckOverflow)
		pd = r.PD
	case VerdictAckTimer:
		resp.SetResponseType(rdm.ResponseTypeAckTimer)
		units := (r.Timer + 100*time.Millisecond - 1) / (100 * time.Millisecond)
		if units < 1 {
			units = 1
		}
		pd = []byte{byte(units >> 8), byte(units)}
	case VerdictNack:
		resp.SetResponseType(rdm.ResponseTypeNackReason)
		pd = rdm.MarshalNackReason(r.Nack)
	default:
		return
	}

	if len(pd) > rdm.MaxPDL {
		resp.SetResponseType(rdm.ResponseTypeNackReason)
		pd = rdm.MarshalNackReason(rdm.NRHardwareFault)
	}

	d.spin.Lock()
	resp.MessageCount = d.messageCount()
	var buf [rdm.MaxMessageSize]byte
	n, err := rdm.WriteMessage(buf[:], &resp, pd)
	if err != nil {
		d.spin.Unlock()
		d.logf("response encode failed: %v", err)
		return
	}
	d.writeFrame(buf[:n])
	d.spin.Unlock()

	if _, err := d.sendLocked(n); err != nil {
		d.logf("response send failed: %v", err)
		return
	}
	d.finishResponse()
}

// finishResponse waits out the transmission and hands the line back to
// the receiver.
func (d *Driver) finishResponse() {
	d.waitSentLocked(sendTimeout)
	d.spin.Lock()
	d.head = -1
	d.flags &^= driverHasData
	d.uart.RxFIFOReset()
	d.uart.SetRTS(true)
	d.spin.Unlock()
}
