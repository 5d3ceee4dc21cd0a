// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// PacketInfo summarizes a received frame. Size slots are available through
// the Read methods after Receive returns.
type PacketInfo struct {
	// Err is nil for a clean frame, ErrTimeout when the wait expired,
	// ErrImproperSlot on a framing error, ErrDataOverflow on overrun.
	Err error

	// SC is the start code of the frame.
	SC byte

	// Size is the frame length including the start code.
	Size int

	// IsRDM is true when the frame decoded as a valid RDM message.
	IsRDM bool
}

// sendTimeout bounds the wait for a previous transmission to drain before
// a new one may start.
const sendTimeout = 23 * time.Millisecond

// discResponseWait bounds the controller's wait for discovery responses.
const discResponseWait = 10 * time.Millisecond

// classify inspects the first size bytes of the frame buffer and returns
// the RDM classification flags. Callers hold d.spin.
func (d *Driver) classify(size int) uint32 {
	if size < rdm.HeaderSize+rdm.ChecksumSize || d.data[0] != rdm.SC || d.data[1] != rdm.SubSC {
		return 0
	}
	h, err := rdm.DecodeHeader(d.data[:size])
	if err != nil || h.MessageLen()+rdm.ChecksumSize != size {
		return 0
	}
	if !rdm.VerifyChecksum(d.data[:size]) {
		return 0
	}
	t := rdmIsValid
	if h.CC.IsRequest() {
		t |= rdmIsRequest
	}
	if h.DestUID.IsBroadcast() {
		t |= rdmIsBroadcast
	}
	if h.CC == rdm.CCDiscCommand && h.PID == rdm.PIDDiscUniqueBranch {
		t |= rdmIsDiscUniqueBranch
	}
	if d.uid != 0 && d.uid.IsTarget(h.DestUID) {
		t |= rdmIsRecipient
	}
	return t
}

// packetSize returns the expected on-wire size of the RDM message in the
// buffer, or 0 if the buffer does not start a plausible message. Callers
// hold d.spin.
func (d *Driver) packetSize() int {
	if d.head < 3 || d.data[0] != rdm.SC || d.data[1] != rdm.SubSC {
		return 0
	}
	msgLen := int(d.data[2])
	if msgLen < rdm.HeaderSize {
		return 0
	}
	return msgLen + rdm.ChecksumSize
}

// serviceInterrupt is the UART event handler. It runs on the transport's
// interrupt context and must not block.
func (d *Driver) serviceInterrupt(status uint32) {
	d.spin.Lock()
	defer d.spin.Unlock()

	if status&IntrRxAll != 0 {
		// Any line activity cancels a pending spacing or response
		// timer.
		if d.flags&driverTimerRunning != 0 {
			d.timer.Stop()
			d.flags &^= driverTimerRunning
		}

		if d.head >= 0 && status&(IntrRxData|IntrRxIdle|IntrRxFrameError) != 0 {
			n := d.uart.ReadRxFIFO(d.data[d.head:])
			d.head += n
			d.lastSlotTS = d.clock()
		} else if d.head < 0 {
			d.uart.RxFIFOReset()
		}

		switch {
		case status&IntrRxOverflow != 0:
			d.completeFrame(ErrDataOverflow)
			d.uart.RxFIFOReset()
		case status&IntrRxFrameError != 0 && d.head <= 0:
			// A framing error with no frame in progress is the tail
			// of a break; the break event starts the new frame.
			d.uart.ClearInterrupts(IntrRxFrameError)
		case status&IntrRxFrameError != 0:
			d.completeFrame(ErrImproperSlot)
			d.uart.RxFIFOReset()
		case status&IntrRxBreak != 0:
			// A break terminates the previous frame and opens the
			// next one.
			if d.head > 0 && d.flags&driverHasData == 0 {
				d.rxSize = d.head
				d.completeFrame(nil)
			}
			d.head = 0
			d.flags &^= driverIsIdle | driverHasData
			d.uart.RxFIFOReset()
		default:
			if d.head >= MaxPacketSize {
				// Slots left in the FIFO did not fit the buffer.
				var err error
				if d.uart.RxFIFOLen() > 0 {
					err = ErrDataOverflow
				}
				d.completeFrame(err)
				break
			}
			if ps := d.packetSize(); ps > 0 && d.head >= ps {
				d.completeFrame(nil)
				break
			}
			if status&IntrRxIdle != 0 && d.head > 0 {
				// Line went quiet mid-frame: the frame is as
				// long as it is going to get.
				d.rxSize = d.head
				d.completeFrame(nil)
			}
		}
		d.uart.ClearInterrupts(status & IntrRxAll)
	}

	if status&IntrTxData != 0 {
		n := d.uart.WriteTxFIFO(d.data[d.head:d.txSize])
		d.head += n
		if d.head >= d.txSize {
			d.uart.DisableInterrupts(IntrTxData)
		}
		d.uart.ClearInterrupts(IntrTxData)
	}

	if status&IntrBusCollision != 0 {
		d.flags |= driverCollision
		d.uart.ClearInterrupts(IntrBusCollision)
	}

	if status&IntrTxDone != 0 {
		d.flags &^= driverIsSending
		d.lastSlotTS = d.clock()
		d.uart.DisableInterrupts(IntrTxAll)
		d.uart.ClearInterrupts(IntrTxDone)
		d.notifyWaiter(nil)

		// Fast turnaround for RDM requests: flip to receive before
		// the responder can start its reply.
		if d.rdmType&rdmIsValid != 0 && d.rdmType&rdmIsRequest != 0 {
			if d.rdmType&rdmIsDiscUniqueBranch != 0 {
				// Discovery responses carry no break, so open
				// the frame immediately.
				d.head = 0
			} else {
				d.head = -1
			}
			d.flags &^= driverIsIdle | driverHasData
			d.uart.RxFIFOReset()
			d.uart.SetRTS(true)
		}
	}
}

// completeFrame marks the frame in the buffer received and wakes the
// blocked task. Callers hold d.spin.
func (d *Driver) completeFrame(err error) {
	if d.head < 0 {
		return
	}
	d.flags |= driverHasData | driverIsIdle
	d.flags &^= driverSentLast
	d.rdmType = d.classify(d.head)
	d.notifyWaiter(err)
}

// handleAlarm is the timer event handler. While sending it sequences
// break, mark-after-break, and the first FIFO fill; otherwise it ends an
// inter-packet spacing or response-lost wait.
func (d *Driver) handleAlarm() {
	d.spin.Lock()
	defer d.spin.Unlock()

	switch {
	case d.flags&driverIsSending != 0 && d.flags&driverIsInBreak != 0:
		d.uart.InvertTx(false)
		d.flags &^= driverIsInBreak
		d.timer.SetAlarm(d.mabLen, false)
	case d.flags&driverIsSending != 0:
		n := d.uart.WriteTxFIFO(d.data[d.head:d.txSize])
		d.head += n
		d.timer.Stop()
		d.flags &^= driverTimerRunning
		if d.head < d.txSize {
			d.uart.EnableInterrupts(IntrTxAll)
		} else {
			d.uart.EnableInterrupts(IntrTxDone)
		}
	default:
		d.timer.Stop()
		d.flags &^= driverTimerRunning
		d.notifyWaiter(nil)
	}
}

// awaitNotify blocks until the interrupt path delivers a completion or the
// wait expires. Callers hold d.mu but not d.spin. A negative wait blocks
// forever.
func (d *Driver) awaitNotify(wait time.Duration) (error, bool) {
	d.spin.Lock()
	d.waiting = true
	d.spin.Unlock()
	defer func() {
		d.spin.Lock()
		d.waiting = false
		d.spin.Unlock()
	}()

	if wait < 0 {
		return <-d.notify, true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case err := <-d.notify:
		return err, true
	case <-t.C:
		return nil, false
	}
}

// WaitSent blocks until the port finishes transmitting or the wait
// expires, and reports whether the line is quiet.
func (d *Driver) WaitSent(wait time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitSentLocked(wait)
}

func (d *Driver) waitSentLocked(wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		d.spin.Lock()
		sending := d.flags&driverIsSending != 0
		d.spin.Unlock()
		if !sending {
			return true
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		d.awaitNotify(remain)
	}
}

// Send transmits size slots from the frame buffer: break, mark after
// break, then data. A size of zero resends the previous packet size. The
// call returns once the transmission is underway; use WaitSent to wait
// for the line. Returns the number of slots queued, which is zero when
// the port is busy or an RDM response window has already closed.
func (d *Driver) Send(size int) (int, error) {
	if !d.mu.TryLock() {
		return 0, nil
	}
	defer d.mu.Unlock()
	return d.sendLocked(size)
}

// sendLocked is Send with d.mu already held, for the responder path.
func (d *Driver) sendLocked(size int) (int, error) {
	if size < 0 || size > MaxPacketSize {
		return 0, ErrPacketSize
	}
	if !d.enabled {
		return 0, ErrNotEnabled
	}
	if size == 0 {
		size = d.txSize
	}
	if size == 0 {
		return 0, nil
	}

	if !d.waitSentLocked(sendTimeout) {
		return 0, nil
	}

	d.spin.Lock()
	outType := d.classify(size)
	sentLast := d.flags&driverSentLast != 0
	elapsed := d.clock() - d.lastSlotTS
	d.spin.Unlock()
	responding := outType&rdmIsValid != 0 && outType&rdmIsRequest == 0

	// Responders must get their reply moving inside the turnaround
	// window; past it the controller has already moved on.
	if responding && elapsed > ResponderResponseLostTimeout {
		return 0, nil
	}

	// Enforce inter-packet spacing from the end of the last slot. Any
	// RDM send that follows a receive gets the turnaround minimum,
	// whether or not it is answering a request; back-to-back sends are
	// spaced by the kind of packet going out.
	var spacing int64
	switch {
	case outType&rdmIsValid == 0:
	case !sentLast:
		spacing = PacketSpacingResponse
	case outType&rdmIsDiscUniqueBranch != 0:
		spacing = PacketSpacingDiscoveryNoResponse
	case outType&rdmIsBroadcast != 0:
		spacing = PacketSpacingBroadcast
	case outType&rdmIsRequest != 0:
		spacing = PacketSpacingRequestNoResponse
	}
	if elapsed < spacing {
		d.spin.Lock()
		d.timer.SetCount(elapsed)
		d.timer.SetAlarm(spacing, false)
		d.timer.Start()
		d.flags |= driverTimerRunning
		d.spin.Unlock()
		d.awaitNotify(time.Duration(spacing-elapsed)*time.Microsecond + sendTimeout)
	}

	d.spin.Lock()
	defer d.spin.Unlock()

	d.uart.SetRTS(false)
	d.txSize = size
	d.rdmType = d.classify(size)
	d.flags &^= driverCollision

	if d.data[0] == rdm.SCPreamble || d.data[0] == rdm.SCDelimiter {
		// Discovery responses are sent without a break.
		d.head = 0
		d.flags |= driverIsSending
		n := d.uart.WriteTxFIFO(d.data[:size])
		d.head += n
		if d.head < size {
			d.uart.EnableInterrupts(IntrTxAll)
		} else {
			d.uart.EnableInterrupts(IntrTxDone)
		}
	} else {
		d.head = 0
		d.flags |= driverIsInBreak | driverIsSending | driverTimerRunning
		d.timer.SetCount(0)
		d.timer.SetAlarm(d.breakLen, true)
		d.timer.Start()
		d.uart.InvertTx(true)
	}

	d.flags |= driverSentLast
	if d.rdmType&rdmIsValid != 0 && d.rdmType&rdmIsRequest != 0 {
		d.tn++
	}
	return size, nil
}

// Receive blocks until a frame lands in the buffer or the wait expires.
// When the port's responder is enabled and the frame is a valid RDM
// request addressed to this port, the response is generated and sent
// before Receive returns. Returns the frame size; on timeout the size is
// zero and info.Err is ErrTimeout.
func (d *Driver) Receive(info *PacketInfo, wait time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return 0, ErrNotEnabled
	}

	// Let any transmission in flight finish before turning the line.
	d.waitSentLocked(sendTimeout)

	d.spin.Lock()
	if !d.uart.RTS() {
		// Turn the line around: drop any stale frame and listen.
		d.uart.SetRTS(true)
		d.head = -1
		d.flags &^= driverHasData
		d.uart.RxFIFOReset()
	}

	if d.flags&driverHasData != 0 {
		size := d.fillInfo(info, nil)
		d.spin.Unlock()
		d.respondIfRequest(info)
		return size, nil
	}

	// After an unanswered DISC_UNIQUE_BRANCH the controller may declare
	// the response lost early instead of waiting out the caller's
	// timeout.
	var earlyTimeout bool
	if d.flags&driverSentLast != 0 && d.rdmType&rdmIsDiscUniqueBranch != 0 {
		elapsed := d.clock() - d.lastSlotTS
		if elapsed >= ControllerResponseLostTimeout {
			d.spin.Unlock()
			d.timeoutInfo(info)
			d.commitOne()
			return 0, ErrTimeout
		}
		d.timer.SetCount(elapsed)
		d.timer.SetAlarm(ControllerResponseLostTimeout, false)
		d.timer.Start()
		d.flags |= driverTimerRunning
		earlyTimeout = true
	}
	d.spin.Unlock()

	deadline := time.Now().Add(wait)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			d.timeoutInfo(info)
			d.commitOne()
			return 0, ErrTimeout
		}
		err, ok := d.awaitNotify(remain)

		d.spin.Lock()
		if d.flags&driverHasData != 0 {
			size := d.fillInfo(info, err)
			d.spin.Unlock()
			d.respondIfRequest(info)
			return size, nil
		}
		stillWaiting := d.flags&driverTimerRunning != 0
		d.spin.Unlock()

		if ok && earlyTimeout && !stillWaiting {
			// The response-lost window closed with nothing on
			// the line.
			d.timeoutInfo(info)
			d.commitOne()
			return 0, ErrTimeout
		}
		if !ok {
			d.timeoutInfo(info)
			d.commitOne()
			return 0, ErrTimeout
		}
	}
}

// fillInfo populates info from the frame in the buffer and marks the frame
// consumed, so the next Receive waits for a new one. Callers hold d.spin.
func (d *Driver) fillInfo(info *PacketInfo, err error) int {
	size := d.head
	if info != nil {
		info.Err = err
		info.SC = d.data[0]
		info.Size = size
		info.IsRDM = d.rdmType&rdmIsValid != 0
	}
	d.head = -1
	d.flags &^= driverHasData
	return size
}

// timeoutInfo populates info for a timed-out receive.
func (d *Driver) timeoutInfo(info *PacketInfo) {
	if info != nil {
		info.Err = ErrTimeout
		info.SC = 0
		info.Size = 0
		info.IsRDM = false
	}
}

// respondIfRequest runs the responder for a freshly received frame.
// Callers hold d.mu but not d.spin.
func (d *Driver) respondIfRequest(info *PacketInfo) {
	if d.uid == 0 || info == nil || info.Err != nil || !info.IsRDM {
		return
	}
	d.spin.Lock()
	t := d.rdmType
	d.spin.Unlock()
	if t&rdmIsRequest == 0 || t&rdmIsRecipient == 0 {
		return
	}
	d.dispatch(info)
}
