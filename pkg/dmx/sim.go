// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"sync"
	"time"
)

// The simulator stands in for the RS-485 transceiver and the auxiliary
// timer. A SimBus connects any number of SimPorts; a frame completed by
// one port is delivered to every listening peer as break, data, and idle
// events in order, and recorded for inspection. Timing is real: breaks
// and marks occupy actual wall-clock microseconds, so measured durations
// are at least the programmed ones. Slot shifting is instantaneous.

// SimFrame is one frame observed on a simulated bus.
type SimFrame struct {
	// Source is the index of the transmitting port, or -1 for an
	// injected frame.
	Source int

	// Data is the full frame, start code first.
	Data []byte

	// Break and MAB are the measured durations in microseconds. Both
	// are zero for frames sent without a break.
	Break int64
	MAB   int64

	Time time.Time
}

// SimBus connects simulated ports.
type SimBus struct {
	mu      sync.Mutex
	ports   []*SimPort
	frames  []SimFrame
	edgeTap func(level bool, tsMicros int64)
}

// SetEdgeTap registers a callback fed with synthesized RX line edges for
// every break-framed frame on the bus, for timing measurement.
func (b *SimBus) SetEdgeTap(tap func(level bool, tsMicros int64)) {
	b.mu.Lock()
	b.edgeTap = tap
	b.mu.Unlock()
}

// NewSimBus creates an empty bus.
func NewSimBus() *SimBus {
	return &SimBus{}
}

// NewPort attaches a new port to the bus and returns it.
func (b *SimBus) NewPort() *SimPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &SimPort{
		bus:    b,
		index:  len(b.ports),
		baud:   BaudRate,
		rts:    true,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.ports = append(b.ports, p)
	go p.pump()
	return p
}

// Frames returns a snapshot of every frame seen on the bus.
func (b *SimBus) Frames() []SimFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SimFrame(nil), b.frames...)
}

// Inject puts a frame on the bus as if from an unmodeled device.
func (b *SimBus) Inject(f SimFrame) {
	f.Source = -1
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	b.deliver(f, -1)
}

// Close stops every port's event pump.
func (b *SimBus) Close() {
	b.mu.Lock()
	ports := append([]*SimPort(nil), b.ports...)
	b.mu.Unlock()
	for _, p := range ports {
		p.close()
	}
}

// deliver records f and raises receive events on every listening port
// except the sender.
func (b *SimBus) deliver(f SimFrame, exclude int) {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	ports := append([]*SimPort(nil), b.ports...)
	tap := b.edgeTap
	b.mu.Unlock()

	if tap != nil && f.Break > 0 {
		// Synthesize the line transitions of break, mark, and the
		// first data bit.
		t0 := f.Time.UnixMicro()
		tap(false, t0)
		tap(true, t0+f.Break)
		tap(false, t0+f.Break+f.MAB)
		tap(true, t0+f.Break+f.MAB+4)
	}

	for _, p := range ports {
		if p.index == exclude {
			continue
		}
		p.receive(f)
	}
}

// SimPort is one simulated RS-485 transceiver. It implements UART.
type SimPort struct {
	bus   *SimBus
	index int

	mu      sync.Mutex
	handler InterruptHandler
	enabled uint32
	pending []simEvent
	signal  chan struct{}
	done    chan struct{}
	closed  bool

	rx        []byte
	rxPending int
	baud      uint32
	rts       bool

	txActive    bool
	txData      []byte
	invertStart time.Time
	invertEnd   time.Time
	breakDur    int64
	mabDur      int64
}

const simRxFIFOSize = 1024

// simEvent is one queued interrupt. Frame bytes ride with their data
// event and land in the RX FIFO only when the event is dequeued, so a
// FIFO reset from an earlier break event cannot swallow them.
type simEvent struct {
	status uint32
	data   []byte
}

// pump delivers queued interrupt events to the attached handler, one
// event per call so ordering survives.
func (p *SimPort) pump() {
	for {
		select {
		case <-p.done:
			return
		case <-p.signal:
		}
		for {
			p.mu.Lock()
			if len(p.pending) == 0 || p.handler == nil {
				p.mu.Unlock()
				break
			}
			ev := p.pending[0]
			p.pending = p.pending[1:]
			if len(ev.data) > 0 {
				p.rx = append(p.rx, ev.data...)
				p.rxPending -= len(ev.data)
			}
			h := p.handler
			p.mu.Unlock()
			h(ev.status)
		}
	}
}

// raiseLocked queues an interrupt event. Callers hold p.mu.
func (p *SimPort) raiseLocked(status uint32) {
	p.raiseEventLocked(simEvent{status: status})
}

func (p *SimPort) raiseEventLocked(ev simEvent) {
	ev.status &= p.enabled
	if ev.status == 0 || p.closed {
		p.rxPending -= len(ev.data)
		return
	}
	p.pending = append(p.pending, ev)
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// RaiseInterrupt queues an interrupt event from outside the bus, for
// fault injection.
func (p *SimPort) RaiseInterrupt(status uint32) {
	p.mu.Lock()
	p.raiseLocked(status)
	p.mu.Unlock()
}

// receive raises the event sequence for a frame arriving off the bus.
func (p *SimPort) receive(f SimFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rts || p.handler == nil || p.closed {
		return
	}
	if f.Break > 0 {
		p.raiseLocked(IntrRxBreak)
	}
	if len(p.rx)+p.rxPending+len(f.Data) > simRxFIFOSize {
		p.raiseLocked(IntrRxOverflow)
		return
	}
	p.rxPending += len(f.Data)
	p.raiseEventLocked(simEvent{status: IntrRxData | IntrRxIdle, data: f.Data})
}

// close stops the event pump.
func (p *SimPort) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
}

// Index returns the port's position on the bus.
func (p *SimPort) Index() int {
	return p.index
}

// InterruptStatus returns the union of queued events.
func (p *SimPort) InterruptStatus() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s uint32
	for _, ev := range p.pending {
		s |= ev.status
	}
	return s
}

// EnableInterrupts unmasks event bits. Enabling TX-done while a
// transmission is staged completes it: the frame goes on the bus and the
// done event is queued.
func (p *SimPort) EnableInterrupts(mask uint32) {
	p.mu.Lock()
	p.enabled |= mask

	var frame SimFrame
	complete := mask&IntrTxDone != 0 && p.txActive && len(p.txData) > 0
	if complete {
		frame = SimFrame{
			Source: p.index,
			Data:   append([]byte(nil), p.txData...),
			Break:  p.breakDur,
			MAB:    p.mabDur,
			Time:   time.Now(),
		}
		p.txActive = false
		p.txData = nil
		p.breakDur = 0
		p.mabDur = 0
		p.invertStart = time.Time{}
		p.invertEnd = time.Time{}
	}
	p.mu.Unlock()

	if complete {
		p.bus.deliver(frame, p.index)
		p.mu.Lock()
		p.raiseLocked(IntrTxDone)
		p.mu.Unlock()
	}
}

// DisableInterrupts masks event bits.
func (p *SimPort) DisableInterrupts(mask uint32) {
	p.mu.Lock()
	p.enabled &^= mask
	p.mu.Unlock()
}

// ClearInterrupts acknowledges event bits. Queued events were already
// consumed by the pump, so this is a no-op.
func (p *SimPort) ClearInterrupts(mask uint32) {}

// RxFIFOLen returns the number of unread received slots.
func (p *SimPort) RxFIFOLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rx)
}

// ReadRxFIFO drains received slots into buf.
func (p *SimPort) ReadRxFIFO(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(buf, p.rx)
	p.rx = p.rx[n:]
	return n
}

// RxFIFOReset discards unread received slots.
func (p *SimPort) RxFIFOReset() {
	p.mu.Lock()
	p.rx = nil
	p.mu.Unlock()
}

// TxFIFOLen returns the number of staged transmit slots.
func (p *SimPort) TxFIFOLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txData)
}

// WriteTxFIFO stages transmit slots. The first write after the mark ends
// fixes the measured mark-after-break.
func (p *SimPort) WriteTxFIFO(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txData) == 0 && !p.invertEnd.IsZero() {
		p.mabDur = time.Since(p.invertEnd).Microseconds()
	}
	p.txData = append(p.txData, buf...)
	p.txActive = true
	return len(buf)
}

// SetBaudRate reprograms the signalling rate.
func (p *SimPort) SetBaudRate(baud uint32) {
	p.mu.Lock()
	p.baud = baud
	p.mu.Unlock()
}

// BaudRate returns the signalling rate.
func (p *SimPort) BaudRate() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

// InvertTx holds the line in a break while on. The transition off fixes
// the measured break duration.
func (p *SimPort) InvertTx(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.invertStart = time.Now()
		p.txActive = true
		return
	}
	if !p.invertStart.IsZero() {
		p.invertEnd = time.Now()
		p.breakDur = p.invertEnd.Sub(p.invertStart).Microseconds()
	}
}

// SetRTS drives the direction pin.
func (p *SimPort) SetRTS(receive bool) {
	p.mu.Lock()
	p.rts = receive
	p.mu.Unlock()
}

// RTS returns the direction pin state.
func (p *SimPort) RTS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rts
}

// AttachInterrupt registers the event handler.
func (p *SimPort) AttachInterrupt(h InterruptHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// DetachInterrupt removes the event handler.
func (p *SimPort) DetachInterrupt() {
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
}

// SimTimer is a microsecond timer over the runtime clock. It implements
// Timer.
type SimTimer struct {
	mu         sync.Mutex
	handler    AlarmHandler
	base       int64
	startAt    time.Time
	running    bool
	alarmUS    int64
	autoReload bool
	armed      *time.Timer
	gen        int
}

// NewSimTimer creates a stopped timer.
func NewSimTimer() *SimTimer {
	return &SimTimer{}
}

// countLocked returns the current count. Callers hold t.mu.
func (t *SimTimer) countLocked() int64 {
	if t.running {
		return t.base + time.Since(t.startAt).Microseconds()
	}
	return t.base
}

// rearmLocked schedules the alarm callback. Callers hold t.mu.
func (t *SimTimer) rearmLocked() {
	t.gen++
	gen := t.gen
	if t.armed != nil {
		t.armed.Stop()
	}
	delay := t.alarmUS - t.countLocked()
	if delay < 0 {
		delay = 0
	}
	t.armed = time.AfterFunc(time.Duration(delay)*time.Microsecond, func() {
		t.fire(gen)
	})
}

func (t *SimTimer) fire(gen int) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.autoReload {
		// An auto-reloading timer restarts from zero at the alarm, so
		// the handler sees the count starting over.
		t.base = 0
	} else {
		t.base = t.alarmUS
	}
	t.startAt = time.Now()
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h()
	}

	t.mu.Lock()
	if t.running && gen == t.gen && t.autoReload {
		t.base = 0
		t.startAt = time.Now()
		t.rearmLocked()
	}
	t.mu.Unlock()
}

// SetCount sets the current count in microseconds.
func (t *SimTimer) SetCount(us int64) {
	t.mu.Lock()
	t.base = us
	t.startAt = time.Now()
	t.mu.Unlock()
}

// Count returns the current count in microseconds.
func (t *SimTimer) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

// SetAlarm arms the alarm at the given count.
func (t *SimTimer) SetAlarm(us int64, autoReload bool) {
	t.mu.Lock()
	t.alarmUS = us
	t.autoReload = autoReload
	if t.running {
		t.rearmLocked()
	}
	t.mu.Unlock()
}

// Start starts the timer from its current count.
func (t *SimTimer) Start() {
	t.mu.Lock()
	if !t.running {
		t.running = true
		t.startAt = time.Now()
		t.rearmLocked()
	}
	t.mu.Unlock()
}

// Stop halts the timer, freezing the count.
func (t *SimTimer) Stop() {
	t.mu.Lock()
	if t.running {
		t.base = t.countLocked()
		t.running = false
		t.gen++
		if t.armed != nil {
			t.armed.Stop()
		}
	}
	t.mu.Unlock()
}

// AttachAlarm registers the alarm handler.
func (t *SimTimer) AttachAlarm(h AlarmHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// DetachAlarm removes the alarm handler.
func (t *SimTimer) DetachAlarm() {
	t.mu.Lock()
	t.handler = nil
	t.gen++
	if t.armed != nil {
		t.armed.Stop()
	}
	t.mu.Unlock()
}
