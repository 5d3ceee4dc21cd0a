// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"fmt"
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// ParameterCC describes which request command classes a parameter
// answers.
type ParameterCC uint8

const (
	// CCGet parameters answer GET_COMMAND.
	CCGet ParameterCC = 1 << iota

	// CCSet parameters answer SET_COMMAND.
	CCSet

	// CCDisc parameters answer DISC_COMMAND.
	CCDisc
)

// CCGetSet parameters answer both GET and SET.
const CCGetSet = CCGet | CCSet

// HandlerVerdict tells the dispatcher what to do with a handler's result.
type HandlerVerdict int

const (
	// VerdictNone silences the response to a discovery request. For GET
	// and SET the dispatcher answers NACK_REASON with NR_HARDWARE_FAULT.
	VerdictNone HandlerVerdict = iota

	// VerdictAck sends an ACK carrying the handler's parameter data.
	VerdictAck

	// VerdictAckTimer sends ACK_TIMER with the handler's delay.
	VerdictAckTimer

	// VerdictNack sends NACK_REASON with the handler's reason.
	VerdictNack

	// VerdictAckOverflow sends ACK_OVERFLOW carrying a partial payload.
	VerdictAckOverflow
)

// Response is a parameter handler's result.
type Response struct {
	Verdict HandlerVerdict
	PD      []byte
	Nack    rdm.NackReason

	// Timer is the estimated completion delay for VerdictAckTimer,
	// rounded up to 100ms on the wire.
	Timer time.Duration

	// OverridePID replaces the request PID in the response when
	// non-zero. QUEUED_MESSAGE responses answer with the queued PID.
	OverridePID rdm.PID
}

// Nack builds a NACK response.
func Nack(reason rdm.NackReason) Response {
	return Response{Verdict: VerdictNack, Nack: reason}
}

// Ack builds an ACK response carrying pd.
func Ack(pd []byte) Response {
	return Response{Verdict: VerdictAck, PD: pd}
}

// ParameterHandler produces the response to a request that passed the
// dispatcher's structural checks. It runs with the driver mutex held.
type ParameterHandler func(d *Driver, h *rdm.Header, pd []byte) Response

// ParameterCallback notifies the application after a SET request has
// been applied. It runs on the bus task once the response is on the
// wire; callbacks must not call Send or Receive.
type ParameterCallback func(d *Driver, pid rdm.PID, ctx interface{})

// ParameterDef describes a parameter to register on a port's responder.
type ParameterDef struct {
	PID    rdm.PID
	Format string
	CC     ParameterCC

	// NonVolatile parameters are staged on SET and written to the
	// port's store one at a time from the bus task's idle periods.
	NonVolatile bool

	// Default seeds the parameter's storage. Shorter values are
	// zero-padded to the format size.
	Default []byte

	// Handler overrides the generic get/set behavior. Nil installs the
	// generic handler, which serves GET from storage and SET into it.
	Handler ParameterHandler

	// Callback, with its Context, is invoked after a SET lands.
	Callback ParameterCallback
	Context  interface{}

	// Description is served through PARAMETER_DESCRIPTION for
	// manufacturer-specific parameters.
	Description string
}

// parameter is one entry of a port's table. Storage lives in the port's
// slab; a nil data slice marks a deterministic parameter whose handler
// computes the value on demand.
type parameter struct {
	pid         rdm.PID
	format      string
	cc          ParameterCC
	data        []byte
	nonVolatile bool
	staged      bool
	handler     ParameterHandler
	callback    ParameterCallback
	context     interface{}
	description string
}

// StatusMessage is one entry of the STATUS_MESSAGES collection.
type StatusMessage struct {
	SubDevice uint16
	Type      uint8
	MessageID uint16
	Data1     uint16
	Data2     uint16
}

// statusMessageFormat lays out one STATUS_MESSAGES record.
const statusMessageFormat = "wbwww"

// RegisterParameter adds a parameter to the port's responder table,
// allocating its storage from the parameter slab. Registering a PID twice
// is a no-op. The table and slab are fixed-size; registration past either
// limit fails.
func (d *Driver) RegisterParameter(def ParameterDef) error {
	size, err := rdm.PDLSize(def.Format)
	if err != nil {
		return fmt.Errorf("parameter 0x%04X: %w", uint16(def.PID), err)
	}

	d.spin.Lock()
	defer d.spin.Unlock()

	if d.findParameter(def.PID) != nil {
		return nil
	}
	if len(d.params) >= MaxParameters {
		return fmt.Errorf("parameter 0x%04X: table full", uint16(def.PID))
	}
	if d.slabUsed+size > ParameterSlabSize {
		return fmt.Errorf("parameter 0x%04X: slab full", uint16(def.PID))
	}

	data := d.slab[d.slabUsed : d.slabUsed+size : d.slabUsed+size]
	d.slabUsed += size
	copy(data, def.Default)

	d.params = append(d.params, parameter{
		pid:         def.PID,
		format:      def.Format,
		cc:          def.CC,
		data:        data,
		nonVolatile: def.NonVolatile,
		handler:     def.Handler,
		callback:    def.Callback,
		context:     def.Context,
		description: def.Description,
	})

	// Restore the persisted value over the default.
	if def.NonVolatile && d.store != nil {
		if v, err := d.store.Load(def.PID); err == nil && v != nil {
			copy(data, v)
		}
	}
	return nil
}

// RegisterAlias adds a parameter whose storage is a window into an
// already registered parameter, starting at the given byte offset.
// Writes through either PID land in the shared slab region.
func (d *Driver) RegisterAlias(def ParameterDef, target rdm.PID, offset int) error {
	size, err := rdm.PDLSize(def.Format)
	if err != nil {
		return fmt.Errorf("parameter 0x%04X: %w", uint16(def.PID), err)
	}

	d.spin.Lock()
	defer d.spin.Unlock()

	if d.findParameter(def.PID) != nil {
		return nil
	}
	if len(d.params) >= MaxParameters {
		return fmt.Errorf("parameter 0x%04X: table full", uint16(def.PID))
	}
	t := d.findParameter(target)
	if t == nil {
		return fmt.Errorf("parameter 0x%04X: alias target 0x%04X is not registered", uint16(def.PID), uint16(target))
	}
	if t.data == nil {
		return fmt.Errorf("parameter 0x%04X: alias target 0x%04X has no storage", uint16(def.PID), uint16(target))
	}
	if offset < 0 || offset+size > len(t.data) {
		return fmt.Errorf("parameter 0x%04X: alias window %d+%d is outside target 0x%04X", uint16(def.PID), offset, size, uint16(target))
	}

	d.params = append(d.params, parameter{
		pid:         def.PID,
		format:      def.Format,
		cc:          def.CC,
		data:        t.data[offset : offset+size : offset+size],
		nonVolatile: def.NonVolatile,
		handler:     def.Handler,
		callback:    def.Callback,
		context:     def.Context,
		description: def.Description,
	})
	return nil
}

// RegisterDeterministic adds a parameter with no storage. Its handler
// computes the value on every request; SetParameter fails silently and
// GetParameter returns nothing.
func (d *Driver) RegisterDeterministic(def ParameterDef) error {
	if def.Handler == nil {
		return fmt.Errorf("parameter 0x%04X: deterministic parameter without a handler", uint16(def.PID))
	}
	if _, err := rdm.PDLSize(def.Format); err != nil {
		return fmt.Errorf("parameter 0x%04X: %w", uint16(def.PID), err)
	}

	d.spin.Lock()
	defer d.spin.Unlock()

	if d.findParameter(def.PID) != nil {
		return nil
	}
	if len(d.params) >= MaxParameters {
		return fmt.Errorf("parameter 0x%04X: table full", uint16(def.PID))
	}

	d.params = append(d.params, parameter{
		pid:         def.PID,
		format:      def.Format,
		cc:          def.CC,
		handler:     def.Handler,
		callback:    def.Callback,
		context:     def.Context,
		description: def.Description,
	})
	return nil
}

// UpdateResponseHandler replaces the handler of a registered parameter
// and reports whether the PID exists.
func (d *Driver) UpdateResponseHandler(pid rdm.PID, h ParameterHandler) bool {
	d.spin.Lock()
	defer d.spin.Unlock()
	e := d.findParameter(pid)
	if e == nil {
		return false
	}
	e.handler = h
	return true
}

// UpdateCallback replaces the set notification of a registered parameter
// and reports whether the PID exists.
func (d *Driver) UpdateCallback(pid rdm.PID, cb ParameterCallback, ctx interface{}) bool {
	d.spin.Lock()
	defer d.spin.Unlock()
	e := d.findParameter(pid)
	if e == nil {
		return false
	}
	e.callback = cb
	e.context = ctx
	return true
}

// findParameter returns the table entry for pid, or nil. Callers hold
// d.spin.
func (d *Driver) findParameter(pid rdm.PID) *parameter {
	for i := range d.params {
		if d.params[i].pid == pid {
			return &d.params[i]
		}
	}
	return nil
}

// GetParameter copies the stored value of pid into p and returns the
// count, or 0 when the parameter is not registered.
func (d *Driver) GetParameter(pid rdm.PID, p []byte) int {
	d.spin.Lock()
	defer d.spin.Unlock()
	e := d.findParameter(pid)
	if e == nil {
		return 0
	}
	return copy(p, e.data)
}

// SetParameter stores up to len(p) bytes into pid's storage, clamped to
// the registered size, and returns the count. Non-volatile parameters are
// staged for commit.
func (d *Driver) SetParameter(pid rdm.PID, p []byte) int {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.setParameterLocked(pid, p)
}

func (d *Driver) setParameterLocked(pid rdm.PID, p []byte) int {
	e := d.findParameter(pid)
	if e == nil || e.data == nil {
		return 0
	}
	n := copy(e.data, p)
	if e.nonVolatile && !e.staged {
		e.staged = true
		d.stagedCount++
	}
	return n
}

// setNotification returns the parameter's set callback, or nil. The
// callback runs without the driver's locks held.
func (d *Driver) setNotification(pid rdm.PID) (ParameterCallback, interface{}) {
	d.spin.Lock()
	defer d.spin.Unlock()
	e := d.findParameter(pid)
	if e == nil {
		return nil, nil
	}
	return e.callback, e.context
}

// CommitParameter writes at most one staged non-volatile parameter to the
// port's store and reports whether any remain staged. Receive calls this
// on its timeout paths so persistence rides the bus task's idle periods.
func (d *Driver) CommitParameter() bool {
	return d.commitOne()
}

func (d *Driver) commitOne() bool {
	d.spin.Lock()
	if d.stagedCount == 0 || d.store == nil {
		d.spin.Unlock()
		return false
	}
	var pid rdm.PID
	var value []byte
	for i := range d.params {
		if d.params[i].staged {
			d.params[i].staged = false
			d.stagedCount--
			pid = d.params[i].pid
			value = append([]byte(nil), d.params[i].data...)
			break
		}
	}
	remaining := d.stagedCount > 0
	d.spin.Unlock()

	if value != nil {
		if err := d.store.Save(pid, value); err != nil {
			d.logf("commit of parameter 0x%04X failed: %v", uint16(pid), err)
		}
	}
	return remaining
}

// Parameters returns the registered PIDs in registration order.
func (d *Driver) Parameters() []rdm.PID {
	d.spin.Lock()
	defer d.spin.Unlock()
	pids := make([]rdm.PID, len(d.params))
	for i := range d.params {
		pids[i] = d.params[i].pid
	}
	return pids
}

// QueueMessage stages pid for collection through QUEUED_MESSAGE and
// reports whether it fit. Duplicate PIDs collapse to one entry.
func (d *Driver) QueueMessage(pid rdm.PID) bool {
	d.spin.Lock()
	defer d.spin.Unlock()
	for _, q := range d.queued {
		if q == pid {
			return true
		}
	}
	if len(d.queued) >= QueueMax {
		return false
	}
	d.queued = append(d.queued, pid)
	return true
}

// messageCount returns the queued-message count clamped to the wire
// field. Callers hold d.spin.
func (d *Driver) messageCount() uint8 {
	n := len(d.queued)
	if n > 255 {
		n = 255
	}
	return uint8(n)
}

// PostStatusMessage appends a status message for collection through
// STATUS_MESSAGES.
func (d *Driver) PostStatusMessage(m StatusMessage) {
	d.spin.Lock()
	d.statusMessages = append(d.statusMessages, m)
	d.spin.Unlock()
}
