// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

const testPID = rdm.PID(0x8000)

func TestRegisterParameter(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	def := ParameterDef{
		PID:     testPID,
		Format:  "w$",
		CC:      CCGetSet,
		Default: []byte{0x12, 0x34},
	}
	if err := d.RegisterParameter(def); err != nil {
		t.Fatalf("RegisterParameter: %v", err)
	}

	// Registering the same PID again is a no-op.
	if err := d.RegisterParameter(def); err != nil {
		t.Fatalf("duplicate RegisterParameter: %v", err)
	}
	if pids := d.Parameters(); len(pids) != 1 || pids[0] != testPID {
		t.Fatalf("parameter table %v, want [%04X]", pids, uint16(testPID))
	}

	var buf [2]byte
	if n := d.GetParameter(testPID, buf[:]); n != 2 {
		t.Fatalf("GetParameter returned %d bytes", n)
	}
	if !bytes.Equal(buf[:], []byte{0x12, 0x34}) {
		t.Fatalf("default value %v", buf)
	}

	if err := d.RegisterParameter(ParameterDef{PID: rdm.PID(0x8001), Format: "q"}); err == nil {
		t.Error("RegisterParameter accepted an unknown format verb")
	}
}

func TestSetParameterCommit(t *testing.T) {
	bus := testBus(t)
	store := NewMemoryStore()
	d := installPort(t, bus, Config{Store: store})

	if err := d.RegisterParameter(ParameterDef{
		PID:         testPID,
		Format:      "w$",
		CC:          CCGetSet,
		NonVolatile: true,
		Default:     []byte{0, 1},
	}); err != nil {
		t.Fatalf("RegisterParameter: %v", err)
	}

	if n := d.SetParameter(testPID, []byte{0xBE, 0xEF}); n != 2 {
		t.Fatalf("SetParameter returned %d", n)
	}

	// One staged parameter: the first commit drains it, the second has
	// nothing to do.
	if remaining := d.CommitParameter(); remaining {
		t.Error("CommitParameter reports more staged parameters")
	}
	v, err := store.Load(testPID)
	if err != nil || !bytes.Equal(v, []byte{0xBE, 0xEF}) {
		t.Fatalf("store holds %v, %v", v, err)
	}
	if d.CommitParameter() {
		t.Error("CommitParameter found staged parameters after draining")
	}

	// Setting the parameter twice before a commit commits the latest value.
	d.SetParameter(testPID, []byte{1, 2})
	d.SetParameter(testPID, []byte{3, 4})
	d.CommitParameter()
	v, _ = store.Load(testPID)
	if !bytes.Equal(v, []byte{3, 4}) {
		t.Fatalf("store holds %v after restage", v)
	}
}

func TestParameterRestoredFromStore(t *testing.T) {
	bus := testBus(t)
	store := NewMemoryStore()
	if err := store.Save(testPID, []byte{0xCA, 0xFE}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	d := installPort(t, bus, Config{Store: store})
	if err := d.RegisterParameter(ParameterDef{
		PID:         testPID,
		Format:      "w$",
		CC:          CCGetSet,
		NonVolatile: true,
		Default:     []byte{0, 0},
	}); err != nil {
		t.Fatalf("RegisterParameter: %v", err)
	}

	var buf [2]byte
	d.GetParameter(testPID, buf[:])
	if !bytes.Equal(buf[:], []byte{0xCA, 0xFE}) {
		t.Fatalf("persisted value not restored: %v", buf)
	}
}

func TestGetParameterUnknown(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	var buf [4]byte
	if n := d.GetParameter(testPID, buf[:]); n != 0 {
		t.Errorf("GetParameter of an unregistered PID returned %d", n)
	}
	if n := d.SetParameter(testPID, []byte{1}); n != 0 {
		t.Errorf("SetParameter of an unregistered PID returned %d", n)
	}
}

func TestRegisterAlias(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	if err := d.RegisterParameter(ParameterDef{
		PID:     testPID,
		Format:  "w$",
		CC:      CCGetSet,
		Default: []byte{0xAB, 0xCD},
	}); err != nil {
		t.Fatalf("RegisterParameter: %v", err)
	}

	alias := rdm.PID(0x8001)
	if err := d.RegisterAlias(ParameterDef{PID: alias, Format: "b$", CC: CCGetSet}, testPID, 1); err != nil {
		t.Fatalf("RegisterAlias: %v", err)
	}

	// The alias reads and writes through the target's storage.
	var b [1]byte
	d.GetParameter(alias, b[:])
	if b[0] != 0xCD {
		t.Fatalf("alias reads %#02x, want 0xCD", b[0])
	}
	d.SetParameter(alias, []byte{0xEE})
	var w [2]byte
	d.GetParameter(testPID, w[:])
	if !bytes.Equal(w[:], []byte{0xAB, 0xEE}) {
		t.Fatalf("target holds %v after an alias write", w)
	}

	if err := d.RegisterAlias(ParameterDef{PID: rdm.PID(0x8002), Format: "b$"}, rdm.PID(0x9000), 0); err == nil {
		t.Error("RegisterAlias accepted a missing target")
	}
	if err := d.RegisterAlias(ParameterDef{PID: rdm.PID(0x8003), Format: "w$"}, testPID, 1); err == nil {
		t.Error("RegisterAlias accepted a window past the target's storage")
	}
}

func TestRegisterDeterministic(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	if err := d.RegisterDeterministic(ParameterDef{PID: testPID, Format: "w$", CC: CCGet}); err == nil {
		t.Fatal("RegisterDeterministic accepted a nil handler")
	}

	def := ParameterDef{
		PID:    testPID,
		Format: "w$",
		CC:     CCGet,
		Handler: func(d *Driver, h *rdm.Header, pd []byte) Response {
			return Ack([]byte{0x12, 0x34})
		},
	}
	if err := d.RegisterDeterministic(def); err != nil {
		t.Fatalf("RegisterDeterministic: %v", err)
	}
	if err := d.RegisterDeterministic(def); err != nil {
		t.Fatalf("duplicate RegisterDeterministic: %v", err)
	}
	if pids := d.Parameters(); len(pids) != 1 || pids[0] != testPID {
		t.Fatalf("parameter table %v", pids)
	}

	// No storage: the store accessors see nothing, the handler serves
	// every request.
	var buf [2]byte
	if n := d.GetParameter(testPID, buf[:]); n != 0 {
		t.Errorf("GetParameter of a deterministic parameter returned %d", n)
	}
	if n := d.SetParameter(testPID, []byte{1, 2}); n != 0 {
		t.Errorf("SetParameter of a deterministic parameter returned %d", n)
	}
	h := &rdm.Header{CC: rdm.CCGetCommand, PID: testPID, SubDevice: rdm.SubDeviceRoot}
	r := d.runHandler(h, nil)
	if r.Verdict != VerdictAck || !bytes.Equal(r.PD, []byte{0x12, 0x34}) {
		t.Fatalf("deterministic handler response %+v", r)
	}
}

func TestUpdateResponseHandler(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	if err := d.RegisterParameter(ParameterDef{
		PID:     testPID,
		Format:  "w$",
		CC:      CCGet,
		Default: []byte{1, 2},
	}); err != nil {
		t.Fatalf("RegisterParameter: %v", err)
	}

	h := &rdm.Header{CC: rdm.CCGetCommand, PID: testPID, SubDevice: rdm.SubDeviceRoot}
	if r := d.runHandler(h, nil); r.Verdict != VerdictAck {
		t.Fatalf("generic handler verdict %v", r.Verdict)
	}

	if d.UpdateResponseHandler(rdm.PID(0x9000), nil) {
		t.Error("UpdateResponseHandler accepted an unregistered PID")
	}
	if !d.UpdateResponseHandler(testPID, func(d *Driver, h *rdm.Header, pd []byte) Response {
		return Nack(rdm.NRHardwareFault)
	}) {
		t.Fatal("UpdateResponseHandler refused a registered PID")
	}
	if r := d.runHandler(h, nil); r.Verdict != VerdictNack || r.Nack != rdm.NRHardwareFault {
		t.Fatalf("replaced handler response %+v", r)
	}
}

func TestSetCallback(t *testing.T) {
	bus := testBus(t)
	ctrl := installPort(t, bus, Config{UID: rdm.NewUID(0x7FF0, 1)})
	d := installPort(t, bus, Config{UID: rdm.NewUID(0x7FF0, 0x10)})

	fired := make(chan rdm.PID, 1)
	if err := d.RegisterParameter(ParameterDef{
		PID:    testPID,
		Format: "w$",
		CC:     CCGetSet,
	}); err != nil {
		t.Fatalf("RegisterParameter: %v", err)
	}
	if d.UpdateCallback(rdm.PID(0x9000), nil, nil) {
		t.Error("UpdateCallback accepted an unregistered PID")
	}
	if !d.UpdateCallback(testPID, func(_ *Driver, pid rdm.PID, ctx interface{}) {
		if tag, _ := ctx.(string); tag == "notify" {
			fired <- pid
		}
	}, "notify") {
		t.Fatal("UpdateCallback refused a registered PID")
	}
	runResponder(t, d)

	h, _, err := ctrl.Request(d.UID(), rdm.CCSetCommand, testPID,
		rdm.SubDeviceRoot, []byte{0xBE, 0xEF}, time.Second)
	if err != nil {
		t.Fatalf("SET request: %v", err)
	}
	if h.ResponseType() != rdm.ResponseTypeAck {
		t.Fatalf("response type 0x%02X, want ACK", uint8(h.ResponseType()))
	}

	select {
	case pid := <-fired:
		if pid != testPID {
			t.Errorf("callback fired for 0x%04X", uint16(pid))
		}
	case <-time.After(time.Second):
		t.Fatal("set callback never fired")
	}
}

func TestQueueMessage(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	if !d.QueueMessage(testPID) {
		t.Fatal("QueueMessage refused the first PID")
	}
	// Duplicates collapse.
	if !d.QueueMessage(testPID) {
		t.Fatal("QueueMessage refused a duplicate PID")
	}
	d.spin.Lock()
	n := len(d.queued)
	d.spin.Unlock()
	if n != 1 {
		t.Fatalf("queue holds %d entries, want 1", n)
	}

	for i := 1; i < QueueMax; i++ {
		if !d.QueueMessage(rdm.PID(0x8000 + i)) {
			t.Fatalf("QueueMessage refused entry %d", i)
		}
	}
	if d.QueueMessage(rdm.PID(0x9000)) {
		t.Error("QueueMessage accepted an entry past the limit")
	}
}

func TestBuiltinParameterRegistration(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{UID: rdm.NewUID(0x7FF0, 5)})

	required := []rdm.PID{
		rdm.PIDDiscUniqueBranch,
		rdm.PIDDiscMute,
		rdm.PIDDiscUnMute,
		rdm.PIDDeviceInfo,
		rdm.PIDSoftwareVersionLabel,
		rdm.PIDDMXStartAddress,
		rdm.PIDIdentifyDevice,
		rdm.PIDSupportedParameters,
	}
	have := make(map[rdm.PID]bool)
	for _, pid := range d.Parameters() {
		have[pid] = true
	}
	for _, pid := range required {
		if !have[pid] {
			t.Errorf("builtin parameter 0x%04X is not registered", uint16(pid))
		}
	}
}

func TestPersonality(t *testing.T) {
	bus := testBus(t)
	store := NewMemoryStore()
	d := installPort(t, bus, Config{
		UID:   rdm.NewUID(0x7FF0, 6),
		Store: store,
		Device: DeviceIdentity{
			Personalities: []Personality{
				{Footprint: 4, Description: "4 channel"},
				{Footprint: 9, Description: "9 channel extended"},
			},
		},
	})

	current, count := d.Personality()
	if current != 1 || count != 2 {
		t.Fatalf("personality %d of %d, want 1 of 2", current, count)
	}
	if p, ok := d.PersonalityDescription(2); !ok || p.Footprint != 9 {
		t.Errorf("personality 2 description %+v, %v", p, ok)
	}
	if _, ok := d.PersonalityDescription(3); ok {
		t.Error("PersonalityDescription returned a personality past the count")
	}

	if d.SetPersonality(0) || d.SetPersonality(3) {
		t.Error("SetPersonality accepted an out-of-range personality")
	}
	if !d.SetPersonality(2) {
		t.Fatal("SetPersonality refused personality 2")
	}
	if current, _ := d.Personality(); current != 2 {
		t.Errorf("current personality %d after set", current)
	}

	// The selection commits to the store.
	d.CommitParameter()
	if v, _ := store.Load(rdm.PIDDMXPersonality); !bytes.Equal(v, []byte{2}) {
		t.Fatalf("store holds %v for the personality", v)
	}
}

func TestPersonalityRestoredFromStore(t *testing.T) {
	bus := testBus(t)
	store := NewMemoryStore()
	if err := store.Save(rdm.PIDDMXPersonality, []byte{2}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	d := installPort(t, bus, Config{
		UID:   rdm.NewUID(0x7FF0, 6),
		Store: store,
		Device: DeviceIdentity{
			Personalities: []Personality{
				{Footprint: 4, Description: "4 channel"},
				{Footprint: 9, Description: "9 channel extended"},
			},
		},
	})

	if current, _ := d.Personality(); current != 2 {
		t.Errorf("persisted personality not restored: current %d", current)
	}
}

func TestParameterTableFull(t *testing.T) {
	bus := testBus(t)
	d := installPort(t, bus, Config{})

	for i := 0; i < MaxParameters; i++ {
		err := d.RegisterParameter(ParameterDef{
			PID:    rdm.PID(0x8000 + i),
			Format: "b$",
		})
		if err != nil {
			t.Fatalf("RegisterParameter %d: %v", i, err)
		}
	}
	err := d.RegisterParameter(ParameterDef{PID: rdm.PID(0x9000), Format: "b$"})
	if err == nil {
		t.Fatal("RegisterParameter accepted an entry past the table limit")
	}
	if got := fmt.Sprintf("%v", err); got == "" {
		t.Fatal("table-full error has no message")
	}
}
