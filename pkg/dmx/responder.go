// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"github.com/Thermoquad/limelight/pkg/rdm"
)

// Builtin responder parameters. Every port with a UID serves the
// discovery parameters plus the minimum required device parameters;
// applications layer their own on top with RegisterParameter.

// DeviceIdentity seeds the builtin parameters of a port's responder.
type DeviceIdentity struct {
	ModelID              uint16
	ProductCategory      uint16
	SoftwareVersionID    uint32
	SoftwareVersionLabel string
	ManufacturerLabel    string
	DeviceLabel          string
	ModelDescription     string
	Footprint            uint16
	StartAddress         uint16

	// Personalities lists the selectable DMX personalities. Empty means
	// a single personality built from Footprint and ModelDescription.
	Personalities []Personality
}

// Personality is one selectable slot layout of a device.
type Personality struct {
	Footprint   uint16
	Description string
}

func (d *Driver) registerBuiltinParameters() {
	// The discovery parameters and the composed read-only parameters
	// carry no storage; their handlers compute every response.
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDDiscUniqueBranch,
		Format:  rdm.DiscUniqueBranchFormat,
		CC:      CCDisc,
		Handler: handleDiscUniqueBranch,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDDiscMute,
		Format:  rdm.DiscMuteFormat,
		CC:      CCDisc,
		Handler: handleDiscMute,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDDiscUnMute,
		Format:  rdm.DiscMuteFormat,
		CC:      CCDisc,
		Handler: handleDiscUnMute,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDDeviceInfo,
		Format:  rdm.DeviceInfoFormat,
		CC:      CCGet,
		Handler: handleDeviceInfo,
	})
	d.registerMust(ParameterDef{
		PID:     rdm.PIDSoftwareVersionLabel,
		Format:  "a",
		CC:      CCGet,
		Default: []byte(d.ident.SoftwareVersionLabel),
	})
	d.registerMust(ParameterDef{
		PID:     rdm.PIDManufacturerLabel,
		Format:  "a",
		CC:      CCGet,
		Default: []byte(d.ident.ManufacturerLabel),
	})
	d.registerMust(ParameterDef{
		PID:     rdm.PIDDeviceModelDesc,
		Format:  "a",
		CC:      CCGet,
		Default: []byte(d.ident.ModelDescription),
	})
	d.registerMust(ParameterDef{
		PID:         rdm.PIDDeviceLabel,
		Format:      "a",
		CC:          CCGetSet,
		NonVolatile: true,
		Default:     []byte(d.ident.DeviceLabel),
	})
	d.registerMust(ParameterDef{
		PID:         rdm.PIDDMXStartAddress,
		Format:      "w$",
		CC:          CCGetSet,
		NonVolatile: true,
		Default:     rdm.MarshalStartAddress(d.deviceInfo.StartAddress),
		Handler:     handleStartAddress,
	})
	d.registerMust(ParameterDef{
		PID:         rdm.PIDDMXPersonality,
		Format:      "b$",
		CC:          CCGetSet,
		NonVolatile: true,
		Default:     []byte{1},
		Handler:     handlePersonality,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDDMXPersonalityDesc,
		Format:  "a",
		CC:      CCGet,
		Handler: handlePersonalityDesc,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDIdentifyDevice,
		Format:  "b$",
		CC:      CCGetSet,
		Handler: handleIdentifyDevice,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDSupportedParameters,
		Format:  "w",
		CC:      CCGet,
		Handler: handleSupportedParameters,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDParameterDescription,
		Format:  "a",
		CC:      CCGet,
		Handler: handleParameterDescription,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDQueuedMessage,
		Format:  "b$",
		CC:      CCGet,
		Handler: handleQueuedMessage,
	})
	d.registerDeterministicMust(ParameterDef{
		PID:     rdm.PIDStatusMessages,
		Format:  statusMessageFormat,
		CC:      CCGet,
		Handler: handleStatusMessages,
	})

	// The persisted start address and personality must also land in
	// DEVICE_INFO.
	var addr [2]byte
	if d.GetParameter(rdm.PIDDMXStartAddress, addr[:]) == 2 {
		if a, err := rdm.UnmarshalStartAddress(addr[:]); err == nil && a >= 1 && a <= 512 {
			d.deviceInfo.StartAddress = a
		}
	}
	var pers [1]byte
	if d.GetParameter(rdm.PIDDMXPersonality, pers[:]) == 1 {
		d.spin.Lock()
		d.applyPersonalityLocked(pers[0])
		d.spin.Unlock()
	}
}

// applyPersonalityLocked activates personality n if it exists. Callers
// hold d.spin.
func (d *Driver) applyPersonalityLocked(n uint8) bool {
	if int(n) < 1 || int(n) > len(d.personalities) {
		return false
	}
	d.deviceInfo.CurrentPersonality = n
	d.deviceInfo.Footprint = d.personalities[n-1].Footprint
	return true
}

func (d *Driver) registerMust(def ParameterDef) {
	if err := d.RegisterParameter(def); err != nil {
		d.logf("builtin parameter registration failed: %v", err)
	}
}

func (d *Driver) registerDeterministicMust(def ParameterDef) {
	if err := d.RegisterDeterministic(def); err != nil {
		d.logf("builtin parameter registration failed: %v", err)
	}
}

// IdentifyDevice returns the state of the identify flag.
func (d *Driver) IdentifyDevice() bool {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.identifyDevice
}

// DiscoveryMuted returns whether the responder is muted for discovery.
func (d *Driver) DiscoveryMuted() bool {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.discoveryMuted
}

// StartAddress returns the port's DMX start address.
func (d *Driver) StartAddress() uint16 {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.deviceInfo.StartAddress
}

// Personality returns the current personality number and the count.
func (d *Driver) Personality() (current, count uint8) {
	d.spin.Lock()
	defer d.spin.Unlock()
	return d.deviceInfo.CurrentPersonality, d.deviceInfo.PersonalityCount
}

// SetPersonality activates personality n (1-based) and reports whether
// it exists. The footprint in DEVICE_INFO follows the selection.
func (d *Driver) SetPersonality(n uint8) bool {
	d.spin.Lock()
	defer d.spin.Unlock()
	if !d.applyPersonalityLocked(n) {
		return false
	}
	d.setParameterLocked(rdm.PIDDMXPersonality, []byte{n})
	return true
}

// PersonalityDescription returns the footprint and description of
// personality n, or false when it does not exist.
func (d *Driver) PersonalityDescription(n uint8) (Personality, bool) {
	d.spin.Lock()
	defer d.spin.Unlock()
	if int(n) < 1 || int(n) > len(d.personalities) {
		return Personality{}, false
	}
	return d.personalities[n-1], true
}

// ============================================================
// Builtin handlers
// ============================================================

func handleDiscUniqueBranch(d *Driver, h *rdm.Header, pd []byte) Response {
	branch, err := rdm.UnmarshalDiscUniqueBranch(pd)
	if err != nil {
		return Response{Verdict: VerdictNone}
	}
	d.spin.Lock()
	muted := d.discoveryMuted
	uid := d.uid
	d.spin.Unlock()
	if muted || !branch.Contains(uid) {
		return Response{Verdict: VerdictNone}
	}
	// The dispatcher turns this into a preamble-framed EUID response.
	return Ack(nil)
}

func handleDiscMute(d *Driver, h *rdm.Header, pd []byte) Response {
	if len(pd) != 0 {
		return Response{Verdict: VerdictNone}
	}
	d.spin.Lock()
	d.discoveryMuted = true
	d.spin.Unlock()
	return Ack((&rdm.DiscMute{}).Marshal())
}

func handleDiscUnMute(d *Driver, h *rdm.Header, pd []byte) Response {
	if len(pd) != 0 {
		return Response{Verdict: VerdictNone}
	}
	d.spin.Lock()
	d.discoveryMuted = false
	d.spin.Unlock()
	return Ack((&rdm.DiscMute{}).Marshal())
}

func handleDeviceInfo(d *Driver, h *rdm.Header, pd []byte) Response {
	d.spin.Lock()
	info := d.deviceInfo
	d.spin.Unlock()
	return Ack(info.Marshal())
}

func handleStartAddress(d *Driver, h *rdm.Header, pd []byte) Response {
	if h.CC == rdm.CCGetCommand {
		d.spin.Lock()
		addr := d.deviceInfo.StartAddress
		d.spin.Unlock()
		return Ack(rdm.MarshalStartAddress(addr))
	}
	addr, err := rdm.UnmarshalStartAddress(pd)
	if err != nil {
		return Nack(rdm.NRFormatError)
	}
	if addr < 1 || addr > 512 {
		return Nack(rdm.NRDataOutOfRange)
	}
	d.spin.Lock()
	d.deviceInfo.StartAddress = addr
	d.setParameterLocked(rdm.PIDDMXStartAddress, rdm.MarshalStartAddress(addr))
	d.spin.Unlock()
	return Ack(nil)
}

func handlePersonality(d *Driver, h *rdm.Header, pd []byte) Response {
	if h.CC == rdm.CCGetCommand {
		d.spin.Lock()
		current := d.deviceInfo.CurrentPersonality
		count := d.deviceInfo.PersonalityCount
		d.spin.Unlock()
		return Ack([]byte{current, count})
	}
	if len(pd) != 1 {
		return Nack(rdm.NRFormatError)
	}
	d.spin.Lock()
	ok := d.applyPersonalityLocked(pd[0])
	if ok {
		d.setParameterLocked(rdm.PIDDMXPersonality, []byte{pd[0]})
	}
	d.spin.Unlock()
	if !ok {
		return Nack(rdm.NRDataOutOfRange)
	}
	return Ack(nil)
}

func handlePersonalityDesc(d *Driver, h *rdm.Header, pd []byte) Response {
	if len(pd) != 1 {
		return Nack(rdm.NRFormatError)
	}
	n := pd[0]
	d.spin.Lock()
	var p Personality
	ok := int(n) >= 1 && int(n) <= len(d.personalities)
	if ok {
		p = d.personalities[n-1]
	}
	d.spin.Unlock()
	if !ok {
		return Nack(rdm.NRDataOutOfRange)
	}

	desc := p.Description
	if len(desc) > 32 {
		desc = desc[:32]
	}
	out := make([]byte, 0, 3+len(desc))
	out = append(out, n, byte(p.Footprint>>8), byte(p.Footprint))
	out = append(out, desc...)
	return Ack(out)
}

func handleIdentifyDevice(d *Driver, h *rdm.Header, pd []byte) Response {
	if h.CC == rdm.CCGetCommand {
		d.spin.Lock()
		on := d.identifyDevice
		d.spin.Unlock()
		v := byte(0)
		if on {
			v = 1
		}
		return Ack([]byte{v})
	}
	if len(pd) != 1 {
		return Nack(rdm.NRFormatError)
	}
	if pd[0] > 1 {
		return Nack(rdm.NRDataOutOfRange)
	}
	d.spin.Lock()
	d.identifyDevice = pd[0] == 1
	d.spin.Unlock()
	return Ack(nil)
}

// supportedParametersHidden lists the PIDs that SUPPORTED_PARAMETERS must
// not advertise: the discovery parameters and the minimum required set.
var supportedParametersHidden = map[rdm.PID]bool{
	rdm.PIDDiscUniqueBranch:     true,
	rdm.PIDDiscMute:             true,
	rdm.PIDDiscUnMute:           true,
	rdm.PIDDeviceInfo:           true,
	rdm.PIDSoftwareVersionLabel: true,
	rdm.PIDDMXStartAddress:      true,
	rdm.PIDIdentifyDevice:       true,
	rdm.PIDSupportedParameters:  true,
	rdm.PIDParameterDescription: true,
}

func handleSupportedParameters(d *Driver, h *rdm.Header, pd []byte) Response {
	d.spin.Lock()
	out := make([]byte, 0, 2*len(d.params))
	for i := range d.params {
		pid := d.params[i].pid
		if supportedParametersHidden[pid] {
			continue
		}
		out = append(out, byte(pid>>8), byte(pid))
	}
	d.spin.Unlock()
	return Ack(out)
}

func handleParameterDescription(d *Driver, h *rdm.Header, pd []byte) Response {
	if len(pd) != 2 {
		return Nack(rdm.NRFormatError)
	}
	pid := rdm.PID(uint16(pd[0])<<8 | uint16(pd[1]))
	if pid < 0x8000 {
		return Nack(rdm.NRDataOutOfRange)
	}
	d.spin.Lock()
	e := d.findParameter(pid)
	var desc string
	var size int
	if e != nil {
		desc = e.description
		size = len(e.data)
	}
	d.spin.Unlock()
	if e == nil {
		return Nack(rdm.NRDataOutOfRange)
	}
	if len(desc) > 32 {
		desc = desc[:32]
	}
	// PID, PDL size, data type, command class, type, unit, prefix,
	// min/default/max, then the label.
	out := make([]byte, 0, 20+len(desc))
	out = append(out, byte(pid>>8), byte(pid))
	out = append(out, byte(size), byte(rdm.DSNotDefined), byte(e.cc), 0, 0, 0)
	out = append(out, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	out = append(out, desc...)
	return Ack(out)
}

func handleQueuedMessage(d *Driver, h *rdm.Header, pd []byte) Response {
	if len(pd) != 1 {
		return Nack(rdm.NRFormatError)
	}
	if pd[0] < 0x01 || pd[0] > 0x04 {
		return Nack(rdm.NRDataOutOfRange)
	}

	d.spin.Lock()
	var pid rdm.PID
	if len(d.queued) > 0 {
		pid = d.queued[0]
		d.queued = d.queued[1:]
	}
	d.spin.Unlock()

	if pid == 0 {
		// Empty queue answers with an empty STATUS_MESSAGES response.
		return Response{Verdict: VerdictAck, OverridePID: rdm.PIDStatusMessages}
	}

	d.spin.Lock()
	e := d.findParameter(pid)
	var handler ParameterHandler
	var stored []byte
	if e != nil {
		handler = e.handler
		stored = append([]byte(nil), e.data...)
		if terminatedASCII(e.format) {
			stored = trimASCII(stored)
		}
	}
	d.spin.Unlock()
	if e == nil {
		return Response{Verdict: VerdictAck, OverridePID: rdm.PIDStatusMessages}
	}

	if handler != nil {
		get := *h
		get.CC = rdm.CCGetCommand
		get.PID = pid
		r := handler(d, &get, nil)
		r.OverridePID = pid
		return r
	}
	return Response{Verdict: VerdictAck, PD: stored, OverridePID: pid}
}

func handleStatusMessages(d *Driver, h *rdm.Header, pd []byte) Response {
	if len(pd) != 1 {
		return Nack(rdm.NRFormatError)
	}

	d.spin.Lock()
	msgs := d.statusMessages
	d.statusMessages = nil
	d.spin.Unlock()

	// 9 bytes per record; drop what does not fit.
	const recordSize = 9
	max := rdm.MaxPDL / recordSize
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	out := make([]byte, 0, recordSize*len(msgs))
	for _, m := range msgs {
		rec, err := rdm.Pack(statusMessageFormat, m.SubDevice, m.Type,
			m.MessageID, m.Data1, m.Data2)
		if err != nil {
			continue
		}
		out = append(out, rec...)
	}
	return Ack(out)
}

// terminatedASCII reports whether format ends in a variable ASCII field.
func terminatedASCII(format string) bool {
	if len(format) == 0 {
		return false
	}
	c := format[len(format)-1]
	return c == 'a' || c == 'A'
}

// trimASCII drops trailing zero padding from a stored ASCII value.
func trimASCII(p []byte) []byte {
	n := len(p)
	for n > 0 && p[n-1] == 0 {
		n--
	}
	return p[:n]
}
