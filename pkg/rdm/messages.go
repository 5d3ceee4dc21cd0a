// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import "fmt"

// Typed parameter data for the messages both sides of the wire care about.
// Each type round-trips through the format-string layer so that the wire
// image stays consistent with the registered parameter formats.

// DeviceInfo is the DEVICE_INFO parameter data (19 bytes).
type DeviceInfo struct {
	RDMVersion         uint16
	ModelID            uint16
	ProductCategory    uint16
	SoftwareVersionID  uint32
	Footprint          uint16
	CurrentPersonality uint8
	PersonalityCount   uint8
	StartAddress       uint16
	SubDeviceCount     uint16
	SensorCount        uint8
}

// DeviceInfoFormat is the format string for DEVICE_INFO parameter data.
const DeviceInfoFormat = "x01x00wwdwbbwwb$"

// DeviceInfoPDL is the PDL of a DEVICE_INFO response.
const DeviceInfoPDL = 19

// Marshal returns the wire image of the device info.
func (d *DeviceInfo) Marshal() []byte {
	pd, _ := Pack(DeviceInfoFormat, d.ModelID, d.ProductCategory,
		d.SoftwareVersionID, d.Footprint, d.CurrentPersonality,
		d.PersonalityCount, d.StartAddress, d.SubDeviceCount, d.SensorCount)
	return pd
}

// UnmarshalDeviceInfo parses DEVICE_INFO parameter data.
func UnmarshalDeviceInfo(pd []byte) (*DeviceInfo, error) {
	if len(pd) != DeviceInfoPDL {
		return nil, fmt.Errorf("DEVICE_INFO PDL must be %d, got %d", DeviceInfoPDL, len(pd))
	}
	v, err := Unpack(DeviceInfoFormat, pd)
	if err != nil {
		return nil, err
	}
	return &DeviceInfo{
		RDMVersion:         uint16(pd[0])<<8 | uint16(pd[1]),
		ModelID:            v[0].(uint16),
		ProductCategory:    v[1].(uint16),
		SoftwareVersionID:  v[2].(uint32),
		Footprint:          v[3].(uint16),
		CurrentPersonality: v[4].(uint8),
		PersonalityCount:   v[5].(uint8),
		StartAddress:       v[6].(uint16),
		SubDeviceCount:     v[7].(uint16),
		SensorCount:        v[8].(uint8),
	}, nil
}

// DiscUniqueBranch is the DISC_UNIQUE_BRANCH request data: the inclusive
// UID range responders must answer within.
type DiscUniqueBranch struct {
	LowerBound UID
	UpperBound UID
}

// DiscUniqueBranchFormat is the format string for DISC_UNIQUE_BRANCH data.
const DiscUniqueBranchFormat = "uu$"

// Marshal returns the wire image of the branch bounds.
func (d *DiscUniqueBranch) Marshal() []byte {
	pd, _ := Pack(DiscUniqueBranchFormat, d.LowerBound, d.UpperBound)
	return pd
}

// UnmarshalDiscUniqueBranch parses DISC_UNIQUE_BRANCH parameter data.
func UnmarshalDiscUniqueBranch(pd []byte) (*DiscUniqueBranch, error) {
	v, err := Unpack(DiscUniqueBranchFormat, pd)
	if err != nil {
		return nil, err
	}
	return &DiscUniqueBranch{LowerBound: v[0].(UID), UpperBound: v[1].(UID)}, nil
}

// Contains returns true if uid lies within the branch bounds.
func (d *DiscUniqueBranch) Contains(uid UID) bool {
	return uid >= d.LowerBound && uid <= d.UpperBound
}

// DiscMute control field bits
const (
	MuteManagedProxy  = 0x0001
	MuteSubDevice     = 0x0002
	MuteBootLoader    = 0x0004
	MuteProxiedDevice = 0x0008
)

// DiscMute is the DISC_MUTE / DISC_UN_MUTE response data.
type DiscMute struct {
	ManagedProxy  bool
	SubDevice     bool
	BootLoader    bool
	ProxiedDevice bool

	// BindingUID is present only on responders with multiple ports.
	BindingUID    UID
	HasBindingUID bool
}

// DiscMuteFormat is the format string for DISC_MUTE response data.
const DiscMuteFormat = "wv"

// Marshal returns the wire image of the mute response.
func (m *DiscMute) Marshal() []byte {
	var control uint16
	if m.ManagedProxy {
		control |= MuteManagedProxy
	}
	if m.SubDevice {
		control |= MuteSubDevice
	}
	if m.BootLoader {
		control |= MuteBootLoader
	}
	if m.ProxiedDevice {
		control |= MuteProxiedDevice
	}
	if m.HasBindingUID {
		pd, _ := Pack(DiscMuteFormat, control, m.BindingUID)
		return pd
	}
	pd, _ := Pack(DiscMuteFormat, control)
	return pd
}

// UnmarshalDiscMute parses DISC_MUTE response data.
func UnmarshalDiscMute(pd []byte) (*DiscMute, error) {
	v, err := Unpack(DiscMuteFormat, pd)
	if err != nil {
		return nil, err
	}
	control := v[0].(uint16)
	m := &DiscMute{
		ManagedProxy:  control&MuteManagedProxy != 0,
		SubDevice:     control&MuteSubDevice != 0,
		BootLoader:    control&MuteBootLoader != 0,
		ProxiedDevice: control&MuteProxiedDevice != 0,
	}
	if len(v) > 1 {
		m.BindingUID = v[1].(UID)
		m.HasBindingUID = true
	}
	return m, nil
}

// MarshalNackReason returns the two-byte NACK_REASON parameter data.
func MarshalNackReason(nr NackReason) []byte {
	return []byte{byte(nr >> 8), byte(nr)}
}

// UnmarshalNackReason parses NACK_REASON parameter data.
func UnmarshalNackReason(pd []byte) (NackReason, error) {
	if len(pd) != 2 {
		return 0, fmt.Errorf("NACK_REASON PDL must be 2, got %d", len(pd))
	}
	return NackReason(uint16(pd[0])<<8 | uint16(pd[1])), nil
}

// MarshalStartAddress returns the two-byte DMX_START_ADDRESS data.
func MarshalStartAddress(addr uint16) []byte {
	return []byte{byte(addr >> 8), byte(addr)}
}

// UnmarshalStartAddress parses DMX_START_ADDRESS parameter data.
func UnmarshalStartAddress(pd []byte) (uint16, error) {
	if len(pd) != 2 {
		return 0, fmt.Errorf("DMX_START_ADDRESS PDL must be 2, got %d", len(pd))
	}
	return uint16(pd[0])<<8 | uint16(pd[1]), nil
}
