// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import "time"

// Packet represents a decoded RDM message. A packet is either a normal
// header-framed message or a preamble-framed discovery response, in which
// case only the UID accessors are meaningful.
type Packet struct {
	header        *Header
	pd            []byte
	checksumValid bool
	timestamp     time.Time

	// Discovery response fields
	discResponse bool
	euid         UID
}

// NewPacket creates a packet from a decoded header and parameter data.
func NewPacket(h *Header, pd []byte, checksumValid bool) *Packet {
	return &Packet{
		header:        h,
		pd:            pd,
		checksumValid: checksumValid,
		timestamp:     time.Now(),
	}
}

// NewDiscResponsePacket creates a packet representing a preamble-framed
// discovery response carrying the given UID.
func NewDiscResponsePacket(uid UID, checksumValid bool) *Packet {
	return &Packet{
		discResponse:  true,
		euid:          uid,
		checksumValid: checksumValid,
		timestamp:     time.Now(),
	}
}

// Header returns the packet's header; nil for discovery responses.
func (p *Packet) Header() *Header {
	return p.header
}

// PD returns the parameter data bytes.
func (p *Packet) PD() []byte {
	return p.pd
}

// ChecksumValid returns true if the packet's checksum verified.
func (p *Packet) ChecksumValid() bool {
	return p.checksumValid
}

// Timestamp returns the packet's decode timestamp.
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsDiscResponse returns true for preamble-framed discovery responses.
func (p *Packet) IsDiscResponse() bool {
	return p.discResponse
}

// UID returns the responder UID of a discovery response packet.
func (p *Packet) UID() UID {
	return p.euid
}

// IsRequest returns true for controller-generated command classes.
func (p *Packet) IsRequest() bool {
	return p.header != nil && p.header.CC.IsRequest()
}

// IsBroadcast returns true if the destination UID is a broadcast.
func (p *Packet) IsBroadcast() bool {
	return p.header != nil && p.header.DestUID.IsBroadcast()
}

// IsDiscUniqueBranch returns true for DISC_UNIQUE_BRANCH requests.
func (p *Packet) IsDiscUniqueBranch() bool {
	return p.header != nil && p.header.CC == CCDiscCommand &&
		p.header.PID == PIDDiscUniqueBranch
}
