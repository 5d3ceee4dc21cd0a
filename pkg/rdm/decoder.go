// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import "fmt"

// Decoder implements the RDM message decoder state machine. Feed it the
// octets that follow a break one at a time; it delimits messages using the
// message length field and recognizes preamble-framed discovery responses,
// which arrive with no break at all.
type Decoder struct {
	state       int
	buffer      []byte
	bufferIndex int
	msgLen      int
	preamble    int
	checksum    uint16
}

// NewDecoder creates a new RDM decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, MaxMessageSize),
	}
}

// Reset resets the decoder state to idle.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.bufferIndex = 0
	d.msgLen = 0
	d.preamble = 0
	d.checksum = 0
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed packet, or nil if the message is incomplete.
// Returns an error if decoding fails; the decoder resets itself on error.
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	switch d.state {
	case stateIdle:
		switch b {
		case SC:
			d.buffer[0] = b
			d.bufferIndex = 1
			d.state = stateSubSC
		case SCPreamble:
			d.preamble = 1
			d.state = statePreamble
		case SCDelimiter:
			// A response may arrive with its preamble fully stripped
			d.bufferIndex = 0
			d.state = stateEUID
		}
		return nil, nil

	case stateSubSC:
		if b != SubSC {
			d.Reset()
			return nil, fmt.Errorf("bad sub-start code: 0x%02X", b)
		}
		d.buffer[1] = b
		d.bufferIndex = 2
		d.state = stateLength
		return nil, nil

	case stateLength:
		if int(b) < HeaderSize || int(b) > HeaderSize+MaxPDL {
			d.Reset()
			return nil, fmt.Errorf("invalid message length: %d", b)
		}
		d.msgLen = int(b)
		d.buffer[2] = b
		d.bufferIndex = 3
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer[d.bufferIndex] = b
		d.bufferIndex++
		if d.bufferIndex == d.msgLen {
			d.state = stateChecksumHi
		}
		return nil, nil

	case stateChecksumHi:
		d.checksum = uint16(b) << 8
		d.state = stateChecksumLo
		return nil, nil

	case stateChecksumLo:
		d.checksum |= uint16(b)
		calculated := Checksum(d.buffer[:d.msgLen])
		if calculated != d.checksum {
			err := fmt.Errorf("checksum mismatch: expected 0x%04X, got 0x%04X",
				calculated, d.checksum)
			d.Reset()
			return nil, err
		}

		header, err := DecodeHeader(d.buffer[:d.msgLen])
		if err != nil {
			d.Reset()
			return nil, err
		}
		pd := make([]byte, header.PDL)
		copy(pd, d.buffer[HeaderSize:d.msgLen])

		d.Reset()
		return NewPacket(header, pd, true), nil

	case statePreamble:
		switch b {
		case SCPreamble:
			d.preamble++
			if d.preamble > PreambleMaxLen {
				d.Reset()
				return nil, fmt.Errorf("preamble longer than %d bytes", PreambleMaxLen)
			}
		case SCDelimiter:
			d.bufferIndex = 0
			d.state = stateEUID
		default:
			d.Reset()
			return nil, fmt.Errorf("unexpected byte 0x%02X in preamble", b)
		}
		return nil, nil

	case stateEUID:
		d.buffer[d.bufferIndex] = b
		d.bufferIndex++
		if d.bufferIndex < EUIDSize {
			return nil, nil
		}
		uid, ok, err := DecodeEUID(d.buffer[:EUIDSize])
		d.Reset()
		if err != nil {
			return nil, err
		}
		return NewDiscResponsePacket(uid, ok), nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

// Decode runs a complete byte slice through the decoder and returns the
// first packet found. Convenience wrapper over DecodeByte for callers that
// already hold a whole frame.
func (d *Decoder) Decode(data []byte) (*Packet, error) {
	for _, b := range data {
		p, err := d.DecodeByte(b)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}
