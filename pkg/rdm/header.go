// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import "fmt"

// Header is the fixed 24-byte portion of an RDM message, start code
// through PDL.
type Header struct {
	DestUID UID
	SrcUID  UID

	// TN is the transaction number. Controllers increment it per request;
	// responders echo the request's value.
	TN uint8

	// PortID identifies the controller port (1-255) in requests. In
	// responses the same slot carries the response type.
	PortID uint8

	// MessageCount is set by responders to advertise queued messages;
	// zero in all requests.
	MessageCount uint8

	SubDevice uint16
	CC        CC
	PID       PID

	// PDL is the parameter data length in bytes, 0-231.
	PDL uint8
}

// ResponseType reads the port ID slot as a response type.
func (h *Header) ResponseType() ResponseType {
	return ResponseType(h.PortID)
}

// SetResponseType stores a response type in the port ID slot.
func (h *Header) SetResponseType(rt ResponseType) {
	h.PortID = uint8(rt)
}

// MessageLen returns the on-wire message length field: the offset of the
// checksum, i.e. header plus parameter data.
func (h *Header) MessageLen() int {
	return HeaderSize + int(h.PDL)
}

// Checksum computes the additive 16-bit RDM checksum over data.
func Checksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}

// DecodeHeader parses the fixed header from the start of msg. It verifies
// the start codes and that the message length field is consistent with a
// legal header. It does not verify the checksum; see VerifyChecksum.
func DecodeHeader(msg []byte) (*Header, error) {
	if len(msg) < HeaderSize {
		return nil, fmt.Errorf("message too short for header: %d bytes", len(msg))
	}
	if msg[offsetSC] != SC {
		return nil, fmt.Errorf("bad start code: 0x%02X", msg[offsetSC])
	}
	if msg[offsetSubSC] != SubSC {
		return nil, fmt.Errorf("bad sub-start code: 0x%02X", msg[offsetSubSC])
	}

	h := &Header{
		DestUID:      UnmarshalUID(msg[offsetDestUID:]),
		SrcUID:       UnmarshalUID(msg[offsetSrcUID:]),
		TN:           msg[offsetTN],
		PortID:       msg[offsetPortID],
		MessageCount: msg[offsetMessageCount],
		SubDevice:    uint16(msg[offsetSubDevice])<<8 | uint16(msg[offsetSubDevice+1]),
		CC:           CC(msg[offsetCC]),
		PID:          PID(uint16(msg[offsetPID])<<8 | uint16(msg[offsetPID+1])),
		PDL:          msg[offsetPDL],
	}

	if int(msg[offsetMessageLen]) != h.MessageLen() {
		return nil, fmt.Errorf("message length %d does not match header+PDL %d",
			msg[offsetMessageLen], h.MessageLen())
	}
	return h, nil
}

// EncodeHeader writes the fixed header into the first 24 bytes of dst,
// fixing up the message length field from the PDL.
func EncodeHeader(dst []byte, h *Header) {
	dst[offsetSC] = SC
	dst[offsetSubSC] = SubSC
	dst[offsetMessageLen] = byte(h.MessageLen())
	MarshalUID(dst[offsetDestUID:], h.DestUID)
	MarshalUID(dst[offsetSrcUID:], h.SrcUID)
	dst[offsetTN] = h.TN
	dst[offsetPortID] = h.PortID
	dst[offsetMessageCount] = h.MessageCount
	dst[offsetSubDevice] = byte(h.SubDevice >> 8)
	dst[offsetSubDevice+1] = byte(h.SubDevice)
	dst[offsetCC] = byte(h.CC)
	dst[offsetPID] = byte(h.PID >> 8)
	dst[offsetPID+1] = byte(h.PID)
	dst[offsetPDL] = h.PDL
}

// VerifyChecksum returns true if msg, which must contain a complete
// message plus its two checksum bytes, carries a valid checksum.
func VerifyChecksum(msg []byte) bool {
	if len(msg) < HeaderSize+ChecksumSize {
		return false
	}
	msgLen := int(msg[offsetMessageLen])
	if msgLen < HeaderSize || msgLen+ChecksumSize > len(msg) {
		return false
	}
	want := uint16(msg[msgLen])<<8 | uint16(msg[msgLen+1])
	return Checksum(msg[:msgLen]) == want
}
