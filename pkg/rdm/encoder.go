package rdm

import "fmt"

// WriteMessage encodes a complete RDM message into dst: header, parameter
// data, and checksum. The header's PDL is taken from len(pd) and its
// message length field is fixed up. Returns the number of bytes written.
func WriteMessage(dst []byte, h *Header, pd []byte) (int, error) {
	if len(pd) > MaxPDL {
		return 0, fmt.Errorf("parameter data too large: %d bytes (max %d)", len(pd), MaxPDL)
	}
	h.PDL = uint8(len(pd))
	size := h.MessageLen() + ChecksumSize
	if len(dst) < size {
		return 0, fmt.Errorf("destination too small: %d bytes (need %d)", len(dst), size)
	}

	EncodeHeader(dst, h)
	copy(dst[HeaderSize:], pd)

	cs := Checksum(dst[:h.MessageLen()])
	dst[h.MessageLen()] = byte(cs >> 8)
	dst[h.MessageLen()+1] = byte(cs)

	return size, nil
}

// EncodeMessage encodes a complete RDM message and returns the wire bytes.
func EncodeMessage(h *Header, pd []byte) ([]byte, error) {
	buf := make([]byte, HeaderSize+len(pd)+ChecksumSize)
	n, err := WriteMessage(buf, h, pd)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteDiscResponse encodes a preamble-framed discovery response for uid
// into dst: seven preamble bytes, the delimiter, and the 16-byte EUID
// block. Discovery responses are sent without a break. Returns the number
// of bytes written.
func WriteDiscResponse(dst []byte, uid UID) (int, error) {
	if len(dst) < DiscResponseMax {
		return 0, fmt.Errorf("destination too small: %d bytes (need %d)", len(dst), DiscResponseMax)
	}
	for i := 0; i < PreambleMaxLen; i++ {
		dst[i] = SCPreamble
	}
	dst[PreambleMaxLen] = SCDelimiter
	EncodeEUID(dst[PreambleMaxLen+1:], uid)
	return DiscResponseMax, nil
}

// EncodeDiscResponse encodes a discovery response and returns the wire bytes.
func EncodeDiscResponse(uid UID) []byte {
	buf := make([]byte, DiscResponseMax)
	n, _ := WriteDiscResponse(buf, uid)
	return buf[:n]
}
