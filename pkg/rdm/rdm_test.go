// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import (
	"bytes"
	"strings"
	"testing"
)

// ============================================================
// Checksum Tests
// ============================================================

func TestChecksum_Empty(t *testing.T) {
	if cs := Checksum([]byte{}); cs != 0 {
		t.Errorf("checksum of empty data should be 0, got 0x%04X", cs)
	}
}

func TestChecksum_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "header start bytes",
			data:     []byte{0xCC, 0x01, 0x18},
			expected: 0x00E5,
		},
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x01DD,
		},
		{
			name:     "wraps past 16 bits",
			data:     bytes.Repeat([]byte{0xFF}, 300),
			expected: uint16(300 * 0xFF & 0xFFFF),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if cs := Checksum(tt.data); cs != tt.expected {
				t.Errorf("checksum mismatch: expected 0x%04X, got 0x%04X", tt.expected, cs)
			}
		})
	}
}

// ============================================================
// UID Tests
// ============================================================

func TestUID_Split(t *testing.T) {
	u := NewUID(0x05E0, 0x12345678)
	if u.Manufacturer() != 0x05E0 {
		t.Errorf("manufacturer: got 0x%04X", u.Manufacturer())
	}
	if u.Device() != 0x12345678 {
		t.Errorf("device: got 0x%08X", u.Device())
	}
	if got := u.String(); got != "05E0:12345678" {
		t.Errorf("string: got %q", got)
	}
}

func TestUID_IsTarget(t *testing.T) {
	mine := NewUID(0x05E0, 0x00000001)

	tests := []struct {
		name string
		dest UID
		want bool
	}{
		{"exact match", mine, true},
		{"other device", NewUID(0x05E0, 0x00000002), false},
		{"global broadcast", BroadcastUID, true},
		{"vendor broadcast, same vendor", NewUID(0x05E0, 0xFFFFFFFF), true},
		{"vendor broadcast, other vendor", NewUID(0x1234, 0xFFFFFFFF), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mine.IsTarget(tt.dest); got != tt.want {
				t.Errorf("IsTarget(%s) = %v, want %v", tt.dest, got, tt.want)
			}
		})
	}
}

func TestUID_MarshalRoundTrip(t *testing.T) {
	u := NewUID(0xABCD, 0x01020304)
	var buf [6]byte
	MarshalUID(buf[:], u)

	expected := []byte{0xAB, 0xCD, 0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(buf[:], expected) {
		t.Errorf("marshal: got % X, want % X", buf[:], expected)
	}
	if got := UnmarshalUID(buf[:]); got != u {
		t.Errorf("unmarshal: got %s, want %s", got, u)
	}
}

// ============================================================
// Header Tests
// ============================================================

func testHeader() *Header {
	return &Header{
		DestUID:   NewUID(0x05E0, 0x00000001),
		SrcUID:    NewUID(0x0011, 0x22334455),
		TN:        7,
		PortID:    1,
		SubDevice: SubDeviceRoot,
		CC:        CCGetCommand,
		PID:       PIDDeviceInfo,
	}
}

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := testHeader()
	h.PDL = 4

	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, h)

	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if *decoded != *h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, h)
	}
}

func TestDecodeHeader_Errors(t *testing.T) {
	h := testHeader()
	good := make([]byte, HeaderSize)
	EncodeHeader(good, h)

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"bad start code", func(b []byte) { b[0] = 0x00 }},
		{"bad sub-start code", func(b []byte) { b[1] = 0x02 }},
		{"short message length", func(b []byte) { b[2] = HeaderSize - 1 }},
		{"length disagrees with PDL", func(b []byte) { b[2] = HeaderSize + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := append([]byte(nil), good...)
			tt.mutate(msg)
			if _, err := DecodeHeader(msg); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestHeader_ResponseType(t *testing.T) {
	h := &Header{}
	h.SetResponseType(ResponseTypeNackReason)
	if h.ResponseType() != ResponseTypeNackReason {
		t.Errorf("got %v", h.ResponseType())
	}
}

// ============================================================
// Message Encode Tests
// ============================================================

func TestWriteMessage_ChecksumVerifies(t *testing.T) {
	h := testHeader()
	pd := []byte{0x01, 0x02, 0x03}

	msg, err := EncodeMessage(h, pd)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if len(msg) != HeaderSize+3+ChecksumSize {
		t.Fatalf("unexpected size %d", len(msg))
	}
	if !VerifyChecksum(msg) {
		t.Error("freshly encoded message should verify")
	}

	msg[10] ^= 0xFF
	if VerifyChecksum(msg) {
		t.Error("corrupted message should not verify")
	}
}

func TestWriteMessage_PDLTooLarge(t *testing.T) {
	h := testHeader()
	if _, err := EncodeMessage(h, make([]byte, MaxPDL+1)); err == nil {
		t.Error("expected error for oversized parameter data")
	}
}

// ============================================================
// EUID Tests
// ============================================================

func TestEUID_RoundTrip(t *testing.T) {
	u := NewUID(0x05E0, 0xDEADBEEF)

	var block [EUIDSize]byte
	EncodeEUID(block[:], u)

	decoded, ok, err := DecodeEUID(block[:])
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !ok {
		t.Error("checksum should verify")
	}
	if decoded != u {
		t.Errorf("got %s, want %s", decoded, u)
	}
}

func TestEUID_CollisionDetected(t *testing.T) {
	var a, b [EUIDSize]byte
	EncodeEUID(a[:], NewUID(0x05E0, 0x00000001))
	EncodeEUID(b[:], NewUID(0x05E0, 0x00010000))

	// Two responders driving the line at once OR together on the wire
	var merged [EUIDSize]byte
	for i := range merged {
		merged[i] = a[i] | b[i]
	}

	_, ok, err := DecodeEUID(merged[:])
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ok {
		t.Error("merged EUID blocks should fail the checksum")
	}
}

// ============================================================
// Decoder Tests
// ============================================================

func TestDecoder_Message(t *testing.T) {
	h := testHeader()
	pd := []byte{0xAA, 0xBB}
	msg, _ := EncodeMessage(h, pd)

	d := NewDecoder()
	var packet *Packet
	for i, b := range msg {
		p, err := d.DecodeByte(b)
		if err != nil {
			t.Fatalf("byte %d: decode error: %v", i, err)
		}
		if p != nil {
			if i != len(msg)-1 {
				t.Fatalf("packet completed early at byte %d", i)
			}
			packet = p
		}
	}
	if packet == nil {
		t.Fatal("expected completed packet")
	}
	if !packet.ChecksumValid() {
		t.Error("checksum should be valid")
	}
	if packet.Header().PID != PIDDeviceInfo {
		t.Errorf("PID: got 0x%04X", uint16(packet.Header().PID))
	}
	if !bytes.Equal(packet.PD(), pd) {
		t.Errorf("PD: got % X, want % X", packet.PD(), pd)
	}
	if !packet.IsRequest() || packet.IsBroadcast() || packet.IsDiscUniqueBranch() {
		t.Error("classification flags wrong for unicast GET")
	}
}

func TestDecoder_ChecksumMismatch(t *testing.T) {
	msg, _ := EncodeMessage(testHeader(), nil)
	msg[len(msg)-1] ^= 0x01

	d := NewDecoder()
	_, err := d.Decode(msg)
	if err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Errorf("expected checksum error, got %v", err)
	}
}

func TestDecoder_DiscResponsePreambleLengths(t *testing.T) {
	u := NewUID(0x05E0, 0x00000042)
	full := EncodeDiscResponse(u)

	// Inline devices may strip 0-7 preamble bytes
	for strip := 0; strip <= PreambleMaxLen; strip++ {
		d := NewDecoder()
		p, err := d.Decode(full[strip:])
		if err != nil {
			t.Fatalf("strip %d: decode error: %v", strip, err)
		}
		if p == nil {
			t.Fatalf("strip %d: expected packet", strip)
		}
		if !p.IsDiscResponse() || !p.ChecksumValid() || p.UID() != u {
			t.Errorf("strip %d: got uid=%s valid=%v", strip, p.UID(), p.ChecksumValid())
		}
	}
}

func TestDecoder_IgnoresNonRDMStartCode(t *testing.T) {
	d := NewDecoder()
	for _, b := range []byte{SCNull, 0x10, 0x20, 0x30} {
		p, err := d.DecodeByte(b)
		if err != nil || p != nil {
			t.Fatalf("idle decoder should ignore 0x%02X", b)
		}
	}

	// Still decodes a message afterwards
	msg, _ := EncodeMessage(testHeader(), nil)
	p, err := d.Decode(msg)
	if err != nil || p == nil {
		t.Fatalf("decode after noise: p=%v err=%v", p, err)
	}
}

// ============================================================
// Format String Tests
// ============================================================

func TestFormatSize(t *testing.T) {
	tests := []struct {
		format     string
		size       int
		terminated bool
		wantErr    bool
	}{
		{"b", 1, false, false},
		{"w", 2, false, false},
		{"d", 4, false, false},
		{"u", 6, false, false},
		{"wv", 8, true, false},
		{"bw$", 3, true, false},
		{"x00w", 3, false, false},
		{DeviceInfoFormat, 19, true, false},
		{DiscUniqueBranchFormat, 12, true, false},
		{"a", asciiMaxLen, true, false},
		{"ab", 0, false, true},
		{"vq", 0, false, true},
		{"xZZ", 0, false, true},
		{"q", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			size, terminated, err := FormatSize(tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if size != tt.size || terminated != tt.terminated {
				t.Errorf("got (%d, %v), want (%d, %v)", size, terminated, tt.size, tt.terminated)
			}
		})
	}
}

func TestPDLSize_RepeatingFormat(t *testing.T) {
	// A repeating UID list fills to the largest whole multiple of 6
	size, err := PDLSize("u")
	if err != nil {
		t.Fatal(err)
	}
	if size != MaxPDL-MaxPDL%6 {
		t.Errorf("got %d, want %d", size, MaxPDL-MaxPDL%6)
	}
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	pd, err := Pack("bwdu$", uint8(5), uint16(0x1234), uint32(0xDEADBEEF), NewUID(1, 2))
	if err != nil {
		t.Fatalf("pack error: %v", err)
	}
	if len(pd) != 13 {
		t.Fatalf("packed size %d", len(pd))
	}

	v, err := Unpack("bwdu$", pd)
	if err != nil {
		t.Fatalf("unpack error: %v", err)
	}
	if v[0].(uint8) != 5 || v[1].(uint16) != 0x1234 ||
		v[2].(uint32) != 0xDEADBEEF || v[3].(UID) != NewUID(1, 2) {
		t.Errorf("round trip mismatch: %v", v)
	}
}

// ============================================================
// Parameter Message Tests
// ============================================================

func TestDeviceInfo_RoundTrip(t *testing.T) {
	info := &DeviceInfo{
		ModelID:            0x0100,
		ProductCategory:    0x0509,
		SoftwareVersionID:  0x00010203,
		Footprint:          4,
		CurrentPersonality: 1,
		PersonalityCount:   2,
		StartAddress:       10,
		SubDeviceCount:     0,
		SensorCount:        0,
	}

	pd := info.Marshal()
	if len(pd) != DeviceInfoPDL {
		t.Fatalf("PDL %d, want %d", len(pd), DeviceInfoPDL)
	}
	if pd[0] != 0x01 || pd[1] != 0x00 {
		t.Errorf("RDM version bytes: % X", pd[:2])
	}

	decoded, err := UnmarshalDeviceInfo(pd)
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.RDMVersion != 0x0100 {
		t.Errorf("RDM version: got 0x%04X", decoded.RDMVersion)
	}
	decoded.RDMVersion = 0
	info.RDMVersion = 0
	if *decoded != *info {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, info)
	}
}

func TestDiscUniqueBranch_RoundTrip(t *testing.T) {
	branch := &DiscUniqueBranch{LowerBound: 0, UpperBound: MaxUID}
	pd := branch.Marshal()
	if len(pd) != 12 {
		t.Fatalf("PDL %d", len(pd))
	}

	decoded, err := UnmarshalDiscUniqueBranch(pd)
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if *decoded != *branch {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	if !branch.Contains(NewUID(0x05E0, 1)) {
		t.Error("full range should contain any UID")
	}
	narrow := &DiscUniqueBranch{LowerBound: 100, UpperBound: 200}
	if narrow.Contains(99) || !narrow.Contains(100) || !narrow.Contains(200) || narrow.Contains(201) {
		t.Error("bounds are inclusive")
	}
}

func TestDiscMute_RoundTrip(t *testing.T) {
	t.Run("without binding UID", func(t *testing.T) {
		m := &DiscMute{BootLoader: true}
		pd := m.Marshal()
		if len(pd) != 2 {
			t.Fatalf("PDL %d", len(pd))
		}
		decoded, err := UnmarshalDiscMute(pd)
		if err != nil {
			t.Fatal(err)
		}
		if !decoded.BootLoader || decoded.HasBindingUID {
			t.Errorf("got %+v", decoded)
		}
	})

	t.Run("with binding UID", func(t *testing.T) {
		m := &DiscMute{ManagedProxy: true, BindingUID: NewUID(1, 2), HasBindingUID: true}
		pd := m.Marshal()
		if len(pd) != 8 {
			t.Fatalf("PDL %d", len(pd))
		}
		decoded, err := UnmarshalDiscMute(pd)
		if err != nil {
			t.Fatal(err)
		}
		if !decoded.ManagedProxy || !decoded.HasBindingUID || decoded.BindingUID != NewUID(1, 2) {
			t.Errorf("got %+v", decoded)
		}
	})
}

func TestNackReason_RoundTrip(t *testing.T) {
	pd := MarshalNackReason(NRSubDeviceOutOfRange)
	if !bytes.Equal(pd, []byte{0x00, 0x09}) {
		t.Errorf("got % X", pd)
	}
	nr, err := UnmarshalNackReason(pd)
	if err != nil || nr != NRSubDeviceOutOfRange {
		t.Errorf("got %v, %v", nr, err)
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidatePacket(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Header)
		anomaly AnomalyType
	}{
		{"broadcast source", func(h *Header) { h.SrcUID = BroadcastUID }, AnomalyBroadcastSource},
		{"zero port ID", func(h *Header) { h.PortID = 0 }, AnomalyZeroPortID},
		{"bad command class", func(h *Header) { h.CC = 0x42 }, AnomalyBadCommandClass},
		{"sub-device range", func(h *Header) { h.SubDevice = 513 }, AnomalySubDeviceRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHeader()
			tt.mutate(h)
			errs := ValidatePacket(NewPacket(h, nil, true))
			found := false
			for _, e := range errs {
				if e.Type == tt.anomaly {
					found = true
				}
			}
			if !found {
				t.Errorf("expected anomaly %d, got %v", tt.anomaly, errs)
			}
		})
	}

	t.Run("clean packet", func(t *testing.T) {
		if errs := ValidatePacket(NewPacket(testHeader(), nil, true)); len(errs) != 0 {
			t.Errorf("unexpected anomalies: %v", errs)
		}
	})
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatPacket_Smoke(t *testing.T) {
	h := testHeader()
	h.CC = CCGetResponse
	h.SetResponseType(ResponseTypeNackReason)
	p := NewPacket(h, MarshalNackReason(NRUnknownPID), true)

	out := FormatPacket(p)
	if !strings.Contains(out, "GET_RESPONSE") || !strings.Contains(out, "UNKNOWN_PID") {
		t.Errorf("unexpected format output: %q", out)
	}

	disc := NewDiscResponsePacket(NewUID(0x05E0, 1), false)
	if out := FormatPacket(disc); !strings.Contains(out, "COLLISION") {
		t.Errorf("unexpected disc format output: %q", out)
	}
}
