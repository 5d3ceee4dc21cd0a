// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rdm

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Capture directions
const (
	CaptureRX = "rx"
	CaptureTX = "tx"
)

// CaptureRecord is a single captured bus event, suitable for appending to
// a CBOR stream file. Raw always holds the full frame; the summary fields
// are filled in when the frame decoded as RDM.
type CaptureRecord struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Direction string    `cbor:"2,keyasint"`
	StartCode uint8     `cbor:"3,keyasint"`
	Raw       []byte    `cbor:"4,keyasint"`

	IsRDM   bool   `cbor:"5,keyasint,omitempty"`
	SrcUID  uint64 `cbor:"6,keyasint,omitempty"`
	DestUID uint64 `cbor:"7,keyasint,omitempty"`
	CC      uint8  `cbor:"8,keyasint,omitempty"`
	PID     uint16 `cbor:"9,keyasint,omitempty"`
}

// NewCaptureRecord builds a capture record from a raw frame, decoding the
// RDM summary fields when the frame carries the RDM start code.
func NewCaptureRecord(direction string, frame []byte) *CaptureRecord {
	rec := &CaptureRecord{
		Timestamp: time.Now(),
		Direction: direction,
		Raw:       append([]byte(nil), frame...),
	}
	if len(frame) > 0 {
		rec.StartCode = frame[0]
	}
	if len(frame) >= HeaderSize && frame[0] == SC {
		if h, err := DecodeHeader(frame); err == nil {
			rec.IsRDM = true
			rec.SrcUID = uint64(h.SrcUID)
			rec.DestUID = uint64(h.DestUID)
			rec.CC = uint8(h.CC)
			rec.PID = uint16(h.PID)
		}
	}
	return rec
}

// CaptureWriter appends CBOR-encoded capture records to a stream.
type CaptureWriter struct {
	enc *cbor.Encoder
}

// NewCaptureWriter creates a capture writer over w.
func NewCaptureWriter(w io.Writer) *CaptureWriter {
	return &CaptureWriter{enc: cbor.NewEncoder(w)}
}

// Write appends one record to the stream.
func (c *CaptureWriter) Write(rec *CaptureRecord) error {
	if err := c.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode capture record: %w", err)
	}
	return nil
}

// ReadCaptures decodes all capture records from a CBOR stream.
func ReadCaptures(r io.Reader) ([]*CaptureRecord, error) {
	dec := cbor.NewDecoder(r)
	var records []*CaptureRecord
	for {
		var rec CaptureRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, fmt.Errorf("failed to decode capture record: %w", err)
		}
		records = append(records, &rec)
	}
}
