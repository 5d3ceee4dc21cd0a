// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"context"
	"errors"
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// Sniffer passively monitors a port, decoding every frame off the wire
// and optionally appending it to a capture stream. The port should be
// installed without a UID so the responder stays out of the way. When fed
// line edges through Edge it also measures break and mark-after-break
// timing.
type Sniffer struct {
	d      *Driver
	writer *rdm.CaptureWriter
	events chan SnifferEvent

	metrics   chan SnifferMetrics
	lowStart  int64
	markStart int64
	inLow     bool
	brk       int64
}

// SnifferMetrics is one measured break and mark-after-break pair in
// microseconds.
type SnifferMetrics struct {
	BreakLen int64
	MABLen   int64
}

// SnifferEvent is one observed frame.
type SnifferEvent struct {
	Time  time.Time
	Frame []byte

	// Packet is non-nil when the frame decoded as RDM, including
	// preamble-framed discovery responses.
	Packet *rdm.Packet

	// Err carries the line error the frame ended with, if any.
	Err error
}

// snifferPollInterval bounds each receive wait so the sniffer notices
// cancellation.
const snifferPollInterval = 250 * time.Millisecond

// NewSniffer creates a sniffer over an installed port.
func NewSniffer(d *Driver) *Sniffer {
	return &Sniffer{
		d:       d,
		events:  make(chan SnifferEvent, 64),
		metrics: make(chan SnifferMetrics, 64),
	}
}

// Edge feeds one RX line transition into the timing state machine. level
// is the line level after the transition; ts is the transition time in
// microseconds. A low period of at least BreakLenMin is taken as a break;
// the following mark, ended by the first data edge, is the MAB. Each
// break/MAB pair lands on the Metrics channel.
func (s *Sniffer) Edge(level bool, ts int64) {
	if !level {
		if s.brk > 0 && s.markStart > 0 {
			m := SnifferMetrics{BreakLen: s.brk, MABLen: ts - s.markStart}
			s.brk = 0
			s.markStart = 0
			select {
			case s.metrics <- m:
			default:
			}
		}
		s.lowStart = ts
		s.inLow = true
		return
	}
	if s.inLow {
		s.inLow = false
		if ts-s.lowStart >= BreakLenMin {
			s.brk = ts - s.lowStart
			s.markStart = ts
		}
	}
}

// Metrics returns the stream of measured break/MAB pairs. Measurements
// are dropped when the consumer falls behind.
func (s *Sniffer) Metrics() <-chan SnifferMetrics {
	return s.metrics
}

// SetCaptureWriter directs a copy of every observed frame to w.
func (s *Sniffer) SetCaptureWriter(w *rdm.CaptureWriter) {
	s.writer = w
}

// Events returns the stream of observed frames. Events are dropped when
// the consumer falls behind.
func (s *Sniffer) Events() <-chan SnifferEvent {
	return s.events
}

// Run monitors the port until ctx is canceled.
func (s *Sniffer) Run(ctx context.Context) error {
	defer close(s.events)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var info PacketInfo
		_, err := s.d.Receive(&info, snifferPollInterval)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}

		frame := make([]byte, info.Size)
		s.d.Read(frame)

		ev := SnifferEvent{
			Time:   time.Now(),
			Frame:  frame,
			Packet: decodeFrame(frame),
			Err:    info.Err,
		}

		if s.writer != nil {
			rec := rdm.NewCaptureRecord(rdm.CaptureRX, frame)
			if werr := s.writer.Write(rec); werr != nil {
				return werr
			}
		}

		select {
		case s.events <- ev:
		default:
		}
	}
}

// decodeFrame interprets a raw frame as an RDM packet if it is one.
func decodeFrame(frame []byte) *rdm.Packet {
	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case rdm.SC:
		h, err := rdm.DecodeHeader(frame)
		if err != nil {
			return nil
		}
		if len(frame) < h.MessageLen()+rdm.ChecksumSize {
			return nil
		}
		pd := frame[rdm.HeaderSize:h.MessageLen()]
		return rdm.NewPacket(h, pd, rdm.VerifyChecksum(frame))
	case rdm.SCPreamble, rdm.SCDelimiter:
		uid, ok, err := parseDiscResponse(frame)
		if err != nil {
			return nil
		}
		return rdm.NewDiscResponsePacket(uid, ok)
	}
	return nil
}
