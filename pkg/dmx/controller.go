// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

// Controller helpers. These drive RDM requests through the port and
// implement the discovery binary search over the UID space.

// discRetries is how many times discovery repeats an unanswered mute or
// branch request before trusting the silence.
const discRetries = 3

// requestWait bounds the wait for a unicast response.
const requestWait = 100 * time.Millisecond

// Request transmits an RDM request and returns the decoded response
// header and parameter data. Broadcast requests return nil, nil after the
// frame is on the wire. The response's transaction number and addressing
// are verified; a mismatched or corrupt response is an error.
func (d *Driver) Request(dest rdm.UID, cc rdm.CC, pid rdm.PID, subDevice uint16, pd []byte, wait time.Duration) (*rdm.Header, []byte, error) {
	if !cc.IsRequest() {
		return nil, nil, fmt.Errorf("%w: command class 0x%02X", ErrInvalidArg, uint8(cc))
	}

	d.spin.Lock()
	h := rdm.Header{
		DestUID:   dest,
		SrcUID:    d.uid,
		TN:        d.tn,
		PortID:    uint8(d.port + 1),
		SubDevice: subDevice,
		CC:        cc,
		PID:       pid,
	}
	var buf [rdm.MaxMessageSize]byte
	n, err := rdm.WriteMessage(buf[:], &h, pd)
	if err != nil {
		d.spin.Unlock()
		return nil, nil, err
	}
	d.writeFrame(buf[:n])
	d.spin.Unlock()

	if _, err := d.Send(n); err != nil {
		return nil, nil, err
	}

	if cc == rdm.CCDiscCommand && pid == rdm.PIDDiscUniqueBranch {
		// Branch responses are preamble-framed; the caller collects
		// them itself.
		return nil, nil, nil
	}
	if dest.IsBroadcast() {
		d.WaitSent(sendTimeout)
		return nil, nil, nil
	}

	var info PacketInfo
	if _, err := d.Receive(&info, wait); err != nil {
		return nil, nil, err
	}
	if info.Err != nil {
		return nil, nil, info.Err
	}
	if !info.IsRDM {
		return nil, nil, fmt.Errorf("non-RDM frame where a response was expected, start code 0x%02X", info.SC)
	}

	d.spin.Lock()
	frame := append([]byte(nil), d.data[:info.Size]...)
	d.spin.Unlock()

	rh, err := rdm.DecodeHeader(frame)
	if err != nil {
		return nil, nil, err
	}
	if rh.TN != h.TN {
		return nil, nil, fmt.Errorf("response transaction number %d does not match request %d", rh.TN, h.TN)
	}
	if rh.DestUID != d.uid || rh.SrcUID != dest {
		return nil, nil, fmt.Errorf("response addressing mismatch: %s -> %s", rh.SrcUID, rh.DestUID)
	}
	if rh.CC != cc+1 {
		return nil, nil, fmt.Errorf("response command class 0x%02X for request 0x%02X", uint8(rh.CC), uint8(cc))
	}
	return rh, frame[rdm.HeaderSize:rh.MessageLen()], nil
}

// decodeMuteResponse interprets a mute or un-mute response.
func decodeMuteResponse(h *rdm.Header, pd []byte) (*rdm.DiscMute, error) {
	if h.ResponseType() != rdm.ResponseTypeAck {
		return nil, fmt.Errorf("mute response type 0x%02X", uint8(h.ResponseType()))
	}
	return rdm.UnmarshalDiscMute(pd)
}

// Mute sends DISC_MUTE to uid and returns the mute response. Broadcast
// mutes return nil, nil.
func (d *Driver) Mute(uid rdm.UID) (*rdm.DiscMute, error) {
	h, pd, err := d.Request(uid, rdm.CCDiscCommand, rdm.PIDDiscMute, rdm.SubDeviceRoot, nil, requestWait)
	if err != nil || h == nil {
		return nil, err
	}
	return decodeMuteResponse(h, pd)
}

// UnMute sends DISC_UN_MUTE to uid and returns the mute response.
// Broadcast un-mutes return nil, nil.
func (d *Driver) UnMute(uid rdm.UID) (*rdm.DiscMute, error) {
	h, pd, err := d.Request(uid, rdm.CCDiscCommand, rdm.PIDDiscUnMute, rdm.SubDeviceRoot, nil, requestWait)
	if err != nil || h == nil {
		return nil, err
	}
	return decodeMuteResponse(h, pd)
}

// DiscUniqueBranch broadcasts a branch probe for the inclusive UID range.
// It returns the responding UID and true when exactly one unmuted
// responder answered; false with a nil error when responses collided; and
// ErrTimeout when the range is silent.
func (d *Driver) DiscUniqueBranch(lower, upper rdm.UID) (rdm.UID, bool, error) {
	pd := (&rdm.DiscUniqueBranch{LowerBound: lower, UpperBound: upper}).Marshal()
	_, _, err := d.Request(rdm.BroadcastUID, rdm.CCDiscCommand, rdm.PIDDiscUniqueBranch, rdm.SubDeviceRoot, pd, 0)
	if err != nil {
		return 0, false, err
	}

	var info PacketInfo
	if _, err := d.Receive(&info, discResponseWait); err != nil {
		return 0, false, err
	}
	if info.Err != nil {
		return 0, false, info.Err
	}

	d.spin.Lock()
	frame := append([]byte(nil), d.data[:info.Size]...)
	d.spin.Unlock()

	uid, ok, err := parseDiscResponse(frame)
	if err != nil {
		// Unparseable responses mean overlapping transmissions.
		return 0, false, nil
	}
	return uid, ok, nil
}

// parseDiscResponse locates the preamble delimiter and decodes the EUID
// block that follows it.
func parseDiscResponse(frame []byte) (rdm.UID, bool, error) {
	for i := 0; i <= rdm.PreambleMaxLen && i < len(frame); i++ {
		if frame[i] == rdm.SCDelimiter {
			return rdm.DecodeEUID(frame[i+1:])
		}
		if frame[i] != rdm.SCPreamble {
			break
		}
	}
	return 0, false, fmt.Errorf("no preamble delimiter in %d byte frame", len(frame))
}

// DiscoveryTransport is the controller surface the discovery search
// drives. *Driver satisfies it; so does any external controller that can
// put RDM discovery requests on a wire. A silent range is reported as
// ErrTimeout from DiscUniqueBranch and a Mute that goes unanswered the
// same way.
type DiscoveryTransport interface {
	Mute(uid rdm.UID) (*rdm.DiscMute, error)
	UnMute(uid rdm.UID) (*rdm.DiscMute, error)
	DiscUniqueBranch(lower, upper rdm.UID) (rdm.UID, bool, error)
}

// Discover runs full RDM discovery through the port. See DiscoverDevices.
func (d *Driver) Discover(ctx context.Context) ([]rdm.UID, error) {
	return DiscoverDevices(ctx, d)
}

// DiscoverDevices runs full RDM discovery over t: a broadcast un-mute,
// then a binary search over the UID space, muting each responder as it
// is found. Returns the discovered UIDs in the order they answered.
func DiscoverDevices(ctx context.Context, t DiscoveryTransport) ([]rdm.UID, error) {
	if _, err := t.UnMute(rdm.BroadcastUID); err != nil && !errors.Is(err, ErrTimeout) {
		return nil, err
	}
	var found []rdm.UID
	err := discoverBranch(ctx, t, 0, rdm.MaxUID, &found)
	return found, err
}

func discoverBranch(ctx context.Context, t DiscoveryTransport, lower, upper rdm.UID, found *[]rdm.UID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if lower == upper {
		return verifySingle(t, lower, found)
	}

	for attempt := 0; attempt < discRetries; attempt++ {
		uid, ok, err := t.DiscUniqueBranch(lower, upper)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case err != nil:
			return err
		case ok:
			// A clean response names a single unmuted responder;
			// confirm it and sweep the branch for more.
			return quickFind(ctx, t, uid, lower, upper, found)
		default:
			// Colliding responses: split the range.
			mid := lower + (upper-lower)/2
			if err := discoverBranch(ctx, t, lower, mid, found); err != nil {
				return err
			}
			return discoverBranch(ctx, t, mid+1, upper, found)
		}
	}
	return nil
}

// verifySingle confirms a single-UID branch by muting it directly.
func verifySingle(t DiscoveryTransport, uid rdm.UID, found *[]rdm.UID) error {
	for attempt := 0; attempt < discRetries; attempt++ {
		m, err := t.Mute(uid)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if m != nil {
			*found = append(*found, recordedUID(uid, m))
		}
		return nil
	}
	return nil
}

// quickFind mutes a responder named by a clean branch response, then
// probes the same branch again until it is silent.
func quickFind(ctx context.Context, t DiscoveryTransport, uid rdm.UID, lower, upper rdm.UID, found *[]rdm.UID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := t.Mute(uid)
	if err != nil && !errors.Is(err, ErrTimeout) {
		return err
	}
	if err == nil && m != nil {
		*found = append(*found, recordedUID(uid, m))
	}

	for attempt := 0; attempt < discRetries; attempt++ {
		next, ok, err := t.DiscUniqueBranch(lower, upper)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case err != nil:
			return err
		case ok:
			return quickFind(ctx, t, next, lower, upper, found)
		default:
			mid := lower + (upper-lower)/2
			if err := discoverBranch(ctx, t, lower, mid, found); err != nil {
				return err
			}
			return discoverBranch(ctx, t, mid+1, upper, found)
		}
	}
	return nil
}

// recordedUID prefers the binding UID a multi-port responder reports.
func recordedUID(uid rdm.UID, m *rdm.DiscMute) rdm.UID {
	if m.HasBindingUID {
		return m.BindingUID
	}
	return uid
}
