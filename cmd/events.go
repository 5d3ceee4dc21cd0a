// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Thermoquad/limelight/pkg/dmx"
	"github.com/Thermoquad/limelight/pkg/rdm"
)

// busEvent is one observed frame, produced by the loopback sniffer or the
// serial read loop.
type busEvent struct {
	Time   time.Time
	Frame  []byte
	Packet *rdm.Packet
	Err    error
}

// wireBytes returns the event's on-the-wire form. Serial events carry no
// raw frame, so decoded packets are re-encoded.
func (ev *busEvent) wireBytes() []byte {
	if ev.Frame != nil {
		return ev.Frame
	}
	if ev.Packet == nil {
		return nil
	}
	if ev.Packet.IsDiscResponse() {
		return rdm.EncodeDiscResponse(ev.Packet.UID())
	}
	frame, err := rdm.EncodeMessage(ev.Packet.Header(), ev.Packet.PD())
	if err != nil {
		return nil
	}
	return frame
}

// loopbackMonitor is a loopback bus with an extra passive port feeding a
// sniffer.
type loopbackMonitor struct {
	lb      *Loopback
	monitor *dmx.Driver
	sniffer *dmx.Sniffer
	port    int
}

func (m *loopbackMonitor) Close() error {
	dmx.Uninstall(m.port)
	return m.lb.Close()
}

// openLoopbackMonitor builds the configured bus plus a UID-less monitor
// port wired to the sniffer and the bus edge tap.
func openLoopbackMonitor() (*loopbackMonitor, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	lb, err := OpenLoopback(cfg)
	if err != nil {
		return nil, err
	}

	port := lb.Bus.NewPort()
	if port.Index() >= dmx.MaxPorts {
		lb.Close()
		return nil, fmt.Errorf("no simulated port left for the monitor; reduce the device count")
	}
	mon, err := dmx.Install(port.Index(), port, dmx.NewSimTimer(), dmx.Config{})
	if err != nil {
		lb.Close()
		return nil, err
	}

	s := dmx.NewSniffer(mon)
	lb.Bus.SetEdgeTap(s.Edge)

	return &loopbackMonitor{lb: lb, monitor: mon, sniffer: s, port: port.Index()}, nil
}

// openEventStream starts a monitor for the selected connection mode and
// returns its event channel. The channel closes when ctx is canceled. The
// returned monitor is nil in serial mode.
func openEventStream(ctx context.Context) (<-chan busEvent, *loopbackMonitor, io.Closer, string, error) {
	if loopback {
		m, err := openLoopbackMonitor()
		if err != nil {
			return nil, nil, nil, "", err
		}

		events := make(chan busEvent, 64)
		go func() {
			defer close(events)
			for ev := range m.sniffer.Events() {
				events <- busEvent{Time: ev.Time, Frame: ev.Frame, Packet: ev.Packet, Err: ev.Err}
			}
		}()
		go m.sniffer.Run(ctx)

		return events, m, m, fmt.Sprintf("Loopback: %d responders", len(m.lb.Responders)), nil
	}

	if portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, nil, nil, "", err
		}

		events := make(chan busEvent, 64)
		go serialEventLoop(ctx, conn, events)

		return events, nil, conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, nil, nil, "", fmt.Errorf("either --port or --loopback must be specified")
}

// serialEventLoop decodes RDM traffic off the serial line into events.
func serialEventLoop(ctx context.Context, conn Connection, events chan<- busEvent) {
	defer close(events)

	dec := rdm.NewDecoder()
	buf := make([]byte, 128)
	conn.SetReadTimeout(250 * time.Millisecond)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			events <- busEvent{Time: time.Now(), Err: err}
			return
		}

		for i := 0; i < n; i++ {
			p, err := dec.DecodeByte(buf[i])
			if err != nil {
				events <- busEvent{Time: time.Now(), Err: err}
				continue
			}
			if p != nil {
				events <- busEvent{Time: time.Now(), Packet: p}
			}
		}
	}
}

// startGenerator transmits ramp frames from the loopback controller at
// rate frames per second so passive commands have traffic to observe.
func startGenerator(ctx context.Context, d *dmx.Driver, slots int, rate float64) {
	if rate <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
		defer ticker.Stop()

		phase := byte(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := rampFrame(slots, phase)
				phase++
				d.Write(frame)
				d.Send(len(frame))
			}
		}
	}()
}

// rampFrame builds a null start code frame whose slot values ramp from
// phase.
func rampFrame(slots int, phase byte) []byte {
	frame := make([]byte, slots+1)
	for i := 1; i < len(frame); i++ {
		frame[i] = phase + byte(i-1)
	}
	return frame
}
