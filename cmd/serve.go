// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/limelight/pkg/rdm"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bridge bus events over WebSocket",
	Long: `Serve decoded bus events to WebSocket clients.

Every observed frame is decoded and broadcast to all connected clients as
a JSON text message. Clients are read-only; anything they send is
discarded. Slow clients are dropped rather than allowed to stall the
bridge.

The event feed is the same one the watch command displays, so a browser
dashboard can observe a rig remotely.

Examples:
  limelight serve --port /dev/ttyUSB0 --listen :9100
  limelight serve --loopback --listen 127.0.0.1:9100

Exit codes:
  0 - interrupted by the user
  1 - connection or listen error`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":9100", "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

// wireEvent is the JSON shape broadcast to clients.
type wireEvent struct {
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Frame string    `json:"frame,omitempty"`
	Error string    `json:"error,omitempty"`
}

// eventHub fans bus events out to WebSocket clients.
type eventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *eventHub) add(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

// broadcast queues data for every client, dropping clients whose queue is
// full.
func (h *eventHub) broadcast(data []byte) {
	h.mu.Lock()
	var stalled []*websocket.Conn
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			stalled = append(stalled, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range stalled {
		h.remove(conn)
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.remove(conn)
	}
}

var serveUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

func (h *eventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := serveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	ch := h.add(conn)

	// Discard client messages, noticing disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()

	for data := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
			return
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, _, closer, connInfo, err := openEventStream(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	hub := newEventHub()
	defer hub.closeAll()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.handleWS)

	server := &http.Server{Addr: serveListen, Handler: mux}
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.ListenAndServe()
	}()

	fmt.Printf("Limelight - WebSocket Bridge\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Listening on ws://%s/ws, press Ctrl+C to stop\n\n", serveListen)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
			return nil
		case err := <-errChan:
			if err == http.ErrServerClosed {
				return nil
			}
			return fmt.Errorf("listen failed: %v", err)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(encodeWireEvent(&ev))
			if err != nil {
				continue
			}
			hub.broadcast(data)
		}
	}
}

// encodeWireEvent converts a bus event to the broadcast JSON shape.
func encodeWireEvent(ev *busEvent) wireEvent {
	out := wireEvent{Time: ev.Time}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	if frame := ev.wireBytes(); frame != nil {
		out.Frame = hex.EncodeToString(frame)
	}

	switch {
	case ev.Packet != nil:
		out.Kind = "rdm"
		out.Text = strings.TrimRight(rdm.FormatPacket(ev.Packet), "\n")
	case len(ev.Frame) > 0:
		out.Kind = "dmx"
		out.Text = fmt.Sprintf("sc=0x%02X %d slots", ev.Frame[0], len(ev.Frame)-1)
	default:
		out.Kind = "error"
	}
	return out
}
