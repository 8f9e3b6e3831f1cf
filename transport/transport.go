// Package transport implements the UDP media transport (C2): IP
// discovery, RTP send, keep-alive, and RTT measurement.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warmind-io/voicelink/internal/clock"
	"github.com/warmind-io/voicelink/internal/metrics"
)

// DiscoveryDeadline is the hard deadline for IP discovery.
const DiscoveryDeadline = 5 * time.Second

// ErrIPDiscoveryTimeout is returned when no discovery reply arrives
// within DiscoveryDeadline.
var ErrIPDiscoveryTimeout = errors.New("transport: IP discovery timeout")

// Events receives asynchronous signals from the Transport's background
// loops. Implementations must not block.
type Events interface {
	// OnAudioPacket is called for every inbound datagram that looks
	// like an RTP packet (anything that isn't a recognized keep-alive
	// reply of keepAlivePacketSize bytes).
	OnAudioPacket(packet []byte)
	// OnStale fires after maxMissedKeepAlives consecutive unanswered
	// keep-alives.
	OnStale()
	// OnIOError reports a non-fatal send/receive error (Transient).
	OnIOError(err error)
}

// Transport owns exactly one UDP socket for one Supervisor.
type Transport struct {
	conn net.Conn
	ssrc uint32

	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Registry
	events  Events

	keepAlive *keepAliveTracker

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Dial opens the UDP socket to addr (host:port, already resolved from
// the READY event's ip/port) and returns a Transport bound to ssrc.
func Dial(ctx context.Context, addr string, ssrc uint32, clk clock.Clock, log zerolog.Logger, reg *metrics.Registry, events Events) (*Transport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	return &Transport{
		conn:      conn,
		ssrc:      ssrc,
		clock:     clk,
		log:       log.With().Str("component", "transport").Logger(),
		metrics:   reg,
		events:    events,
		keepAlive: newKeepAliveTracker(),
		closeCh:   make(chan struct{}),
	}, nil
}

// DiscoverIP performs the IP discovery handshake and returns the
// externally visible (ip, port) Discord observed.
func (t *Transport) DiscoverIP(ctx context.Context) (ip string, port uint16, err error) {
	// The socket deadline governs real wall-clock I/O regardless of
	// which Clock implementation drives the rest of the Supervisor, so
	// it is derived from time.Now(), not t.clock.
	deadline := time.Now().Add(DiscoveryDeadline)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := t.conn.SetDeadline(deadline); err != nil {
		return "", 0, fmt.Errorf("transport: set discovery deadline: %w", err)
	}
	defer t.conn.SetDeadline(time.Time{})

	req := buildDiscoveryRequest(t.ssrc)
	if _, err := t.conn.Write(req); err != nil {
		return "", 0, fmt.Errorf("transport: send discovery request: %w", err)
	}

	buf := make([]byte, discoveryPacketSize)
	n, err := io.ReadFull(t.conn, buf)
	if err != nil {
		if isTimeout(err) {
			return "", 0, ErrIPDiscoveryTimeout
		}
		return "", 0, fmt.Errorf("transport: read discovery reply: %w", err)
	}

	return parseDiscoveryReply(buf[:n])
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Send transmits one already-encrypted RTP packet. It is non-blocking
// beyond the underlying socket write and safe to call from the 20ms
// pacing tick.
func (t *Transport) Send(packet []byte) error {
	_, err := t.conn.Write(packet)
	if err != nil {
		if t.metrics != nil {
			t.metrics.PacketsDropped.WithLabelValues("io_error").Inc()
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	if t.metrics != nil {
		t.metrics.PacketsSent.Inc()
	}
	return nil
}

// RunReceiveLoop reads inbound datagrams until Close is called,
// dispatching audio packets and keep-alive replies to the appropriate
// handler. It should be run in its own goroutine.
func (t *Transport) RunReceiveLoop() {
	t.wg.Add(1)
	defer t.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := t.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-t.closeCh:
				return
			default:
			}
			if t.events != nil {
				t.events.OnIOError(fmt.Errorf("transport: receive: %w", err))
			}
			return
		}

		if counter, ok := parseKeepAlivePacket(buf[:n]); ok && n == keepAlivePacketSize {
			if t.keepAlive.onReply(counter, t.clock.Now()) {
				continue
			}
		}

		if t.events != nil {
			packet := append([]byte(nil), buf[:n]...)
			t.events.OnAudioPacket(packet)
		}
	}
}

// RunKeepAlive sends an 8-byte keep-alive every 5s and declares the
// transport stale after maxMissedKeepAlives consecutive unanswered
// sends. It should be run in its own goroutine.
func (t *Transport) RunKeepAlive() {
	t.wg.Add(1)
	defer t.wg.Done()

	ticker := t.clock.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C():
			packet := t.keepAlive.send(t.clock.Now())
			if _, err := t.conn.Write(packet); err != nil {
				if t.events != nil {
					t.events.OnIOError(fmt.Errorf("transport: keepalive send: %w", err))
				}
				continue
			}
			if t.metrics != nil {
				t.metrics.KeepAliveRTT.Set(t.keepAlive.RTT().Seconds())
			}
			if t.keepAlive.missed >= maxMissedKeepAlives {
				if t.events != nil {
					t.events.OnStale()
				}
			}
		}
	}
}

// RTT returns the most recently measured keep-alive round trip time.
func (t *Transport) RTT() time.Duration { return t.keepAlive.RTT() }

// Close tears down the UDP socket and stops the background loops.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		err = t.conn.Close()
	})
	t.wg.Wait()
	return err
}
