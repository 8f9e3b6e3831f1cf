package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/warmind-io/voicelink/internal/clock"
)

// State is the voice gateway client's connection state machine.
type State int

const (
	StateOpening State = iota
	StateIdentifying
	StateAwaitReady
	StateTransportSelect
	StateAwaitDescription
	StateLive
	StateResuming
	StateClosed
)

// Handler receives asynchronous events the Client can't return
// directly from a blocking call: the session may be torn down by the
// server at any time once Live.
type Handler interface {
	OnGatewayStale()
	OnClosed(code int, disposition Disposition)
	OnSpeaking(userID string, ssrc uint32, speaking SpeakingFlags)
	OnDebug(msg string)
}

// wsConn is the subset of *websocket.Conn the Client needs; satisfied
// directly by *websocket.Conn and fakeable in tests.
type wsConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Client is the Voice Gateway Client (C3).
type Client struct {
	conn    wsConn
	log     zerolog.Logger
	clock   clock.Clock
	handler Handler

	mu                sync.Mutex
	state             State
	serverID, userID  string
	sessionID, token  string
	heartbeatInterval time.Duration
	hb                heartbeatTracker
	speakingSSRC      uint32
	lastSeq           int

	readyCh    chan Ready
	sessDescCh chan SessionDescription
	resumedCh  chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
}

// ErrClosed is returned from send/wait operations once the client has
// closed.
var ErrClosed = errors.New("gateway: client closed")

// Open dials the voice gateway WebSocket at wsURL, waits for HELLO,
// sends IDENTIFY, and starts the background heartbeat and read loops.
// dialer may be nil to use websocket.DefaultDialer. heartbeatGrace is
// the count of consecutive unacked heartbeats at which the session is
// declared stale and closed with SESSION_TIMEOUT, so one fewer miss is
// tolerated (3 closes on the third miss); <= 0 uses
// defaultMaxUnackedHeartbeats.
func Open(ctx context.Context, dialer *websocket.Dialer, wsURL string, serverID, userID, sessionID, token string, heartbeatGrace int, clk clock.Clock, log zerolog.Logger, handler Handler) (*Client, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:       conn,
		log:        log.With().Str("component", "voice_gateway").Logger(),
		clock:      clk,
		handler:    handler,
		state:      StateOpening,
		serverID:   serverID,
		userID:     userID,
		sessionID:  sessionID,
		token:      token,
		hb:         newHeartbeatTracker(heartbeatGrace),
		readyCh:    make(chan Ready, 1),
		sessDescCh: make(chan SessionDescription, 1),
		resumedCh:  make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}

	hello, err := c.readHello()
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.heartbeatInterval = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond

	c.mu.Lock()
	c.state = StateIdentifying
	c.mu.Unlock()

	if err := c.sendIdentify(); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.state = StateAwaitReady
	c.mu.Unlock()

	go c.heartbeatLoop()
	go c.readLoop()

	return c, nil
}

func (c *Client) readHello() (helloPayload, error) {
	env, err := c.readEnvelope()
	if err != nil {
		return helloPayload{}, err
	}
	if env.Op != OpHello {
		return helloPayload{}, fmt.Errorf("gateway: expected HELLO, got opcode %d", env.Op)
	}
	var hello helloPayload
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		return helloPayload{}, fmt.Errorf("gateway: decode HELLO: %w", err)
	}
	return hello, nil
}

func (c *Client) readEnvelope() (envelope, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return envelope{}, fmt.Errorf("gateway: read: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return envelope{}, fmt.Errorf("gateway: decode envelope: %w", err)
	}
	return env, nil
}

func (c *Client) write(op Opcode, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("gateway: encode opcode %d payload: %w", op, err)
	}
	return c.conn.WriteJSON(envelope{Op: op, Data: raw})
}

func (c *Client) sendIdentify() error {
	return c.write(OpIdentify, identifyPayload{
		ServerID:  c.serverID,
		UserID:    c.userID,
		SessionID: c.sessionID,
		Token:     c.token,
	})
}

// SendResume sends OP 6 RESUME using the preserved session identity
// and the last dispatch sequence observed before the disconnect.
func (c *Client) SendResume() error {
	c.mu.Lock()
	c.state = StateResuming
	seq := c.lastSeq
	c.mu.Unlock()
	return c.write(OpResume, resumePayload{
		ServerID:  c.serverID,
		SessionID: c.sessionID,
		Token:     c.token,
		Seq:       seq,
	})
}

// WaitReady blocks until READY arrives or ctx is done.
func (c *Client) WaitReady(ctx context.Context) (Ready, error) {
	select {
	case r := <-c.readyCh:
		c.mu.Lock()
		c.state = StateTransportSelect
		c.mu.Unlock()
		return r, nil
	case <-ctx.Done():
		return Ready{}, ctx.Err()
	case <-c.closed:
		return Ready{}, ErrClosed
	}
}

// SendSelectProtocol sends OP 1 with the discovered external
// address/port and chosen mode.
func (c *Client) SendSelectProtocol(address string, port uint16, mode string) error {
	c.mu.Lock()
	c.state = StateAwaitDescription
	c.mu.Unlock()
	return c.write(OpSelectProtocol, selectProtocolPayload{
		Protocol: "udp",
		Data: selectProtocolData{
			Address: address,
			Port:    port,
			Mode:    mode,
		},
	})
}

// WaitSessionDescription blocks until SESSION_DESCRIPTION arrives or
// ctx is done.
func (c *Client) WaitSessionDescription(ctx context.Context) (SessionDescription, error) {
	select {
	case d := <-c.sessDescCh:
		c.mu.Lock()
		c.state = StateLive
		c.mu.Unlock()
		return d, nil
	case <-ctx.Done():
		return SessionDescription{}, ctx.Err()
	case <-c.closed:
		return SessionDescription{}, ErrClosed
	}
}

// WaitResumed blocks until RESUMED arrives or ctx is done.
func (c *Client) WaitResumed(ctx context.Context) error {
	select {
	case <-c.resumedCh:
		c.mu.Lock()
		c.state = StateLive
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// Speaking sends OP 5 with the given flags. A false->true transition
// must be sent before any audio.
func (c *Client) Speaking(flags SpeakingFlags, ssrc uint32) error {
	return c.write(OpSpeaking, speakingPayload{Speaking: flags, Delay: 0, SSRC: ssrc})
}

// State returns the client's current state machine position.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes the underlying WebSocket and stops background loops.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) heartbeatLoop() {
	ticker := c.clock.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C():
			timedOut := c.hb.onTick()
			c.mu.Lock()
			seq := c.lastSeq
			c.mu.Unlock()
			if err := c.write(OpHeartbeat, seq); err != nil {
				c.handler.OnGatewayStale()
				return
			}
			if timedOut {
				c.handler.OnClosed(int(CloseSessionTimeout), DispositionResumable)
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		env, err := c.readEnvelope()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			code := websocket.CloseNormalClosure
			if ce, ok := asCloseError(err); ok {
				code = ce.Code
			}
			c.handler.OnClosed(code, Classify(code))
			return
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	if env.Seq != nil {
		c.mu.Lock()
		c.lastSeq = *env.Seq
		c.mu.Unlock()
	}

	switch env.Op {
	case OpReady:
		var r readyPayload
		if err := json.Unmarshal(env.Data, &r); err != nil {
			c.handler.OnDebug(fmt.Sprintf("gateway: malformed READY: %v", err))
			return
		}
		c.speakingSSRC = r.SSRC
		c.readyCh <- Ready{SSRC: r.SSRC, IP: r.IP, Port: r.Port, Modes: r.Modes}

	case OpSessionDescription:
		var d sessionDescriptionPayload
		if err := json.Unmarshal(env.Data, &d); err != nil {
			c.handler.OnDebug(fmt.Sprintf("gateway: malformed SESSION_DESCRIPTION: %v", err))
			return
		}
		c.sessDescCh <- SessionDescription{Mode: d.Mode, SecretKey: d.SecretKey}

	case OpHeartbeatAck:
		c.hb.onAck()

	case OpResumed:
		select {
		case c.resumedCh <- struct{}{}:
		default:
		}

	case OpSpeaking:
		var s speakingPayload
		if err := json.Unmarshal(env.Data, &s); err == nil {
			c.handler.OnSpeaking("", s.SSRC, s.Speaking)
		}

	case OpClientDisconnect:
		// No voice-session state changes; informational only.

	default:
		c.handler.OnDebug(fmt.Sprintf("gateway: unhandled opcode %d", env.Op))
	}
}

func asCloseError(err error) (*websocket.CloseError, bool) {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		return ce, true
	}
	var wrapped *websocket.CloseError
	if errors.As(err, &wrapped) {
		return wrapped, true
	}
	return nil, false
}
