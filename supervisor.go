// Package voicelink is the Voice Connection Supervisor (C5): the
// orchestrator that drives the RTP codec, UDP transport, and voice
// gateway client through the handshake and reconnect state machine.
package voicelink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/warmind-io/voicelink/adapter"
	"github.com/warmind-io/voicelink/gateway"
	"github.com/warmind-io/voicelink/internal/clock"
	"github.com/warmind-io/voicelink/internal/metrics"
	"github.com/warmind-io/voicelink/rtp"
	"github.com/warmind-io/voicelink/transport"
)

// Config holds the tunables the core recognizes. DefaultConfig returns
// the recommended value for every field; New uses the Config it is
// given as is.
type Config struct {
	AutoReconnect        bool
	MaxReconnectAttempts uint8
	PreferredModes       []rtp.Mode
	BehaviorOnEmpty      string // "pause" | "play" | "stop"; Scheduler owns the real enum
	MaxMissedFrames      uint8
	HeartbeatGrace       uint8
}

// DefaultConfig returns the recommended defaults.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		PreferredModes:       rtp.PreferenceOrder,
		BehaviorOnEmpty:      "pause",
		MaxMissedFrames:      5,
		HeartbeatGrace:       3,
	}
}

const (
	voiceInfoDeadline  = 10 * time.Second
	readyDeadline      = 30 * time.Second
	resumeDeadline     = 10 * time.Second
	backoffAttemptUnit = 1 * time.Second
	backoffCap         = 5 * time.Second
)

// Supervisor is the single entry point callers use to join and manage
// one voice connection. One Supervisor instance corresponds to one
// guild's voice membership: at most one gateway and one UDP socket per
// Supervisor at any time.
type Supervisor struct {
	cfg     Config
	adapter adapter.Adapter
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Registry

	unsubServer func()
	unsubState  func()

	mu    sync.Mutex
	state SupervisorState
	coord ChannelCoordinates

	serverInfo   VoiceServerInfo
	haveServer   bool
	stateUpdated bool
	sessionID    string

	gw          *gateway.Client
	transport   *transport.Transport
	encoder     *rtp.Encoder
	decoder     *rtp.Decoder
	session     VoiceSession
	readyIP     string
	readyPort   int

	speaking       bool
	speakingStopFn func()

	observers *observerSet

	destroyed bool
	joinSeq   chan struct{} // buffered signal channel for voice-info pairing wait

	// dialer and urlForEndpoint are testing seams: production callers
	// never set them, so they default to websocket.DefaultDialer and
	// the real wss:// URL. Tests swap in a TLS-aware dialer pointed at
	// an httptest.NewTLSServer standing in for the voice gateway.
	dialer         *websocket.Dialer
	urlForEndpoint func(endpoint string) string
}

// New creates a Supervisor bound to the given channel coordinates,
// communicating with the main gateway through adp. clk may be
// clock.Real{} in production or clock.Manual in tests.
func New(coord ChannelCoordinates, adp adapter.Adapter, cfg Config, clk clock.Clock, log zerolog.Logger, reg *metrics.Registry) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		adapter:   adp,
		clock:     clk,
		log:       log.With().Str("component", "supervisor").Str("guild_id", coord.GuildID).Logger(),
		metrics:   reg,
		coord:     coord,
		state:     StateDisconnected,
		observers:      newObserverSet(),
		joinSeq:        make(chan struct{}, 2),
		urlForEndpoint: wssURL,
	}

	s.unsubServer = adp.OnVoiceServerUpdate(s.handleVoiceServerUpdate)
	s.unsubState = adp.OnVoiceStateUpdate(s.handleVoiceStateUpdate)

	return s
}

// SetDialer overrides the *websocket.Dialer used to open the voice
// gateway connection. Production callers never need this; it exists
// for demos and deployments behind a proxy or a self-signed endpoint.
// Must be called before Connect.
func (s *Supervisor) SetDialer(d *websocket.Dialer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialer = d
}

// Observe registers an Observer and returns an unsubscribe function.
func (s *Supervisor) Observe(obs Observer) (unsubscribe func()) {
	return s.observers.Add(obs)
}

// State returns the Supervisor's current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(new SupervisorState) {
	s.mu.Lock()
	old := s.state
	s.state = new
	s.mu.Unlock()
	if old != new {
		s.observers.stateChange(old, new)
	}
}

func (s *Supervisor) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Connect drives the Supervisor from Disconnected through the full
// handshake to Ready.
func (s *Supervisor) Connect(ctx context.Context) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}
	if s.State() != StateDisconnected {
		return newError(KindCallerMisuse, "connect called outside Disconnected state", nil)
	}

	return s.connect(ctx, true)
}

// SendAudio emits one RTP packet carrying opus via the RTP codec and
// UDP transport. It is silently dropped if the Supervisor is not
// Ready.
func (s *Supervisor) SendAudio(opus []byte) {
	s.mu.Lock()
	if s.state != StateReady || s.encoder == nil || s.transport == nil {
		s.mu.Unlock()
		return
	}
	enc := s.encoder
	tr := s.transport
	sentSeq, sentTS := enc.Cursor.Sequence, enc.Cursor.Timestamp
	packet, err := enc.Encode(opus)
	s.mu.Unlock()

	if err != nil {
		if s.metrics != nil {
			s.metrics.PacketsDropped.WithLabelValues("crypto_failure").Inc()
		}
		s.observers.error(newError(KindCryptoFailure, "encode failed", err))
		return
	}

	if err := tr.Send(packet); err != nil {
		s.observers.error(newError(KindTransient, "send failed", err))
		return
	}

	s.observers.packet(sentSeq, sentTS, len(opus))
}

// OnSpeakingStopped registers a callback invoked whenever SetSpeaking
// makes a true->false transition. A caller that streams audio through
// a scheduler.Subscription should use it to call the subscription's
// NotifySpeakingStopped, starting the silence tail at the moment the
// Supervisor itself knows speaking turned off.
func (s *Supervisor) OnSpeakingStopped(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakingStopFn = fn
}

// SetSpeaking sends SPEAKING and tracks the false->true/true->false
// transition.
func (s *Supervisor) SetSpeaking(speaking bool) error {
	s.mu.Lock()
	if s.state != StateReady || s.gw == nil {
		s.mu.Unlock()
		return newError(KindCallerMisuse, "setSpeaking called outside Ready state", nil)
	}
	gw := s.gw
	ssrc := s.session.SSRC
	wasSpeaking := s.speaking
	s.speaking = speaking
	stopFn := s.speakingStopFn
	s.mu.Unlock()

	flags := gateway.SpeakingFlags(0)
	if speaking {
		flags = gateway.SpeakingMic
	}
	if err := gw.Speaking(flags, ssrc); err != nil {
		return err
	}

	if wasSpeaking && !speaking && stopFn != nil {
		stopFn()
	}
	return nil
}

// Disconnect emits op 4 with channel_id=null and tears down sockets,
// regardless of current state.
func (s *Supervisor) Disconnect() {
	s.sendLeave()
	s.teardown()
	s.setState(StateDisconnected)
	s.observers.disconnected("caller requested disconnect")
}

// Destroy disconnects and forbids further use.
func (s *Supervisor) Destroy() {
	s.sendLeave()
	s.teardown()

	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()

	s.setState(StateDestroyed)

	if s.unsubServer != nil {
		s.unsubServer()
	}
	if s.unsubState != nil {
		s.unsubState()
	}
}

func (s *Supervisor) sendLeave() {
	_ = s.adapter.SendVoiceStateUpdate(s.coord.GuildID, nil, true, true)
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	gw := s.gw
	tr := s.transport
	s.gw = nil
	s.transport = nil
	s.encoder = nil
	s.decoder = nil
	if s.session.SecretKey != ([32]byte{}) {
		s.session.SecretKey = [32]byte{} // wipe before dropping the reference
	}
	s.mu.Unlock()

	if gw != nil {
		gw.Close()
	}
	if tr != nil {
		tr.Close()
	}
}

func (s *Supervisor) handleVoiceServerUpdate(ev adapter.VoiceServerUpdate) {
	if ev.GuildID != s.coord.GuildID {
		return
	}

	s.mu.Lock()
	joining := s.state == StateAwaitingVoiceInfo
	migrated := s.state == StateReady && s.haveServer && (s.serverInfo.Endpoint != ev.Endpoint || s.serverInfo.Token != ev.Token)
	s.serverInfo = VoiceServerInfo{Token: ev.Token, Endpoint: ev.Endpoint, GuildID: ev.GuildID}
	s.haveServer = true
	s.mu.Unlock()

	if joining {
		select {
		case s.joinSeq <- struct{}{}:
		default:
		}
		return
	}

	if migrated {
		s.observers.debug("voice server migration detected, rebuilding connection")
		go s.reconnectAfterMigration()
	}
}

func (s *Supervisor) handleVoiceStateUpdate(ev adapter.VoiceStateUpdate) {
	if ev.GuildID != s.coord.GuildID || ev.UserID != s.coord.UserID {
		return
	}

	s.mu.Lock()
	joining := s.state == StateAwaitingVoiceInfo
	s.sessionID = ev.SessionID
	s.stateUpdated = true
	s.mu.Unlock()

	if joining {
		select {
		case s.joinSeq <- struct{}{}:
		default:
		}
	}
}

func wssURL(endpoint string) string {
	return fmt.Sprintf("wss://%s/?v=4", endpoint)
}
