package voicelink

import (
	"context"
	"fmt"
	"time"

	"github.com/warmind-io/voicelink/gateway"
)

// The Supervisor implements gateway.Handler and transport.Events
// directly: the gateway client and the UDP transport never drive
// reconnection themselves, they just report what happened back to the
// Supervisor, which owns all reconnect/restart decisions.

// OnGatewayStale implements gateway.Handler. It fires only when a
// heartbeat write fails; the client does not close itself in that case
// and handleStaleness closes it. Missed heartbeat acks are reported
// through OnClosed with SESSION_TIMEOUT instead, just before the client
// closes itself.
func (s *Supervisor) OnGatewayStale() {
	s.observers.debug("voice gateway heartbeat stale")
	go s.handleStaleness("gateway heartbeat stale")
}

// OnClosed implements gateway.Handler.
func (s *Supervisor) OnClosed(code int, disposition gateway.Disposition) {
	if s.State() == StateDestroyed || s.State() == StateDisconnected {
		return
	}

	switch disposition {
	case gateway.DispositionFatal:
		s.observers.error(newGatewayFatal(code, "voice gateway closed fatally"))
		if code == int(gateway.CloseSessionNoLongerValid) && s.cfg.AutoReconnect {
			// An invalid session still gets a fresh full handshake, it
			// just skips RESUME.
			go s.fullRestart("invalid session")
			return
		}
		s.teardown()
		s.setState(StateDisconnected)
	case gateway.DispositionResumable, gateway.DispositionUnknown:
		go s.handleStaleness(fmt.Sprintf("voice gateway closed (code %d)", code))
	}
}

// OnSpeaking implements gateway.Handler; informational only, the
// Supervisor does not track remote speaking state.
func (s *Supervisor) OnSpeaking(userID string, ssrc uint32, speaking gateway.SpeakingFlags) {}

// OnDebug implements gateway.Handler.
func (s *Supervisor) OnDebug(msg string) { s.observers.debug(msg) }

// OnAudioPacket implements transport.Events. Decryption failures are
// counted and dropped, never fatal.
func (s *Supervisor) OnAudioPacket(packet []byte) {
	s.mu.Lock()
	dec := s.decoder
	s.mu.Unlock()
	if dec == nil {
		return
	}

	header, opus, err := dec.Decode(packet)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CryptoFailures.Inc()
		}
		return
	}
	s.observers.packet(header.Sequence, header.Timestamp, len(opus))
}

// OnStale implements transport.Events.
func (s *Supervisor) OnStale() {
	s.observers.debug("UDP keep-alive stale")
	go s.handleStaleness("transport keep-alive stale")
}

// OnIOError implements transport.Events.
func (s *Supervisor) OnIOError(err error) {
	s.observers.error(newError(KindTransient, "transport I/O error", err))
}

// handleStaleness tears down the gateway, attempts RESUME within
// resumeDeadline reusing the existing session identity and transport,
// and on failure falls back to a full restart. Bounded by
// maxReconnectAttempts with the backoff min(1s*n, 5s).
func (s *Supervisor) handleStaleness(reason string) {
	if s.State() == StateDestroyed || s.State() == StateReconnecting {
		return
	}

	s.setState(StateReconnecting)
	s.observers.debug("reconnecting: " + reason)

	s.mu.Lock()
	gw := s.gw
	s.gw = nil
	s.mu.Unlock()
	if gw != nil {
		gw.Close()
	}

	ctx := context.Background()
	attempts := int(s.cfg.MaxReconnectAttempts)
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		s.observers.reconnecting(attempt)

		delay := time.Duration(attempt) * backoffAttemptUnit
		if delay > backoffCap {
			delay = backoffCap
		}
		s.clock.Sleep(delay)

		if s.isDestroyed() {
			return
		}

		if s.metrics != nil {
			s.metrics.ReconnectAttempts.Inc()
		}

		if err := s.attemptResume(ctx); err == nil {
			s.setState(StateReady)
			s.observers.ready(s.currentSession())
			return
		}

		s.teardown()
		if err := s.connect(ctx, false); err == nil {
			return
		}
	}

	s.teardown()
	s.setState(StateDestroyed)
	s.observers.disconnected("reconnect attempts exhausted")
}

// attemptResume reopens the voice gateway and sends RESUME, reusing
// the existing transport without rebinding if RESUMED arrives within
// resumeDeadline.
func (s *Supervisor) attemptResume(ctx context.Context) error {
	s.mu.Lock()
	info := s.serverInfo
	sessionID := s.session.SessionID
	tr := s.transport
	s.mu.Unlock()

	if tr == nil {
		return newError(KindTransient, "no existing transport to resume onto", nil)
	}

	resumeCtx, cancel := context.WithTimeout(ctx, resumeDeadline)
	defer cancel()

	gw, err := gateway.Open(resumeCtx, s.dialer, s.urlForEndpoint(info.Endpoint), info.GuildID, s.coord.UserID, sessionID, info.Token, int(s.cfg.HeartbeatGrace), s.clock, s.log, s)
	if err != nil {
		return fmt.Errorf("voicelink: resume dial: %w", err)
	}

	if err := gw.SendResume(); err != nil {
		gw.Close()
		return fmt.Errorf("voicelink: send resume: %w", err)
	}

	if err := gw.WaitResumed(resumeCtx); err != nil {
		gw.Close()
		return newHandshakeTimeout(StageReady, "RESUMED did not arrive")
	}

	s.mu.Lock()
	s.gw = gw
	s.mu.Unlock()

	return nil
}

// fullRestart tears everything down and runs the full handshake again
// with a fresh op 4, for a non-resumable invalid session.
func (s *Supervisor) fullRestart(reason string) {
	s.observers.debug("full restart: " + reason)
	s.teardown()
	s.setState(StateReconnecting)

	if err := s.connect(context.Background(), true); err != nil {
		s.setState(StateDestroyed)
		s.observers.disconnected("full restart failed: " + reason)
	}
}

// reconnectAfterMigration handles a new VOICE_SERVER_UPDATE with a
// different endpoint/token while Ready: it tears down the gateway and
// transport and rebuilds against the new server, keeping the existing
// session pairing (no fresh op 4).
func (s *Supervisor) reconnectAfterMigration() {
	s.setState(StateReconnecting)
	s.teardown()

	if err := s.connect(context.Background(), false); err != nil {
		s.observers.error(wrapAsVoicelinkError(err))
		s.setState(StateDisconnected)
	}
}
