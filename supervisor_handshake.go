package voicelink

import (
	"context"
	"fmt"

	"github.com/warmind-io/voicelink/gateway"
	"github.com/warmind-io/voicelink/rtp"
	"github.com/warmind-io/voicelink/transport"
)

// connect runs the full handshake: voice-info pairing (if reissueJoin),
// gateway open, transport dial + IP discovery, SELECT_PROTOCOL, and
// SESSION_DESCRIPTION, landing in Ready.
func (s *Supervisor) connect(ctx context.Context, reissueJoin bool) error {
	s.setState(StateConnecting)

	if reissueJoin {
		if err := s.awaitVoiceInfo(ctx); err != nil {
			s.setState(StateDisconnected)
			s.observers.error(err.(*Error))
			return err
		}
	}

	s.setState(StateAuthenticating)
	if err := s.openGateway(ctx); err != nil {
		s.setState(StateDisconnected)
		s.observers.error(wrapAsVoicelinkError(err))
		return err
	}

	s.setState(StateEstablishingTransport)
	if err := s.establishTransport(ctx); err != nil {
		s.setState(StateDisconnected)
		s.observers.error(wrapAsVoicelinkError(err))
		return err
	}

	s.setState(StateReady)
	s.observers.ready(s.currentSession())
	return nil
}

// awaitVoiceInfo sends the initial op 4 join and waits for both
// VOICE_SERVER_UPDATE and VOICE_STATE_UPDATE to be observed, scoped by
// (guildId, userId), with one retry on timeout.
func (s *Supervisor) awaitVoiceInfo(ctx context.Context) error {
	s.setState(StateAwaitingVoiceInfo)

	// Drain any stale pairing signals from a previous attempt, and
	// forget whatever VOICE_SERVER_UPDATE/VOICE_STATE_UPDATE this
	// Supervisor observed earlier: a restart must wait for a fresh pair
	// scoped to the new op 4, not reuse stale cached data.
	for len(s.joinSeq) > 0 {
		<-s.joinSeq
	}
	s.mu.Lock()
	s.haveServer = false
	s.stateUpdated = false
	s.mu.Unlock()

	attempt := func() error {
		if err := s.adapter.SendVoiceStateUpdate(s.coord.GuildID, s.coord.ChannelID, s.coord.SelfMute, s.coord.SelfDeaf); err != nil {
			return newError(KindTransient, "send voice state update", err)
		}

		voiceCtx, cancel := context.WithTimeout(ctx, voiceInfoDeadline)
		defer cancel()

		need := 2
		s.mu.Lock()
		if s.haveServer {
			need--
		}
		if s.stateUpdated {
			need--
		}
		s.mu.Unlock()

		for i := 0; i < need; i++ {
			select {
			case <-s.joinSeq:
			case <-voiceCtx.Done():
				return newHandshakeTimeout(StageVoiceInfo, "did not observe both VOICE_SERVER_UPDATE and VOICE_STATE_UPDATE")
			}
		}
		return nil
	}

	if err := attempt(); err != nil {
		if _, ok := err.(*Error); !ok || err.(*Error).Kind != KindHandshakeTimeout {
			return err
		}
		s.observers.debug("voice info pairing timed out, retrying once")
		if err := attempt(); err != nil {
			return err
		}
	}

	return nil
}

// openGateway dials the voice gateway WebSocket and blocks through
// HELLO/IDENTIFY/READY. It installs the Supervisor itself as the
// gateway.Handler for the async events that follow.
func (s *Supervisor) openGateway(ctx context.Context) error {
	s.mu.Lock()
	info := s.serverInfo
	sessionID := s.sessionID
	s.mu.Unlock()

	readyCtx, cancel := context.WithTimeout(ctx, readyDeadline)
	defer cancel()

	gw, err := gateway.Open(readyCtx, s.dialer, s.urlForEndpoint(info.Endpoint), info.GuildID, s.coord.UserID, sessionID, info.Token, int(s.cfg.HeartbeatGrace), s.clock, s.log, s)
	if err != nil {
		return fmt.Errorf("voicelink: open voice gateway: %w", err)
	}

	ready, err := gw.WaitReady(readyCtx)
	if err != nil {
		gw.Close()
		return newHandshakeTimeout(StageReady, "did not observe READY")
	}

	s.mu.Lock()
	s.gw = gw
	s.readyIP = ready.IP
	s.readyPort = ready.Port
	s.session = VoiceSession{
		SessionID:      sessionID,
		SSRC:           ready.SSRC,
		AvailableModes: ready.Modes,
	}
	s.mu.Unlock()

	return nil
}

// establishTransport dials the UDP socket at the address READY
// offered, performs IP discovery, sends SELECT_PROTOCOL, and waits for
// SESSION_DESCRIPTION.
func (s *Supervisor) establishTransport(ctx context.Context) error {
	s.mu.Lock()
	gw := s.gw
	session := s.session
	serverAddr := fmt.Sprintf("%s:%d", s.readyIP, s.readyPort)
	s.mu.Unlock()

	tr, err := transport.Dial(ctx, serverAddr, session.SSRC, s.clock, s.log, s.metrics, s)
	if err != nil {
		return fmt.Errorf("voicelink: dial transport: %w", err)
	}

	discCtx, cancel := context.WithTimeout(ctx, transport.DiscoveryDeadline)
	defer cancel()

	externalIP, externalPort, err := tr.DiscoverIP(discCtx)
	if err != nil {
		tr.Close()
		return newHandshakeTimeout(StageIPDiscovery, "IP discovery did not complete")
	}

	mode, err := rtp.SelectMode(session.AvailableModes, s.cfg.PreferredModes)
	if err != nil {
		tr.Close()
		return newError(KindCryptoFailure, "no usable AEAD mode offered", err)
	}

	if err := gw.SendSelectProtocol(externalIP, externalPort, string(mode)); err != nil {
		tr.Close()
		return fmt.Errorf("voicelink: select protocol: %w", err)
	}

	sessDescCtx, cancel2 := context.WithTimeout(ctx, readyDeadline)
	defer cancel2()

	desc, err := gw.WaitSessionDescription(sessDescCtx)
	if err != nil {
		tr.Close()
		return newHandshakeTimeout(StageReady, "did not observe SESSION_DESCRIPTION")
	}

	go tr.RunReceiveLoop()
	go tr.RunKeepAlive()

	s.mu.Lock()
	s.transport = tr
	s.session.ExternalIP = externalIP
	s.session.ExternalPort = externalPort
	s.session.ChosenMode = desc.Mode
	s.session.SecretKey = desc.SecretKey
	key := rtp.SecretKey(desc.SecretKey)
	s.encoder = &rtp.Encoder{SSRC: session.SSRC, Mode: rtp.Mode(desc.Mode), Key: &key}
	s.decoder = &rtp.Decoder{Mode: rtp.Mode(desc.Mode), Key: &key}
	s.mu.Unlock()

	return nil
}

func (s *Supervisor) currentSession() VoiceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func wrapAsVoicelinkError(err error) *Error {
	if ve, ok := err.(*Error); ok {
		return ve
	}
	return newError(KindTransient, "handshake step failed", err)
}
