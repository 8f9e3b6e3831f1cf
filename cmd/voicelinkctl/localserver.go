package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/warmind-io/voicelink/adapter"
)

// localVoiceServer is a minimal self-contained stand-in for a real
// Discord voice endpoint, speaking just enough of the gateway/UDP
// wire protocol (gateway/gateway.go, transport/transport.go) to carry
// a Supervisor through the full handshake to Ready. It exists so
// voicelinkctl can demonstrate C4/C5/C6 end to end without real
// Discord credentials; it is not a conformance test double.
type localVoiceServer struct {
	httpSrv  *http.Server
	listener net.Listener
	udpConn  *net.UDPConn
	endpoint string
	log      zerolog.Logger
}

// startLocalVoiceServer generates a self-signed certificate (grounded
// on the same pattern a production HTTPS demo server would use for an
// ad hoc TLS listener) and starts a TLS WebSocket gateway plus a UDP
// transport responder on loopback addresses.
func startLocalVoiceServer(log zerolog.Logger) (*localVoiceServer, error) {
	tlsConfig, err := generateSelfSignedTLSConfig("localhost")
	if err != nil {
		return nil, fmt.Errorf("generate tls config: %w", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen tls: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	srv := &localVoiceServer{
		listener: ln,
		udpConn:  udpConn,
		endpoint: ln.Addr().String(),
		log:      log.With().Str("component", "local_voice_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.serveGateway)
	srv.httpSrv = &http.Server{Handler: mux}

	go srv.httpSrv.Serve(ln)
	go srv.serveUDP()

	return srv, nil
}

func (s *localVoiceServer) Close() {
	s.httpSrv.Close()
	s.udpConn.Close()
}

// InjectInto makes mock dispatch a VOICE_SERVER_UPDATE/VOICE_STATE_UPDATE
// pair pointing at this server, as soon as the Supervisor issues its
// first op 4 (mirrored by mock recording a SendVoiceStateUpdate call).
func (s *localVoiceServer) InjectInto(ctx context.Context, mock *adapter.Mock, guildID, userID string) {
	go func() {
		for {
			if _, ok := mock.LastSent(); ok {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
		mock.InjectVoiceStateUpdate(adapter.VoiceStateUpdate{GuildID: guildID, UserID: userID, SessionID: "local-session"})
		mock.InjectVoiceServerUpdate(adapter.VoiceServerUpdate{GuildID: guildID, Token: "local-token", Endpoint: s.endpoint})
	}()
}

var upgrader = websocket.Upgrader{}

type wireFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

func (s *localVoiceServer) serveGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	write := func(op int, data interface{}) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return conn.WriteJSON(wireFrame{Op: op, D: raw})
	}

	const helloOp, identifyOp, selectProtocolOp, readyOp, heartbeatOp, sessionDescriptionOp, speakingOp, heartbeatAckOp, resumeOp, resumedOp = 8, 0, 1, 2, 3, 4, 5, 7, 6, 9

	if err := write(helloOp, map[string]any{"heartbeat_interval": float64(20000)}); err != nil {
		return
	}

	ssrc := uint32(0x1234abcd)
	udpHost, udpPort := udpHostPort(s.udpConn.LocalAddr().String())

	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	for {
		var fr wireFrame
		if err := conn.ReadJSON(&fr); err != nil {
			return
		}

		switch fr.Op {
		case identifyOp:
			write(readyOp, map[string]any{
				"ssrc":  ssrc,
				"ip":    udpHost,
				"port":  int(udpPort),
				"modes": []string{"xsalsa20_poly1305_lite", "xsalsa20_poly1305"},
			})
		case selectProtocolOp:
			write(sessionDescriptionOp, map[string]any{
				"mode":       "xsalsa20_poly1305_lite",
				"secret_key": secret,
			})
		case resumeOp:
			write(resumedOp, map[string]any{})
		case heartbeatOp:
			write(heartbeatAckOp, map[string]any{})
		case speakingOp:
			// Informational only; nothing to mirror back for a
			// single-participant demo.
		}
	}
}

func (s *localVoiceServer) serveUDP() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		switch n {
		case 74:
			reply := make([]byte, 74)
			reply[0], reply[1] = 0x00, 0x02
			reply[2], reply[3] = 0x00, 70
			ip := "127.0.0.1"
			copy(reply[8:8+len(ip)], ip)
			port := uint16(s.udpConn.LocalAddr().(*net.UDPAddr).Port)
			reply[72] = byte(port >> 8)
			reply[73] = byte(port)
			s.udpConn.WriteToUDP(reply, addr)
		case 8:
			s.udpConn.WriteToUDP(buf[:8], addr)
		default:
			// RTP audio packet; this demo server doesn't loop audio
			// back to anyone, just acknowledges receipt via discard.
		}
	}
}

func udpHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, uint16(port)
}

func generateSelfSignedTLSConfig(hostname string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
	}, nil
}
