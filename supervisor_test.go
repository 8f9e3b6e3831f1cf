package voicelink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/warmind-io/voicelink/adapter"
	"github.com/warmind-io/voicelink/internal/clock"
	"github.com/warmind-io/voicelink/internal/metrics"
)

type wireFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// fakeVoiceGateway is a scripted TLS WebSocket voice gateway server for
// driving the Supervisor's handshake end to end, mirroring
// gateway_test.go's fakeVoiceGateway but over TLS since Supervisor
// always dials wss://.
type fakeVoiceGateway struct {
	upgrader ws.Upgrader
	server   *httptest.Server
	connCh   chan *ws.Conn
}

func newFakeVoiceGateway(t *testing.T) *fakeVoiceGateway {
	t.Helper()
	f := &fakeVoiceGateway{connCh: make(chan *ws.Conn, 1)}
	f.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.connCh <- conn
	}))
	return f
}

func (f *fakeVoiceGateway) endpoint() string {
	return strings.TrimPrefix(f.server.URL, "https://")
}

func (f *fakeVoiceGateway) accept(t *testing.T) *ws.Conn {
	t.Helper()
	select {
	case c := <-f.connCh:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("fake voice gateway never accepted a connection")
		return nil
	}
}

func (f *fakeVoiceGateway) close() { f.server.Close() }

func readFrame(t *testing.T, c *ws.Conn) wireFrame {
	t.Helper()
	var fr wireFrame
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &fr))
	return fr
}

func writeFrame(t *testing.T, c *ws.Conn, op int, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(wireFrame{Op: op, D: raw}))
}

// fakeVoiceUDPServer answers IP discovery and keep-alive on a loopback
// UDP socket, mirroring transport_test.go's fakeVoiceServer.
func fakeVoiceUDPServer(t *testing.T, replyIP string, replyPort uint16) (addr string, recvRTP chan []byte, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	recv := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 2000)
		for {
			conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			select {
			case <-done:
				return
			default:
			}
			if err != nil {
				continue
			}

			switch n {
			case 74:
				reply := make([]byte, 74)
				reply[0], reply[1] = 0x00, 0x02
				reply[2], reply[3] = 0x00, 70
				copy(reply[8:8+len(replyIP)], replyIP)
				reply[72] = byte(replyPort >> 8)
				reply[73] = byte(replyPort)
				conn.WriteToUDP(reply, raddr)
			case 8:
				conn.WriteToUDP(buf[:8], raddr)
			default:
				recv <- append([]byte(nil), buf[:n]...)
			}
		}
	}()

	return conn.LocalAddr().String(), recv, func() {
		close(done)
		conn.Close()
	}
}

func udpHostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint16(port)
}

func insecureDialer() *ws.Dialer {
	d := *ws.DefaultDialer
	d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &d
}

func TestSupervisorHappyPathReachesReady(t *testing.T) {
	udpAddr, recvRTP, stopUDP := fakeVoiceUDPServer(t, "198.51.100.2", 49152)
	defer stopUDP()
	udpHost, udpPort := udpHostPort(t, udpAddr)

	fg := newFakeVoiceGateway(t)
	defer fg.close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := fg.accept(t)
		writeFrame(t, conn, 8, map[string]any{"heartbeat_interval": float64(41250)})
		readFrame(t, conn) // IDENTIFY

		writeFrame(t, conn, 2, map[string]any{
			"ssrc": 12345, "ip": udpHost, "port": int(udpPort),
			"modes": []string{"xsalsa20_poly1305_lite", "xsalsa20_poly1305"},
		})

		readFrame(t, conn) // SELECT_PROTOCOL

		var secret [32]byte
		for i := range secret {
			secret[i] = 0xAB
		}
		writeFrame(t, conn, 4, map[string]any{"mode": "xsalsa20_poly1305_lite", "secret_key": secret})
	}()

	mock := adapter.NewMock()
	channelID := "channel1"
	coord := ChannelCoordinates{GuildID: "guild1", ChannelID: &channelID, UserID: "user1", SelfMute: false, SelfDeaf: false}
	sup := New(coord, mock, DefaultConfig(), clock.Real{}, zerolog.Nop(), metrics.NewRegistry(nil))
	sup.dialer = insecureDialer()

	go func() {
		// Simulate the main gateway's dispatch of both handshake events,
		// in arbitrary order, once the join op 4 lands.
		for {
			if _, ok := mock.LastSent(); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		mock.InjectVoiceStateUpdate(adapter.VoiceStateUpdate{GuildID: "guild1", UserID: "user1", SessionID: "sess1"})
		mock.InjectVoiceServerUpdate(adapter.VoiceServerUpdate{GuildID: "guild1", Token: "tok1", Endpoint: fg.endpoint()})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Connect(ctx))
	require.Equal(t, StateReady, sup.State())

	<-serverDone

	sup.SendAudio([]byte{0xF8, 0xFF, 0xFE})

	select {
	case pkt := <-recvRTP:
		require.GreaterOrEqual(t, len(pkt), 12)
		require.Equal(t, byte(0x80), pkt[0])
		require.Equal(t, byte(120), pkt[1])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RTP packet at fake UDP server")
	}

	sup.Destroy()
	require.Equal(t, StateDestroyed, sup.State())

	last, ok := mock.LastSent()
	require.True(t, ok)
	require.Nil(t, last.ChannelID)
}

func TestSupervisorConnectTwiceIsCallerMisuse(t *testing.T) {
	mock := adapter.NewMock()
	coord := ChannelCoordinates{GuildID: "guild1", UserID: "user1"}
	sup := New(coord, mock, DefaultConfig(), clock.Real{}, zerolog.Nop(), metrics.NewRegistry(nil))

	sup.mu.Lock()
	sup.state = StateReady
	sup.mu.Unlock()

	err := sup.Connect(context.Background())
	require.Error(t, err)
	ve, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindCallerMisuse, ve.Kind)
}

func TestSupervisorSendAudioDroppedWhenNotReady(t *testing.T) {
	mock := adapter.NewMock()
	coord := ChannelCoordinates{GuildID: "guild1", UserID: "user1"}
	sup := New(coord, mock, DefaultConfig(), clock.Real{}, zerolog.Nop(), metrics.NewRegistry(nil))

	// Not Ready: SendAudio must be a silent no-op, never panic on a nil
	// encoder/transport.
	sup.SendAudio([]byte{0x01, 0x02})
	require.Equal(t, StateDisconnected, sup.State())
}

// injectVoiceInfoOnEachJoin watches mock.Sent and replays a
// VOICE_STATE_UPDATE/VOICE_SERVER_UPDATE pair every time a new op 4 is
// observed, so a test can drive the Supervisor through more than one
// awaitVoiceInfo pass (e.g. a full restart after an invalid session).
func injectVoiceInfoOnEachJoin(t *testing.T, stop <-chan struct{}, mock *adapter.Mock, guildID, userID, endpoint string) {
	t.Helper()
	go func() {
		seen := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := mock.SentCount()
			if n > seen {
				seen = n
				mock.InjectVoiceStateUpdate(adapter.VoiceStateUpdate{GuildID: guildID, UserID: userID, SessionID: "sess1"})
				mock.InjectVoiceServerUpdate(adapter.VoiceServerUpdate{GuildID: guildID, Token: "tok1", Endpoint: endpoint})
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

// handshakeOnce scripts one full IDENTIFY->READY->SELECT_PROTOCOL->
// SESSION_DESCRIPTION exchange over conn, answering IP discovery on
// the given UDP server.
func handshakeOnce(t *testing.T, conn *ws.Conn, udpHost string, udpPort uint16) {
	t.Helper()
	writeFrame(t, conn, 8, map[string]any{"heartbeat_interval": float64(41250)})
	readFrame(t, conn) // IDENTIFY

	writeFrame(t, conn, 2, map[string]any{
		"ssrc": 12345, "ip": udpHost, "port": int(udpPort),
		"modes": []string{"xsalsa20_poly1305_lite", "xsalsa20_poly1305"},
	})

	readFrame(t, conn) // SELECT_PROTOCOL

	var secret [32]byte
	for i := range secret {
		secret[i] = 0xAB
	}
	writeFrame(t, conn, 4, map[string]any{"mode": "xsalsa20_poly1305_lite", "secret_key": secret})
}

// TestSupervisorInvalidSessionTriggersFullRestart covers a 4006
// (invalid session) close: it's fatal in the close-code disposition
// table, yet the Supervisor must still auto-rejoin with a fresh op 4
// instead of simply going Disconnected.
func TestSupervisorInvalidSessionTriggersFullRestart(t *testing.T) {
	udpAddr, _, stopUDP := fakeVoiceUDPServer(t, "198.51.100.2", 49152)
	defer stopUDP()
	udpHost, udpPort := udpHostPort(t, udpAddr)

	fg := newFakeVoiceGateway(t)
	defer fg.close()

	firstHandshakeDone := make(chan struct{})
	go func() {
		defer close(firstHandshakeDone)
		conn := fg.accept(t)
		handshakeOnce(t, conn, udpHost, udpPort)

		// Server now invalidates the session.
		_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(4006, "invalid session"), time.Now().Add(time.Second))
		conn.Close()
	}()

	mock := adapter.NewMock()
	coord := ChannelCoordinates{GuildID: "guild1", UserID: "user1"}
	sup := New(coord, mock, DefaultConfig(), clock.Real{}, zerolog.Nop(), metrics.NewRegistry(nil))
	sup.dialer = insecureDialer()

	stop := make(chan struct{})
	defer close(stop)
	injectVoiceInfoOnEachJoin(t, stop, mock, "guild1", "user1", fg.endpoint())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Connect(ctx))
	require.Equal(t, StateReady, sup.State())
	<-firstHandshakeDone

	// The full restart re-issues op 4 and re-dials the gateway.
	secondConn := fg.accept(t)
	handshakeOnce(t, secondConn, udpHost, udpPort)

	require.Eventually(t, func() bool {
		return sup.State() == StateReady
	}, 3*time.Second, 10*time.Millisecond)

	sup.Destroy()
}

// TestSupervisorFatalCloseGoesDisconnectedWithoutRetry covers the rest
// of the fatal close-code table: 4014 never auto-retries.
func TestSupervisorFatalCloseGoesDisconnectedWithoutRetry(t *testing.T) {
	udpAddr, _, stopUDP := fakeVoiceUDPServer(t, "198.51.100.2", 49152)
	defer stopUDP()
	udpHost, udpPort := udpHostPort(t, udpAddr)

	fg := newFakeVoiceGateway(t)
	defer fg.close()

	go func() {
		conn := fg.accept(t)
		handshakeOnce(t, conn, udpHost, udpPort)
		_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(4014, "disconnected"), time.Now().Add(time.Second))
		conn.Close()
	}()

	mock := adapter.NewMock()
	coord := ChannelCoordinates{GuildID: "guild1", UserID: "user1"}
	sup := New(coord, mock, DefaultConfig(), clock.Real{}, zerolog.Nop(), metrics.NewRegistry(nil))
	sup.dialer = insecureDialer()

	go func() {
		for {
			if _, ok := mock.LastSent(); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		mock.InjectVoiceStateUpdate(adapter.VoiceStateUpdate{GuildID: "guild1", UserID: "user1", SessionID: "sess1"})
		mock.InjectVoiceServerUpdate(adapter.VoiceServerUpdate{GuildID: "guild1", Token: "tok1", Endpoint: fg.endpoint()})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Connect(ctx))
	require.Equal(t, StateReady, sup.State())

	require.Eventually(t, func() bool {
		return sup.State() == StateDisconnected
	}, 3*time.Second, 10*time.Millisecond)

	// Must stay Disconnected, not bounce back to Reconnecting/Ready.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateDisconnected, sup.State())

	sup.Destroy()
}

func TestSupervisorDestroyAfterDestroyIsIdempotent(t *testing.T) {
	mock := adapter.NewMock()
	coord := ChannelCoordinates{GuildID: "guild1", UserID: "user1"}
	sup := New(coord, mock, DefaultConfig(), clock.Real{}, zerolog.Nop(), metrics.NewRegistry(nil))

	sup.Destroy()
	require.Equal(t, StateDestroyed, sup.State())
	sup.Destroy() // must not panic or deadlock
	require.Equal(t, StateDestroyed, sup.State())
}
