package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/warmind-io/voicelink/gateway"
	"github.com/warmind-io/voicelink/internal/clock"
)

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type fakeHandler struct {
	mu       sync.Mutex
	closed   []int
	stale    int
	speaking []uint32
}

func (f *fakeHandler) OnGatewayStale() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale++
}

func (f *fakeHandler) OnClosed(code int, _ gateway.Disposition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, code)
}

func (f *fakeHandler) OnSpeaking(_ string, ssrc uint32, _ gateway.SpeakingFlags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = append(f.speaking, ssrc)
}

func (f *fakeHandler) OnDebug(string) {}

// fakeVoiceGateway runs a minimal scripted voice-gateway server: HELLO,
// then reads IDENTIFY, then lets the test push further frames and
// inspect what the client sent.
type fakeVoiceGateway struct {
	upgrader ws.Upgrader
	server   *httptest.Server
	connCh   chan *ws.Conn
}

func newFakeVoiceGateway(t *testing.T) *fakeVoiceGateway {
	t.Helper()
	f := &fakeVoiceGateway{connCh: make(chan *ws.Conn, 1)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.connCh <- conn
	}))
	return f
}

func (f *fakeVoiceGateway) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/"
}

func (f *fakeVoiceGateway) accept(t *testing.T) *ws.Conn {
	t.Helper()
	select {
	case c := <-f.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
		return nil
	}
}

func (f *fakeVoiceGateway) close() { f.server.Close() }

func readFrame(t *testing.T, c *ws.Conn) frame {
	t.Helper()
	var fr frame
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &fr))
	return fr
}

func writeFrame(t *testing.T, c *ws.Conn, op int, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(frame{Op: op, D: raw}))
}

func TestOpenIdentifiesAfterHello(t *testing.T) {
	fg := newFakeVoiceGateway(t)
	defer fg.close()

	done := make(chan struct{})
	var identify frame
	go func() {
		defer close(done)
		conn := fg.accept(t)
		writeFrame(t, conn, 8, map[string]any{"heartbeat_interval": float64(5000)})
		identify = readFrame(t, conn)
	}()

	handler := &fakeHandler{}
	client, err := gateway.Open(context.Background(), nil, fg.url(), "guild1", "user1", "sess1", "tok1", 0, clock.Real{}, zerolog.Nop(), handler)
	require.NoError(t, err)
	defer client.Close()

	<-done
	require.Equal(t, 0, identify.Op)
}

func TestFullHandshakeToLive(t *testing.T) {
	fg := newFakeVoiceGateway(t)
	defer fg.close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := fg.accept(t)
		writeFrame(t, conn, 8, map[string]any{"heartbeat_interval": float64(41250)})
		readFrame(t, conn) // IDENTIFY

		writeFrame(t, conn, 2, map[string]any{
			"ssrc": 12345, "ip": "203.0.113.7", "port": 50000,
			"modes": []string{"xsalsa20_poly1305_lite", "xsalsa20_poly1305"},
		})

		readFrame(t, conn) // SELECT_PROTOCOL

		var secret [32]byte
		for i := range secret {
			secret[i] = 0xAB
		}
		writeFrame(t, conn, 4, map[string]any{"mode": "xsalsa20_poly1305_lite", "secret_key": secret})
	}()

	handler := &fakeHandler{}
	client, err := gateway.Open(context.Background(), nil, fg.url(), "guild1", "user1", "sess1", "tok1", 0, clock.Real{}, zerolog.Nop(), handler)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ready, err := client.WaitReady(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 12345, ready.SSRC)
	require.Equal(t, "203.0.113.7", ready.IP)

	require.NoError(t, client.SendSelectProtocol("198.51.100.2", 49152, "xsalsa20_poly1305_lite"))

	desc, err := client.WaitSessionDescription(ctx)
	require.NoError(t, err)
	require.Equal(t, "xsalsa20_poly1305_lite", desc.Mode)
	require.Equal(t, byte(0xAB), desc.SecretKey[0])

	require.Equal(t, gateway.StateLive, client.State())

	<-serverDone
}
