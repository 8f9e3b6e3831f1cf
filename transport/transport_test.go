package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/warmind-io/voicelink/internal/clock"
	"github.com/warmind-io/voicelink/transport"
)

type recordingEvents struct {
	packets chan []byte
	stale   chan struct{}
	errs    chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		packets: make(chan []byte, 16),
		stale:   make(chan struct{}, 1),
		errs:    make(chan error, 16),
	}
}

func (r *recordingEvents) OnAudioPacket(p []byte) { r.packets <- p }
func (r *recordingEvents) OnStale() {
	select {
	case r.stale <- struct{}{}:
	default:
	}
}
func (r *recordingEvents) OnIOError(err error) { r.errs <- err }

// fakeVoiceServer emulates just enough of Discord's UDP voice server
// to drive DiscoverIP and keep-alive tests: it replies to the 74-byte
// discovery request with a crafted reply, and echoes 8-byte keep-alive
// packets back.
func fakeVoiceServer(t *testing.T, replyIP string, replyPort uint16, dropDiscovery bool) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

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
				if dropDiscovery {
					continue
				}
				reply := make([]byte, 74)
				reply[0], reply[1] = 0x00, 0x02
				reply[2], reply[3] = 0x00, 70
				ipBytes := []byte(replyIP)
				copy(reply[8:8+len(ipBytes)], ipBytes)
				reply[72] = byte(replyPort >> 8)
				reply[73] = byte(replyPort)
				conn.WriteToUDP(reply, raddr)
			case 8:
				conn.WriteToUDP(buf[:8], raddr)
			}
		}
	}()

	return conn.LocalAddr().String(), func() {
		close(done)
		conn.Close()
	}
}

func TestDiscoverIPHappyPath(t *testing.T) {
	addr, stop := fakeVoiceServer(t, "198.51.100.2", 49152, false)
	defer stop()

	ev := newRecordingEvents()
	tr, err := transport.Dial(context.Background(), addr, 12345, clock.Real{}, zerolog.Nop(), nil, ev)
	require.NoError(t, err)
	defer tr.Close()

	ip, port, err := tr.DiscoverIP(context.Background())
	require.NoError(t, err)
	require.Equal(t, "198.51.100.2", ip)
	require.EqualValues(t, 49152, port)
}

func TestDiscoverIPTimeout(t *testing.T) {
	addr, stop := fakeVoiceServer(t, "198.51.100.2", 49152, true)
	defer stop()

	ev := newRecordingEvents()
	tr, err := transport.Dial(context.Background(), addr, 12345, clock.Real{}, zerolog.Nop(), nil, ev)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err = tr.DiscoverIP(ctx)
	require.Error(t, err)
}

func TestSendAndReceiveAudioPacket(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	ev := newRecordingEvents()
	tr, err := transport.Dial(context.Background(), serverConn.LocalAddr().String(), 1, clock.Real{}, zerolog.Nop(), nil, ev)
	require.NoError(t, err)
	defer tr.Close()

	go tr.RunReceiveLoop()

	require.NoError(t, tr.Send([]byte("rtp-packet-bytes-000")))

	buf := make([]byte, 1500)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, raddr, err := serverConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "rtp-packet-bytes-000", string(buf[:n]))

	serverConn.WriteToUDP([]byte("echo-from-server!!!!"), raddr)

	select {
	case p := <-ev.packets:
		require.Equal(t, "echo-from-server!!!!", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio packet event")
	}
}
