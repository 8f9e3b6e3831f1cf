package transport

import (
	"encoding/binary"
	"time"
)

const keepAliveInterval = 5 * time.Second

// keepAlivePacketSize is the 8-byte {counter u32 LE, pad u32 zero} payload.
const keepAlivePacketSize = 8

// maxMissedKeepAlives is the number of consecutive unanswered
// keep-alives (25s at the 5s cadence) before TransportStale fires.
const maxMissedKeepAlives = 5

func buildKeepAlivePacket(counter uint32) []byte {
	buf := make([]byte, keepAlivePacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], counter)
	// buf[4:8] is the zero pad.
	return buf
}

// parseKeepAlivePacket extracts the echoed counter from an inbound
// 8-byte keep-alive reply. ok is false if buf isn't shaped like one.
func parseKeepAlivePacket(buf []byte) (counter uint32, ok bool) {
	if len(buf) != keepAlivePacketSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[0:4]), true
}

// keepAliveTracker correlates sent counters with replies to compute
// RTT and detect a stale transport.
type keepAliveTracker struct {
	counter uint32

	pending map[uint32]time.Time
	missed  int
	ping    time.Duration
}

func newKeepAliveTracker() *keepAliveTracker {
	return &keepAliveTracker{pending: make(map[uint32]time.Time)}
}

// send records a keep-alive about to be sent at `now`, provisionally
// counting it as missed until a matching reply arrives, and returns
// its wire packet.
func (k *keepAliveTracker) send(now time.Time) []byte {
	k.counter++
	k.pending[k.counter] = now
	k.missed++
	return buildKeepAlivePacket(k.counter)
}

// onReply matches an inbound counter against the pending table. ok is
// false if the counter is unknown (already timed out or never sent).
func (k *keepAliveTracker) onReply(counter uint32, now time.Time) (ok bool) {
	sentAt, found := k.pending[counter]
	if !found {
		return false
	}
	delete(k.pending, counter)
	k.ping = now.Sub(sentAt)
	k.missed = 0
	return true
}

// RTT returns the most recently measured keep-alive round trip time.
func (k *keepAliveTracker) RTT() time.Duration { return k.ping }
