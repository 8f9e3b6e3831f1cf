package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeepAlivePacketRoundTrip(t *testing.T) {
	p := buildKeepAlivePacket(7)
	require.Len(t, p, keepAlivePacketSize)

	counter, ok := parseKeepAlivePacket(p)
	require.True(t, ok)
	require.EqualValues(t, 7, counter)
}

func TestKeepAliveTrackerMeasuresRTT(t *testing.T) {
	k := newKeepAliveTracker()
	start := time.Unix(0, 0)

	k.send(start)
	ok := k.onReply(1, start.Add(30*time.Millisecond))
	require.True(t, ok)
	require.Equal(t, 30*time.Millisecond, k.RTT())
	require.Equal(t, 0, k.missed)
}

func TestKeepAliveTrackerDeclaresStaleAfterFiveMisses(t *testing.T) {
	k := newKeepAliveTracker()
	now := time.Unix(0, 0)

	for i := 0; i < maxMissedKeepAlives; i++ {
		k.send(now)
		now = now.Add(keepAliveInterval)
	}

	require.Equal(t, maxMissedKeepAlives, k.missed)
}

func TestKeepAliveTrackerIgnoresUnknownCounter(t *testing.T) {
	k := newKeepAliveTracker()
	require.False(t, k.onReply(999, time.Unix(0, 0)))
}
