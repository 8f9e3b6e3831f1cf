package rtp_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warmind-io/voicelink/rtp"
)

func TestBuildParseRoundTrip(t *testing.T) {
	var buf [rtp.HeaderSize]byte
	rtp.Build(buf[:], 42, 960*5, 0xDEADBEEF)

	h, offset, ok := rtp.Parse(buf[:])
	require.True(t, ok)
	require.Equal(t, rtp.HeaderSize, offset)
	require.EqualValues(t, 2, h.Version)
	require.False(t, h.Padding)
	require.False(t, h.Extension)
	require.False(t, h.Marker)
	require.EqualValues(t, rtp.PayloadType, h.PayloadType)
	require.EqualValues(t, 42, h.Sequence)
	require.EqualValues(t, 960*5, h.Timestamp)
	require.EqualValues(t, 0xDEADBEEF, h.SSRC)
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, _, ok := rtp.Parse(make([]byte, rtp.HeaderSize-1))
	require.False(t, ok)
}
