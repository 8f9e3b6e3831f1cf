package rtp

// TimestampStep is the per-packet timestamp increment for 20ms of
// 48kHz audio (960 samples).
const TimestampStep = 960

// Cursor tracks the monotonic, wrapping sequence/timestamp/nonce state
// for one VoiceSession. It must be reset only when a new session
// (ssrc + secret key) replaces the old one.
type Cursor struct {
	Sequence     uint16
	Timestamp    uint32
	NonceCounter uint32
}

// Advance moves the cursor forward by exactly one packet: sequence +1,
// timestamp +960, both wrapping. NonceCounter is advanced by the codec
// only when the negotiated mode is ModeLite.
func (c *Cursor) Advance() {
	c.Sequence++
	c.Timestamp += TimestampStep
}
