package rtp

// Encoder builds encrypted RTP packets for one voice session. It is
// not safe for concurrent use; the owning Supervisor serializes all
// Encode calls under its mutex, and the receive path never touches the
// Encoder.
type Encoder struct {
	SSRC   uint32
	Mode   Mode
	Key    *SecretKey
	Cursor Cursor
}

// Encode builds one wire packet for the given Opus payload and
// advances the cursor. The returned slice is a new allocation safe to
// hand off to the transport.
func (e *Encoder) Encode(opus []byte) ([]byte, error) {
	var header [HeaderSize]byte
	Build(header[:], e.Cursor.Sequence, e.Cursor.Timestamp, e.SSRC)

	packet, err := Seal(e.Mode, header[:], opus, e.Key, e.Cursor.NonceCounter)
	if err != nil {
		return nil, err
	}

	e.Cursor.Advance()
	if e.Mode == ModeLite {
		e.Cursor.NonceCounter++
	}

	return packet, nil
}

// Decoder decrypts inbound RTP packets for one voice session.
type Decoder struct {
	Mode Mode
	Key  *SecretKey
}

// Decode parses and decrypts one inbound wire packet.
func (d *Decoder) Decode(packet []byte) (Header, []byte, error) {
	header, _, ok := Parse(packet)
	if !ok {
		return Header{}, nil, ErrCryptoFailure
	}

	opus, err := Open(d.Mode, packet, d.Key)
	if err != nil {
		return Header{}, nil, err
	}

	return header, opus, nil
}
