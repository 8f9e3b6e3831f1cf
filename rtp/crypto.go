package rtp

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Mode identifies one of Discord's xsalsa20_poly1305 AEAD variants.
type Mode string

const (
	ModeLite    Mode = "xsalsa20_poly1305_lite"
	ModeSuffix  Mode = "xsalsa20_poly1305_suffix"
	ModePlain   Mode = "xsalsa20_poly1305"
)

// PreferenceOrder is the default selection order: lite beats suffix
// beats the plain header-derived nonce.
var PreferenceOrder = []Mode{ModeLite, ModeSuffix, ModePlain}

// SelectMode picks the preferred mode present in offered, falling back
// to offered[0] if none of the preferred modes are present. offered
// must be non-empty.
func SelectMode(offered []string, preferred []Mode) (Mode, error) {
	if len(offered) == 0 {
		return "", errors.New("rtp: no modes offered")
	}

	offeredSet := make(map[Mode]bool, len(offered))
	for _, m := range offered {
		offeredSet[Mode(m)] = true
	}

	for _, want := range preferred {
		if offeredSet[want] {
			return want, nil
		}
	}

	return Mode(offered[0]), nil
}

// ErrCryptoFailure is returned when encryption or decryption fails.
var ErrCryptoFailure = errors.New("rtp: crypto failure")

const keySize = 32

// SecretKey is the 32-byte session key. Zero it with Wipe once the
// session that owns it ends.
type SecretKey [keySize]byte

// Wipe overwrites the key with zeroes so it doesn't linger in memory
// or get accidentally reused.
func (k *SecretKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Seal encrypts plaintext for the given mode, returning the full wire
// payload: header || ciphertext || trailer (trailer is empty for
// ModePlain). header must be exactly HeaderSize bytes and is also the
// AEAD's associated data source for nonce derivation in ModePlain.
//
// nonceCounter is the LITE-mode counter; it is the caller's
// responsibility to increment it by exactly one per packet sent (see
// Cursor).
func Seal(mode Mode, header []byte, plaintext []byte, key *SecretKey, nonceCounter uint32) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("rtp: header must be %d bytes, got %d", HeaderSize, len(header))
	}

	var nonce [24]byte
	var trailer []byte

	switch mode {
	case ModePlain:
		copy(nonce[:], header)
	case ModeSuffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		trailer = append([]byte(nil), nonce[:]...)
	case ModeLite:
		putUint32BE(nonce[:4], nonceCounter)
		trailer = make([]byte, 4)
		putUint32BE(trailer, nonceCounter)
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrCryptoFailure, mode)
	}

	out := make([]byte, 0, len(header)+len(plaintext)+secretbox.Overhead+len(trailer))
	out = append(out, header...)
	out = secretbox.Seal(out, plaintext, &nonce, (*[keySize]byte)(key))
	out = append(out, trailer...)

	return out, nil
}

// Open decrypts a wire payload built by Seal, returning the plaintext
// Opus frame. It returns ErrCryptoFailure on any authentication
// failure or malformed trailer.
func Open(mode Mode, packet []byte, key *SecretKey) ([]byte, error) {
	if len(packet) < HeaderSize {
		return nil, fmt.Errorf("%w: packet shorter than RTP header", ErrCryptoFailure)
	}

	header := packet[:HeaderSize]
	body := packet[HeaderSize:]

	var nonce [24]byte

	switch mode {
	case ModePlain:
		copy(nonce[:], header)
	case ModeSuffix:
		if len(body) < 24 {
			return nil, fmt.Errorf("%w: missing suffix nonce", ErrCryptoFailure)
		}
		copy(nonce[:], body[len(body)-24:])
		body = body[:len(body)-24]
	case ModeLite:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: missing lite counter trailer", ErrCryptoFailure)
		}
		copy(nonce[:4], body[len(body)-4:])
		body = body[:len(body)-4]
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrCryptoFailure, mode)
	}

	opened, ok := secretbox.Open(nil, body, &nonce, (*[keySize]byte)(key))
	if !ok {
		return nil, ErrCryptoFailure
	}

	return opened, nil
}

func putUint32BE(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
