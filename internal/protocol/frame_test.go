package protocol

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFrame(t *testing.T, frameType uint8, body []byte) []byte {
	t.Helper()
	raw, err := Encode(&Frame{Version: ProtocolVersion, Type: frameType, ID: 7, Body: body})
	require.NoError(t, err)
	return raw
}

func TestFrameRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		body := make([]byte, rng.Intn(512))
		rng.Read(body)
		in := &Frame{Version: ProtocolVersion, Type: FrameSecure, ID: rng.Uint32(), Body: body}

		raw, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, in.Version, out.Version)
		assert.Equal(t, in.Type, out.Type)
		assert.Equal(t, in.ID, out.ID)
		assert.True(t, bytes.Equal(in.Body, out.Body))

		// Re-encoding the decoded frame reproduces the original bytes.
		raw2, err := Encode(out)
		require.NoError(t, err)
		assert.Equal(t, raw, raw2)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good := validFrame(t, FrameSecure, []byte{0x01, 0x02, 0x03})

	cases := []struct {
		name string
		frame []byte
		kind ParseKind
	}{
		{"too short", good[:5], ParseTooShort},
		{"bad version", mutate(good, 0, 0x02), ParseBadVersion},
		{"bad type", mutate(good, 1, 0x09), ParseBadType},
		{"trailing bytes", append(append([]byte{}, good...), 0xAA), ParseTrailingBytes},
		{"corrupt checksum", mutate(good, len(good)-1, good[len(good)-1]^0xFF), ParseBadChecksum},
		{"corrupt body", mutate(good, HeaderLen, good[HeaderLen]^0xFF), ParseBadChecksum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frame)
			require.Error(t, err)
			pe, ok := err.(*ParseError)
			require.True(t, ok, "expected ParseError, got %T", err)
			assert.Equal(t, tc.kind, pe.Kind)
		})
	}
}

func TestDecodeRejectsOverdeclaredLength(t *testing.T) {
	good := validFrame(t, FrameSecure, []byte{0x01})
	// Declare a body longer than the buffer holds.
	bad := append([]byte{}, good...)
	binary.BigEndian.PutUint16(bad[6:8], 4096)
	_, err := Decode(bad)
	require.Error(t, err)
	pe, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, ParseBadLength, pe.Kind)
}

func TestParseConnect(t *testing.T) {
	pub := make([]byte, PubKeyLen)
	pub[0] = 0x04
	pub[1] = 0xAB

	p, err := ParseConnect(pub)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), p.ClientPub[1])

	_, err = ParseConnect(pub[:64])
	assert.Error(t, err)

	bad := append([]byte{}, pub...)
	bad[0] = 0x02
	_, err = ParseConnect(bad)
	assert.Error(t, err)
}

func TestParseSecure(t *testing.T) {
	ct := bytes.Repeat([]byte{0x11}, 32)
	body := EncodeSecureBody(OpSign, 9, ct)

	p, err := ParseSecure(body)
	require.NoError(t, err)
	assert.Equal(t, OpSign, p.Op)
	assert.Equal(t, uint32(9), p.EphemeralID)
	assert.Equal(t, ct, p.Ciphertext)

	// Ragged ciphertext is rejected before decryption is attempted.
	_, err = ParseSecure(EncodeSecureBody(OpSign, 9, ct[:31]))
	assert.Error(t, err)

	_, err = ParseSecure([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func mutate(in []byte, idx int, val byte) []byte {
	out := append([]byte{}, in...)
	out[idx] = val
	return out
}
