package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGetAddresses(t *testing.T) {
	// pathLen=5 | 44' 60' 0' 0 0 | n=3 | flag=4
	buf := []byte{5}
	for _, seg := range []uint32{0x8000002c, 0x8000003c, 0x80000000, 0, 0} {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], seg)
		buf = append(buf, b[:]...)
	}
	buf = append(buf, 3, 4)

	req, err := ParseGetAddresses(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x8000002c, 0x8000003c, 0x80000000, 0, 0}, req.StartPath)
	assert.Equal(t, uint8(3), req.Count)
	assert.True(t, req.HasFlag)
	assert.Equal(t, uint8(4), req.Flag)

	// Flag byte is optional.
	req, err = ParseGetAddresses(buf[:len(buf)-1])
	require.NoError(t, err)
	assert.False(t, req.HasFlag)

	// Truncated path overruns.
	_, err = ParseGetAddresses(buf[:9])
	assert.Error(t, err)
}

func TestParseSign(t *testing.T) {
	buf := []byte{2}
	for _, seg := range []uint32{0x8000002c, 0x8000003c} {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], seg)
		buf = append(buf, b[:]...)
	}
	buf = append(buf, 1, 0, 0, 2) // schema, curve, encoding, hashType
	buf = append(buf, 0, 3)       // dataLen
	buf = append(buf, 0xDE, 0xAD, 0xBF)

	req, err := ParseSign(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), req.Schema)
	assert.Equal(t, uint8(2), req.HashType)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBF}, req.Data)

	// Trailing garbage after data is rejected.
	_, err = ParseSign(append(buf, 0x00))
	assert.Error(t, err)
}

func TestKvPayloads(t *testing.T) {
	add := []byte{2, 1, 'A', 1, 'x', 2, 'b', 'b', 1, 'y'}
	recs, err := ParseAddKvRecords(add)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].Key)
	assert.Equal(t, "y", recs[1].Value)

	get, err := ParseGetKvRecords([]byte{2, 0, 0, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), get.N)
	assert.Equal(t, uint32(2), get.Start)

	ids, err := ParseRemoveKvRecords([]byte{2, 0, 0, 0, 1, 0, 0, 0, 5})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 5}, ids)

	wire := EncodeKvRecords(5, []KvRecord{{ID: 3, Key: "a", Value: "x"}, {ID: 4, Key: "b", Value: "y"}})
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(wire[0:4]))
	assert.Equal(t, byte(2), wire[4])
}

func TestParseFinalizePairing(t *testing.T) {
	buf := []byte{4}
	buf = append(buf, "Test"...)
	buf = append(buf, 3, 0x30, 0x01, 0x00)

	req, err := ParseFinalizePairing(buf)
	require.NoError(t, err)
	assert.Equal(t, "Test", req.AppName)
	assert.Equal(t, []byte{0x30, 0x01, 0x00}, req.DERSig)

	_, err = ParseFinalizePairing(buf[:3])
	assert.Error(t, err)
}

func TestConnectReplyRoundTrip(t *testing.T) {
	var pub [PubKeyLen]byte
	pub[0] = 0x04
	pub[64] = 0x33
	in := &ConnectReply{
		Code:         RespSuccess,
		IsPaired:     true,
		EphemeralPub: pub,
		Firmware:     [4]byte{0, 15, 0, 0},
		EphemeralID:  1,
	}
	out, err := ParseConnectReply(EncodeConnectReply(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSecureReplyPlainRoundTrip(t *testing.T) {
	var pub [PubKeyLen]byte
	pub[0] = 0x04
	plain := EncodeSecureReplyPlain(pub, RespUserDeclined, []byte{1, 2, 3})

	gotPub, code, data, err := ParseSecureReplyPlain(plain)
	require.NoError(t, err)
	assert.Equal(t, pub, gotPub)
	assert.Equal(t, RespUserDeclined, code)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestEncodeAddressesAndSignature(t *testing.T) {
	wire := EncodeAddresses([]string{"0xabc", "0xdef0"})
	assert.Equal(t, byte(2), wire[0])
	assert.Equal(t, byte(5), wire[1])
	assert.Equal(t, "0xabc", string(wire[2:7]))

	sig := EncodeSignature([]byte{0x30, 0x02}, 1, true)
	assert.Equal(t, []byte{2, 0x30, 0x02, 1}, sig)
	sig = EncodeSignature([]byte{0x30}, 0, false)
	assert.Equal(t, byte(0xff), sig[len(sig)-1])
}

func TestResponseCodeNames(t *testing.T) {
	assert.Equal(t, "success", RespSuccess.String())
	assert.Equal(t, "invalidEphemId", RespInvalidEphemID.String())
	assert.Equal(t, "getAddresses", OpGetAddresses.String())
}
