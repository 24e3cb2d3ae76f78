package protocol

import (
	"encoding/binary"
)

// Per-operation TLV payloads, as documented by the hardware SDK. Requests
// are the decrypted plaintext of SECURE frames; replies are the plaintext
// handed back to the session for encryption. Every parser consumes the
// whole input — overruns and underruns are ParseBadPayload.

// reader walks a payload with bounds checking.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.err = parseErr(ParseBadPayload, "payload overrun at offset %d", r.off)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16be() uint16 {
	if r.err != nil {
		return 0
	}
	if r.off+2 > len(r.buf) {
		r.err = parseErr(ParseBadPayload, "payload overrun at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32be() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = parseErr(ParseBadPayload, "payload overrun at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = parseErr(ParseBadPayload, "payload overrun at offset %d", r.off)
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+n])
	r.off += n
	return v
}

// done rejects trailing garbage after the last field.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return parseErr(ParseBadPayload, "%d trailing bytes in payload", len(r.buf)-r.off)
	}
	return nil
}

// FinalizePairingRequest carries the app name and a DER ECDSA signature
// over SHA-256(clientPub || appName || pairingCode).
type FinalizePairingRequest struct {
	AppName string
	DERSig  []byte
}

// ParseFinalizePairing decodes: nameLen:u8 | appName | sigLen:u8 | derSig.
func ParseFinalizePairing(plain []byte) (*FinalizePairingRequest, error) {
	r := &reader{buf: plain}
	name := r.bytes(int(r.u8()))
	sig := r.bytes(int(r.u8()))
	if err := r.done(); err != nil {
		return nil, err
	}
	return &FinalizePairingRequest{AppName: string(name), DERSig: sig}, nil
}

// GetAddressesRequest asks for Count addresses starting at StartPath.
// Flag selects the key rendering; absent on older SDKs.
type GetAddressesRequest struct {
	StartPath []uint32
	Count     uint8
	Flag      uint8
	HasFlag   bool
}

// ParseGetAddresses decodes: pathLen:u8 | path[pathLen]:u32 BE | n:u8 | flag?:u8.
func ParseGetAddresses(plain []byte) (*GetAddressesRequest, error) {
	r := &reader{buf: plain}
	pathLen := int(r.u8())
	path := make([]uint32, 0, pathLen)
	for i := 0; i < pathLen; i++ {
		path = append(path, r.u32be())
	}
	req := &GetAddressesRequest{StartPath: path, Count: r.u8()}
	if r.err == nil && r.off < len(r.buf) {
		req.Flag = r.u8()
		req.HasFlag = true
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return req, nil
}

// SignRequest asks for a signature over Data on Path.
type SignRequest struct {
	Path     []uint32
	Schema   uint8
	Curve    uint8
	Encoding uint8
	HashType uint8
	Data     []byte
}

// ParseSign decodes: pathLen:u8 | path[]:u32 BE | schema:u8 | curve:u8 |
// encoding:u8 | hashType:u8 | dataLen:u16 BE | data[].
func ParseSign(plain []byte) (*SignRequest, error) {
	r := &reader{buf: plain}
	pathLen := int(r.u8())
	path := make([]uint32, 0, pathLen)
	for i := 0; i < pathLen; i++ {
		path = append(path, r.u32be())
	}
	req := &SignRequest{
		Path:     path,
		Schema:   r.u8(),
		Curve:    r.u8(),
		Encoding: r.u8(),
		HashType: r.u8(),
	}
	req.Data = r.bytes(int(r.u16be()))
	if err := r.done(); err != nil {
		return nil, err
	}
	return req, nil
}

// KvRecord is one key/value entry on the wire.
type KvRecord struct {
	ID    uint32
	Key   string
	Value string
}

// GetKvRecordsRequest pages through the store.
type GetKvRecordsRequest struct {
	N     uint8
	Start uint32
}

// ParseGetKvRecords decodes: n:u8 | start:u32 BE.
func ParseGetKvRecords(plain []byte) (*GetKvRecordsRequest, error) {
	r := &reader{buf: plain}
	req := &GetKvRecordsRequest{N: r.u8(), Start: r.u32be()}
	if err := r.done(); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseAddKvRecords decodes: count:u8 | {keyLen:u8 | key | valLen:u8 | val}*.
func ParseAddKvRecords(plain []byte) ([]KvRecord, error) {
	r := &reader{buf: plain}
	count := int(r.u8())
	recs := make([]KvRecord, 0, count)
	for i := 0; i < count; i++ {
		key := r.bytes(int(r.u8()))
		val := r.bytes(int(r.u8()))
		recs = append(recs, KvRecord{Key: string(key), Value: string(val)})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ParseRemoveKvRecords decodes: count:u8 | {id:u32 BE}*.
func ParseRemoveKvRecords(plain []byte) ([]uint32, error) {
	r := &reader{buf: plain}
	count := int(r.u8())
	ids := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, r.u32be())
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return ids, nil
}

// WalletDescriptor mirrors the device's active wallet slots.
type WalletDescriptor struct {
	UID          [32]byte
	Capabilities uint32
	Name         []byte
}

// walletNameLen is the fixed zero-padded name field width.
const walletNameLen = 35

// EncodeWallets builds the getWallets reply data: internal then external,
// each uid:32 | capabilities:u32 BE | name:35.
func EncodeWallets(internal, external WalletDescriptor) []byte {
	out := make([]byte, 0, 2*(32+4+walletNameLen))
	for _, w := range []WalletDescriptor{internal, external} {
		out = append(out, w.UID[:]...)
		var cap4 [4]byte
		binary.BigEndian.PutUint32(cap4[:], w.Capabilities)
		out = append(out, cap4[:]...)
		name := make([]byte, walletNameLen)
		copy(name, w.Name)
		out = append(out, name...)
	}
	return out
}

// EncodeAddresses builds the getAddresses reply data:
// count:u8, then per address len:u8 | ascii.
func EncodeAddresses(addrs []string) []byte {
	out := []byte{byte(len(addrs))}
	for _, a := range addrs {
		out = append(out, byte(len(a)))
		out = append(out, a...)
	}
	return out
}

// EncodeSignature builds the sign reply data: sigLen:u8 | derSig |
// recovery:u8 (0xff when the curve has no recovery id).
func EncodeSignature(derSig []byte, recovery uint8, hasRecovery bool) []byte {
	out := []byte{byte(len(derSig))}
	out = append(out, derSig...)
	if hasRecovery {
		out = append(out, recovery)
	} else {
		out = append(out, 0xff)
	}
	return out
}

// EncodeKvRecords builds the getKvRecords reply data:
// total:u32 BE | fetched:u8 | {id:u32 BE | keyLen:u8 | key | valLen:u8 | val}*.
func EncodeKvRecords(total uint32, recs []KvRecord) []byte {
	out := make([]byte, 5)
	binary.BigEndian.PutUint32(out[0:4], total)
	out[4] = byte(len(recs))
	for _, rec := range recs {
		var id4 [4]byte
		binary.BigEndian.PutUint32(id4[:], rec.ID)
		out = append(out, id4[:]...)
		out = append(out, byte(len(rec.Key)))
		out = append(out, rec.Key...)
		out = append(out, byte(len(rec.Value)))
		out = append(out, rec.Value...)
	}
	return out
}

// ConnectReply is the unencrypted CONNECT response body:
// respCode:u8 | isPaired:u8 | ephemeralPub:65 | fw:4 | ephemeralId:u32 LE.
type ConnectReply struct {
	Code        ResponseCode
	IsPaired    bool
	EphemeralPub [PubKeyLen]byte
	Firmware    [4]byte
	EphemeralID uint32
}

// EncodeConnectReply serializes a CONNECT response body.
func EncodeConnectReply(rep *ConnectReply) []byte {
	out := make([]byte, 2+PubKeyLen+4+4)
	out[0] = byte(rep.Code)
	if rep.IsPaired {
		out[1] = 1
	}
	copy(out[2:2+PubKeyLen], rep.EphemeralPub[:])
	copy(out[2+PubKeyLen:], rep.Firmware[:])
	binary.LittleEndian.PutUint32(out[2+PubKeyLen+4:], rep.EphemeralID)
	return out
}

// ParseConnectReply is the client-side inverse, used by tests and the SDK shim.
func ParseConnectReply(body []byte) (*ConnectReply, error) {
	r := &reader{buf: body}
	rep := &ConnectReply{Code: ResponseCode(r.u8()), IsPaired: r.u8() == 1}
	copy(rep.EphemeralPub[:], r.bytes(PubKeyLen))
	copy(rep.Firmware[:], r.bytes(4))
	if r.err == nil && r.off+4 <= len(r.buf) {
		rep.EphemeralID = binary.LittleEndian.Uint32(r.buf[r.off:])
		r.off += 4
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return rep, nil
}

// EncodeSecureReplyPlain builds the plaintext of a SECURE reply prior to
// encryption: ephemeralPub:65 | respCode:u8 | data. The new ephemeral
// public key leads so clients can re-derive before touching the payload.
func EncodeSecureReplyPlain(newEphemeralPub [PubKeyLen]byte, code ResponseCode, data []byte) []byte {
	out := make([]byte, PubKeyLen+1+len(data))
	copy(out, newEphemeralPub[:])
	out[PubKeyLen] = byte(code)
	copy(out[PubKeyLen+1:], data)
	return out
}

// ParseSecureReplyPlain is the client-side inverse.
func ParseSecureReplyPlain(plain []byte) (pub [PubKeyLen]byte, code ResponseCode, data []byte, err error) {
	if len(plain) < PubKeyLen+1 {
		err = parseErr(ParseBadPayload, "secure reply plaintext is %d bytes", len(plain))
		return
	}
	copy(pub[:], plain[:PubKeyLen])
	code = ResponseCode(plain[PubKeyLen])
	data = plain[PubKeyLen+1:]
	return
}
