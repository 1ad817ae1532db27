package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/identity"
)

const (
	MsgTypeEnvelope = "envelope"
	MaxEnvelopeSize = 64 << 10

	PriorityNormal    = "normal"
	PriorityEmergency = "emergency"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Envelope is the authenticated wire unit for all post-handshake traffic.
// Sealed carries the AEAD ciphertext (tag included); Sig is an RSA-PSS
// signature over the full header plus ciphertext, so envelopes cannot be
// mutated after signing.
type Envelope struct {
	Type       string `json:"type"`
	Kind       string `json:"kind"`
	FromID     string `json:"from_id"`
	ToID       string `json:"to_id,omitempty"`
	CertSerial string `json:"cert_serial"`
	Seq        uint64 `json:"seq"`
	Epoch      uint64 `json:"epoch,omitempty"`
	Priority   string `json:"priority"`
	Timestamp  int64  `json:"ts"`
	TTL        int64  `json:"ttl,omitempty"` // milliseconds past Timestamp; 0 disables
	Nonce      string `json:"nonce"`
	Sealed     string `json:"sealed"`
	Sig        string `json:"sig"`
}

func EncodeEnvelope(m Envelope) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeEnvelope
	}
	return json.Marshal(m)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var m Envelope
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if m.Type != "" && m.Type != MsgTypeEnvelope {
		return Envelope{}, fmt.Errorf("%w: unexpected msg type %s", ErrMalformedEnvelope, m.Type)
	}
	return m, nil
}

func ValidPriority(p string) bool {
	return p == PriorityNormal || p == PriorityEmergency
}

// DecodeEnvelopeFields validates and decodes the binary fields of an
// envelope. A zero toID means broadcast.
func DecodeEnvelopeFields(m Envelope) (fromID, toID identity.VehicleID, nonce, sealed, sig []byte, err error) {
	fromID, err = identity.ParseVehicleID(m.FromID)
	if err != nil {
		return fromID, toID, nil, nil, nil, fmt.Errorf("%w: bad from_id", ErrMalformedEnvelope)
	}
	if m.ToID != "" {
		toID, err = identity.ParseVehicleID(m.ToID)
		if err != nil {
			return fromID, toID, nil, nil, nil, fmt.Errorf("%w: bad to_id", ErrMalformedEnvelope)
		}
	}
	if !ValidPriority(m.Priority) {
		return fromID, toID, nil, nil, nil, fmt.Errorf("%w: bad priority", ErrMalformedEnvelope)
	}
	if m.Kind == "" || m.CertSerial == "" || m.Timestamp <= 0 || m.TTL < 0 {
		return fromID, toID, nil, nil, nil, fmt.Errorf("%w: missing header field", ErrMalformedEnvelope)
	}
	nonce, err = hex.DecodeString(m.Nonce)
	if err != nil || len(nonce) != crypto.XNonceSize {
		return fromID, toID, nil, nil, nil, fmt.Errorf("%w: bad nonce", ErrMalformedEnvelope)
	}
	sealed, err = hex.DecodeString(m.Sealed)
	if err != nil || len(sealed) == 0 {
		return fromID, toID, nil, nil, nil, fmt.Errorf("%w: bad sealed payload", ErrMalformedEnvelope)
	}
	sig, err = hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return fromID, toID, nil, nil, nil, fmt.Errorf("%w: bad sig", ErrMalformedEnvelope)
	}
	return fromID, toID, nonce, sealed, sig, nil
}

// EnvelopeSignBytes is the canonical byte layout the sender signs. It covers
// every header field plus the ciphertext so no part of the envelope is
// malleable after signing.
func EnvelopeSignBytes(fromID, toID identity.VehicleID, kind, priority string, seq, epoch uint64, ts, ttl int64, nonce, sealed []byte) []byte {
	prefix := []byte("v2v:env:v1|")
	buf := make([]byte, 0, len(prefix)+64+len(kind)+len(priority)+42+len(nonce)+len(sealed)+12)
	buf = append(buf, prefix...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = appendLenPrefixed(buf, []byte(kind))
	buf = appendLenPrefixed(buf, []byte(priority))
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, seq)
	buf = append(buf, tmp...)
	binary.BigEndian.PutUint64(tmp, epoch)
	buf = append(buf, tmp...)
	binary.BigEndian.PutUint64(tmp, uint64(ts))
	buf = append(buf, tmp...)
	binary.BigEndian.PutUint64(tmp, uint64(ttl))
	buf = append(buf, tmp...)
	buf = append(buf, nonce...)
	buf = appendLenPrefixed(buf, sealed)
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, uint32(len(field)))
	buf = append(buf, tmp...)
	return append(buf, field...)
}

// SealRequest carries everything needed to produce a signed, encrypted
// envelope. Key is a 32-byte AEAD key: a pairwise send key, or the epoch
// key when To is zero (broadcast). When NonceBase is set the nonce is
// derived from it and Seq; broadcast envelopes leave it nil and get a
// random nonce. SignPriv is the sender's RSA private key in PKCS#8 DER.
type SealRequest struct {
	From       identity.VehicleID
	To         identity.VehicleID
	CertSerial string
	Kind       string
	Priority   string
	Seq        uint64
	Epoch      uint64
	Timestamp  int64
	TTL        int64
	Key        []byte
	NonceBase  []byte
	SignPriv   []byte
	Plaintext  []byte
}

func SealEnvelope(req SealRequest) (Envelope, error) {
	if !ValidPriority(req.Priority) {
		return Envelope{}, fmt.Errorf("bad priority %q", req.Priority)
	}
	if req.Kind == "" || req.CertSerial == "" || req.Timestamp <= 0 {
		return Envelope{}, fmt.Errorf("incomplete seal request")
	}
	var nonce []byte
	var err error
	if req.NonceBase != nil {
		nonce, err = crypto.NonceFromBase(req.NonceBase, req.Seq)
	} else {
		nonce, err = crypto.RandomBytes(crypto.XNonceSize)
	}
	if err != nil {
		return Envelope{}, err
	}
	aad := crypto.BuildAAD(req.Kind, req.Seq, req.Epoch, req.From, req.To)
	sealed, err := crypto.XSealWithNonce(req.Key, nonce, req.Plaintext, aad)
	if err != nil {
		return Envelope{}, err
	}
	signBytes := EnvelopeSignBytes(req.From, req.To, req.Kind, req.Priority, req.Seq, req.Epoch, req.Timestamp, req.TTL, nonce, sealed)
	sig, err := crypto.SignDigest(req.SignPriv, crypto.SHA3_256(signBytes))
	if err != nil {
		return Envelope{}, err
	}
	m := Envelope{
		Type:       MsgTypeEnvelope,
		Kind:       req.Kind,
		FromID:     req.From.Hex(),
		CertSerial: req.CertSerial,
		Seq:        req.Seq,
		Epoch:      req.Epoch,
		Priority:   req.Priority,
		Timestamp:  req.Timestamp,
		TTL:        req.TTL,
		Nonce:      hex.EncodeToString(nonce),
		Sealed:     hex.EncodeToString(sealed),
		Sig:        hex.EncodeToString(sig),
	}
	if !req.To.IsZero() {
		m.ToID = req.To.Hex()
	}
	return m, nil
}

// OpenEnvelope verifies the sender signature and only then attempts
// decryption. The ordering is deliberate: a forged envelope never reaches
// the AEAD, and the two failure modes stay distinguishable internally
// while looking identical on the wire (both are silent drops).
func OpenEnvelope(m Envelope, senderPub, key []byte) ([]byte, error) {
	fromID, toID, nonce, sealed, sig, err := DecodeEnvelopeFields(m)
	if err != nil {
		return nil, err
	}
	signBytes := EnvelopeSignBytes(fromID, toID, m.Kind, m.Priority, m.Seq, m.Epoch, m.Timestamp, m.TTL, nonce, sealed)
	if !crypto.VerifyDigest(senderPub, crypto.SHA3_256(signBytes), sig) {
		return nil, ErrSignatureInvalid
	}
	aad := crypto.BuildAAD(m.Kind, m.Seq, m.Epoch, fromID, toID)
	plain, err := crypto.XOpen(key, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
