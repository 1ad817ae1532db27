package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"v2vmesh/internal/identity"
)

const (
	MsgTypeHello1 = "hello1"
	MsgTypeHello2 = "hello2"

	// Hello envelopes embed a full vehicle certificate, so they are
	// larger than data traffic but still bounded.
	MaxHello1Size = 16 << 10
	MaxHello2Size = 16 << 10
)

// Hello1Msg opens a handshake: the initiator's certificate, a fresh X25519
// ephemeral public key and nonce, signed with the certificate's key. Ts is
// covered by the signature; a responder rejects hello1s outside its
// freshness window, so captured ones cannot be replayed later.
type Hello1Msg struct {
	Type       string          `json:"type"`
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	Cert       json.RawMessage `json:"cert"`
	ListenAddr string          `json:"listen_addr,omitempty"`
	Ts         int64           `json:"ts"`
	EA         string          `json:"ea"`
	Na         string          `json:"na"`
	Sig        string          `json:"sig"`
}

// Hello2Msg answers a Hello1 with the responder's certificate and ephemeral
// material, completing the key agreement.
type Hello2Msg struct {
	Type       string          `json:"type"`
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	Cert       json.RawMessage `json:"cert"`
	ListenAddr string          `json:"listen_addr,omitempty"`
	EB         string          `json:"eb"`
	Nb         string          `json:"nb"`
	Sig        string          `json:"sig"`
}

func EncodeHello1Msg(m Hello1Msg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello1
	}
	return json.Marshal(m)
}

func DecodeHello1Msg(data []byte) (Hello1Msg, error) {
	var m Hello1Msg
	if err := json.Unmarshal(data, &m); err != nil {
		return Hello1Msg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHello1 {
		return Hello1Msg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeHello2Msg(m Hello2Msg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello2
	}
	return json.Marshal(m)
}

func DecodeHello2Msg(data []byte) (Hello2Msg, error) {
	var m Hello2Msg
	if err := json.Unmarshal(data, &m); err != nil {
		return Hello2Msg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHello2 {
		return Hello2Msg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// Hello1Bytes and Hello2Bytes are the transcript contributions hashed into
// the session key derivation.
func Hello1Bytes(fromID, toID identity.VehicleID, ea, na []byte) []byte {
	buf := make([]byte, 0, 64+len(ea)+len(na))
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, na...)
	return buf
}

func Hello2Bytes(fromID, toID identity.VehicleID, eb, nb []byte) []byte {
	buf := make([]byte, 0, 64+len(eb)+len(nb))
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, eb...)
	buf = append(buf, nb...)
	return buf
}

// DecodeHello1Fields validates and decodes the binary fields of a Hello1.
func DecodeHello1Fields(m Hello1Msg) (fromID, toID identity.VehicleID, cert identity.Certificate, ea, na, sig []byte, err error) {
	fromID, err = identity.ParseVehicleID(m.FromID)
	if err != nil {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad from_id")
	}
	toID, err = identity.ParseVehicleID(m.ToID)
	if err != nil {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad to_id")
	}
	cert, err = identity.DecodeCertificate(m.Cert)
	if err != nil {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad cert: %v", err)
	}
	ea, err = hex.DecodeString(m.EA)
	if err != nil || len(ea) != 32 {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad ea")
	}
	na, err = hex.DecodeString(m.Na)
	if err != nil || len(na) != 32 {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad na")
	}
	sig, err = hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad sig")
	}
	return fromID, toID, cert, ea, na, sig, nil
}

// DecodeHello2Fields validates and decodes the binary fields of a Hello2.
func DecodeHello2Fields(m Hello2Msg) (fromID, toID identity.VehicleID, cert identity.Certificate, eb, nb, sig []byte, err error) {
	fromID, err = identity.ParseVehicleID(m.FromID)
	if err != nil {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad from_id")
	}
	toID, err = identity.ParseVehicleID(m.ToID)
	if err != nil {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad to_id")
	}
	cert, err = identity.DecodeCertificate(m.Cert)
	if err != nil {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad cert: %v", err)
	}
	eb, err = hex.DecodeString(m.EB)
	if err != nil || len(eb) != 32 {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad eb")
	}
	nb, err = hex.DecodeString(m.Nb)
	if err != nil || len(nb) != 32 {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad nb")
	}
	sig, err = hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return fromID, toID, cert, nil, nil, nil, fmt.Errorf("bad sig")
	}
	return fromID, toID, cert, eb, nb, sig, nil
}
