package identity

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"v2vmesh/internal/crypto"
)

// VehicleID is a pseudonymous identifier derived from the certificate
// public key. It is stable for the certificate's lifetime only; rotating
// the certificate rotates the identity.
type VehicleID [32]byte

func (id VehicleID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id VehicleID) IsZero() bool {
	var zero VehicleID
	return id == zero
}

func ParseVehicleID(s string) (VehicleID, error) {
	var id VehicleID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("bad vehicle id")
	}
	copy(id[:], b)
	return id, nil
}

func DeriveVehicleID(pub []byte) VehicleID {
	buf := make([]byte, 0, len("v2v:vehicleid:v1")+len(pub))
	buf = append(buf, []byte("v2v:vehicleid:v1")...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	var id VehicleID
	copy(id[:], sum)
	return id
}

// Capability flags a certificate may carry.
const (
	CapEmergencyBroadcast = "emergency_broadcast"
	CapTrajectoryExchange = "trajectory_exchange"
	CapCollisionAvoidance = "collision_avoidance"
)

// Certificate binds a vehicle public key to an issuer under a validity
// window. Serial is the revocation reference. Certificates are immutable
// once signed; rotation replaces the whole record.
type Certificate struct {
	Serial       string   `json:"serial"`
	VehicleID    string   `json:"vehicle_id"`
	PubKey       string   `json:"pubkey"` // hex PKIX DER
	Issuer       string   `json:"issuer"`
	IssuerKeyID  string   `json:"issuer_key_id"`
	NotBefore    int64    `json:"not_before"` // unix seconds
	NotAfter     int64    `json:"not_after"`
	Capabilities []string `json:"capabilities,omitempty"`
	Sig          string   `json:"sig"` // issuer RSA-PSS over SignBytes
}

func (c Certificate) ID() (VehicleID, error) {
	return ParseVehicleID(c.VehicleID)
}

func (c Certificate) PublicKey() ([]byte, error) {
	pub, err := hex.DecodeString(c.PubKey)
	if err != nil || len(pub) == 0 {
		return nil, fmt.Errorf("bad pubkey")
	}
	return pub, nil
}

func (c Certificate) HasCapability(name string) bool {
	for _, have := range c.Capabilities {
		if have == name {
			return true
		}
	}
	return false
}

// SignBytes is the canonical byte form covered by the issuer signature.
func (c Certificate) SignBytes() ([]byte, error) {
	id, err := c.ID()
	if err != nil {
		return nil, err
	}
	pub, err := c.PublicKey()
	if err != nil {
		return nil, err
	}
	if c.Serial == "" {
		return nil, fmt.Errorf("missing serial")
	}
	prefix := []byte("v2v:cert:v1|")
	buf := make([]byte, 0, len(prefix)+len(c.Serial)+32+len(pub)+len(c.Issuer)+16)
	buf = append(buf, prefix...)
	buf = appendLenPrefixed(buf, []byte(c.Serial))
	buf = append(buf, id[:]...)
	buf = appendLenPrefixed(buf, pub)
	buf = appendLenPrefixed(buf, []byte(c.Issuer))
	buf = appendLenPrefixed(buf, []byte(c.IssuerKeyID))
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], uint64(c.NotBefore))
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], uint64(c.NotAfter))
	buf = append(buf, tmp8[:]...)
	for _, name := range c.Capabilities {
		buf = appendLenPrefixed(buf, []byte(name))
	}
	return buf, nil
}

func appendLenPrefixed(buf, field []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(field)))
	buf = append(buf, tmp[:]...)
	return append(buf, field...)
}

func EncodeCertificate(c Certificate) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCertificate(data []byte) (Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return Certificate{}, err
	}
	return c, nil
}

// IssueCertificate signs a certificate for pub with the issuer key.
// Provisioning normally happens outside the vehicle; this is used by the
// CLI and tests to stand up a working trust chain.
func IssueCertificate(issuer string, issuerPub, issuerPriv, pub []byte, validity time.Duration, caps []string) (Certificate, error) {
	if len(pub) == 0 || len(issuerPriv) == 0 {
		return Certificate{}, fmt.Errorf("empty key material")
	}
	now := time.Now()
	cert := Certificate{
		Serial:       uuid.NewString(),
		VehicleID:    DeriveVehicleID(pub).Hex(),
		PubKey:       hex.EncodeToString(pub),
		Issuer:       issuer,
		IssuerKeyID:  issuerKeyID(issuerPub),
		NotBefore:    now.Unix(),
		NotAfter:     now.Add(validity).Unix(),
		Capabilities: caps,
	}
	signBytes, err := cert.SignBytes()
	if err != nil {
		return Certificate{}, err
	}
	sig, err := crypto.SignDigest(issuerPriv, crypto.SHA3_256(signBytes))
	if err != nil {
		return Certificate{}, err
	}
	cert.Sig = hex.EncodeToString(sig)
	return cert, nil
}

func issuerKeyID(issuerPub []byte) string {
	sum := crypto.SHA3_256(issuerPub)
	return hex.EncodeToString(sum[:8])
}
