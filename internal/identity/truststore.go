package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"v2vmesh/internal/crypto"
)

// TrustState tracks how far a peer identity has been vetted.
type TrustState int

const (
	TrustUnverified TrustState = iota
	TrustTrusted
	TrustRevoked
)

func (t TrustState) String() string {
	switch t {
	case TrustTrusted:
		return "trusted"
	case TrustRevoked:
		return "revoked"
	default:
		return "unverified"
	}
}

var (
	ErrUntrustedCertificate = errors.New("untrusted certificate")
	ErrExpired              = errors.New("certificate expired")
	ErrRevoked              = errors.New("certificate revoked")
)

const validationCacheSize = 256

// Store holds this vehicle's key pair and the set of trusted peer
// certificates. Root authority keys are provisioned at startup; peer
// certificates arrive over the handshake and are chain-validated here.
type Store struct {
	mu             sync.Mutex
	roots          map[string][]byte // issuer key id -> PKIX public key
	peers          map[VehicleID]Certificate
	revoked        map[VehicleID]struct{}
	revokedSerials map[string]struct{}
	valid          *lru.Cache[string, int64] // serial -> NotAfter, positive cache only
	onRevoke       []func(VehicleID)
}

func NewStore() *Store {
	cache, _ := lru.New[string, int64](validationCacheSize)
	return &Store{
		roots:          make(map[string][]byte),
		peers:          make(map[VehicleID]Certificate),
		revoked:        make(map[VehicleID]struct{}),
		revokedSerials: make(map[string]struct{}),
		valid:          cache,
	}
}

// AddRoot registers a root authority public key. Certificates must chain
// to one of these to validate.
func (s *Store) AddRoot(pub []byte) error {
	if !crypto.IsRSAPublicKey(pub) {
		return fmt.Errorf("bad root key")
	}
	s.mu.Lock()
	s.roots[issuerKeyID(pub)] = pub
	s.mu.Unlock()
	return nil
}

// OnRevoke registers a callback fired when an identity is revoked. Used
// by the lifecycle manager to drop the peer record immediately.
func (s *Store) OnRevoke(fn func(VehicleID)) {
	s.mu.Lock()
	s.onRevoke = append(s.onRevoke, fn)
	s.mu.Unlock()
}

// ValidateCertificate checks the issuer chain, validity window, and
// revocation list. It does not register the certificate.
func (s *Store) ValidateCertificate(cert Certificate, now time.Time) error {
	id, err := cert.ID()
	if err != nil {
		return ErrUntrustedCertificate
	}
	pub, err := cert.PublicKey()
	if err != nil {
		return ErrUntrustedCertificate
	}
	if DeriveVehicleID(pub) != id {
		return ErrUntrustedCertificate
	}

	s.mu.Lock()
	_, idRevoked := s.revoked[id]
	_, serialRevoked := s.revokedSerials[cert.Serial]
	rootPub, haveRoot := s.roots[cert.IssuerKeyID]
	notAfter, cached := s.valid.Get(cert.Serial)
	s.mu.Unlock()

	if idRevoked || serialRevoked {
		return ErrRevoked
	}
	if now.Unix() < cert.NotBefore || now.Unix() > cert.NotAfter {
		return ErrExpired
	}
	if cached && notAfter == cert.NotAfter {
		return nil
	}
	if !haveRoot {
		return ErrUntrustedCertificate
	}
	sig, err := hex.DecodeString(cert.Sig)
	if err != nil || len(sig) == 0 {
		return ErrUntrustedCertificate
	}
	signBytes, err := cert.SignBytes()
	if err != nil {
		return ErrUntrustedCertificate
	}
	if !crypto.VerifyDigest(rootPub, crypto.SHA3_256(signBytes), sig) {
		return ErrUntrustedCertificate
	}
	s.mu.Lock()
	s.valid.Add(cert.Serial, cert.NotAfter)
	s.mu.Unlock()
	return nil
}

// VerifyAuthority reports whether sig over digest verifies under any
// provisioned root key. Revocation notices are checked through this.
func (s *Store) VerifyAuthority(digest, sig []byte) bool {
	s.mu.Lock()
	roots := make([][]byte, 0, len(s.roots))
	for _, pub := range s.roots {
		roots = append(roots, pub)
	}
	s.mu.Unlock()
	for _, pub := range roots {
		if crypto.VerifyDigest(pub, digest, sig) {
			return true
		}
	}
	return false
}

// RegisterPeerCertificate validates and stores a peer certificate.
func (s *Store) RegisterPeerCertificate(cert Certificate, now time.Time) error {
	if err := s.ValidateCertificate(cert, now); err != nil {
		return err
	}
	id, _ := cert.ID()
	s.mu.Lock()
	s.peers[id] = cert
	s.mu.Unlock()
	return nil
}

// Get returns the registered certificate for id.
func (s *Store) Get(id VehicleID) (Certificate, bool) {
	s.mu.Lock()
	cert, ok := s.peers[id]
	s.mu.Unlock()
	return cert, ok
}

// State reports the current trust state for id.
func (s *Store) State(id VehicleID, now time.Time) TrustState {
	s.mu.Lock()
	_, revoked := s.revoked[id]
	cert, registered := s.peers[id]
	s.mu.Unlock()
	if revoked {
		return TrustRevoked
	}
	if !registered {
		return TrustUnverified
	}
	if now.Unix() > cert.NotAfter {
		return TrustUnverified
	}
	return TrustTrusted
}

// Revoke marks an identity revoked. Effective immediately for admission;
// already-consumed data is not retracted.
func (s *Store) Revoke(id VehicleID) {
	s.mu.Lock()
	s.revoked[id] = struct{}{}
	if cert, ok := s.peers[id]; ok {
		s.revokedSerials[cert.Serial] = struct{}{}
		s.valid.Remove(cert.Serial)
		delete(s.peers, id)
	}
	callbacks := make([]func(VehicleID), len(s.onRevoke))
	copy(callbacks, s.onRevoke)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(id)
	}
}

// IsRevoked is the synchronous admission check.
func (s *Store) IsRevoked(id VehicleID) bool {
	s.mu.Lock()
	_, ok := s.revoked[id]
	s.mu.Unlock()
	return ok
}
