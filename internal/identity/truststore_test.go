package identity

import (
	"testing"
	"time"

	"v2vmesh/internal/crypto"
)

type testIssuer struct {
	pub  []byte
	priv []byte
}

func newIssuer(t *testing.T) testIssuer {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen issuer keypair failed: %v", err)
	}
	return testIssuer{pub: pub, priv: priv}
}

func (i testIssuer) issue(t *testing.T, validity time.Duration, caps []string) (Certificate, VehicleID) {
	t.Helper()
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen vehicle keypair failed: %v", err)
	}
	cert, err := IssueCertificate("test-authority", i.pub, i.priv, pub, validity, caps)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	id, err := cert.ID()
	if err != nil {
		t.Fatalf("cert id failed: %v", err)
	}
	return cert, id
}

func TestValidateCertificateChain(t *testing.T) {
	issuer := newIssuer(t)
	cert, _ := issuer.issue(t, time.Hour, []string{CapEmergencyBroadcast})

	s := NewStore()
	if err := s.ValidateCertificate(cert, time.Now()); err == nil {
		t.Fatalf("validated without a provisioned root")
	}
	if err := s.AddRoot(issuer.pub); err != nil {
		t.Fatalf("add root failed: %v", err)
	}
	if err := s.ValidateCertificate(cert, time.Now()); err != nil {
		t.Fatalf("valid certificate rejected: %v", err)
	}
	// Second pass hits the positive cache.
	if err := s.ValidateCertificate(cert, time.Now()); err != nil {
		t.Fatalf("cached validation failed: %v", err)
	}
}

func TestValidateCertificateRejectsTampering(t *testing.T) {
	issuer := newIssuer(t)
	cert, _ := issuer.issue(t, time.Hour, nil)
	s := NewStore()
	if err := s.AddRoot(issuer.pub); err != nil {
		t.Fatalf("add root failed: %v", err)
	}

	grantCaps := cert
	grantCaps.Capabilities = []string{CapEmergencyBroadcast}
	if err := s.ValidateCertificate(grantCaps, time.Now()); err == nil {
		t.Fatalf("capability grant not covered by signature")
	}

	otherPub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	swapID := cert
	swapID.VehicleID = DeriveVehicleID(otherPub).Hex()
	if err := s.ValidateCertificate(swapID, time.Now()); err == nil {
		t.Fatalf("id no longer matching pubkey accepted")
	}
}

func TestValidateCertificateWindow(t *testing.T) {
	issuer := newIssuer(t)
	cert, _ := issuer.issue(t, time.Hour, nil)
	s := NewStore()
	if err := s.AddRoot(issuer.pub); err != nil {
		t.Fatalf("add root failed: %v", err)
	}
	if err := s.ValidateCertificate(cert, time.Now().Add(2*time.Hour)); err != ErrExpired {
		t.Fatalf("expected ErrExpired after window, got %v", err)
	}
	if err := s.ValidateCertificate(cert, time.Now().Add(-time.Hour)); err != ErrExpired {
		t.Fatalf("expected ErrExpired before window, got %v", err)
	}
}

func TestRevocationRemovesPeerAndFiresCallback(t *testing.T) {
	issuer := newIssuer(t)
	cert, id := issuer.issue(t, time.Hour, nil)
	s := NewStore()
	if err := s.AddRoot(issuer.pub); err != nil {
		t.Fatalf("add root failed: %v", err)
	}
	if err := s.RegisterPeerCertificate(cert, time.Now()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if got := s.State(id, time.Now()); got != TrustTrusted {
		t.Fatalf("state = %v, want trusted", got)
	}

	var fired []VehicleID
	s.OnRevoke(func(v VehicleID) { fired = append(fired, v) })
	s.Revoke(id)

	if !s.IsRevoked(id) {
		t.Fatalf("id not marked revoked")
	}
	if _, ok := s.Get(id); ok {
		t.Fatalf("revoked certificate still registered")
	}
	if got := s.State(id, time.Now()); got != TrustRevoked {
		t.Fatalf("state = %v, want revoked", got)
	}
	if len(fired) != 1 || fired[0] != id {
		t.Fatalf("callback fired %v, want [%s]", fired, id.Hex())
	}
	// The serial is burned: re-registering the same certificate fails.
	if err := s.RegisterPeerCertificate(cert, time.Now()); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked on re-register, got %v", err)
	}
}

func TestVerifyAuthority(t *testing.T) {
	issuer := newIssuer(t)
	s := NewStore()
	if err := s.AddRoot(issuer.pub); err != nil {
		t.Fatalf("add root failed: %v", err)
	}
	digest := crypto.SHA3_256([]byte("revocation input"))
	sig, err := crypto.SignDigest(issuer.priv, digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !s.VerifyAuthority(digest, sig) {
		t.Fatalf("authority signature rejected")
	}
	_, vehiclePriv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	forged, err := crypto.SignDigest(vehiclePriv, digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if s.VerifyAuthority(digest, forged) {
		t.Fatalf("non-root signature accepted")
	}
}

func TestCertificateRoundTripAndCapabilities(t *testing.T) {
	issuer := newIssuer(t)
	cert, _ := issuer.issue(t, time.Hour, []string{CapTrajectoryExchange, CapCollisionAvoidance})
	data, err := EncodeCertificate(cert)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeCertificate(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Serial != cert.Serial || got.VehicleID != cert.VehicleID || got.Sig != cert.Sig {
		t.Fatalf("round trip changed the certificate")
	}
	if !got.HasCapability(CapTrajectoryExchange) || got.HasCapability(CapEmergencyBroadcast) {
		t.Fatalf("capabilities mangled: %v", got.Capabilities)
	}
}
