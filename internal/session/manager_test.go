package session

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/proto"
)

type testVehicle struct {
	mgr  *Manager
	id   identity.VehicleID
	pub  []byte
	priv []byte
}

func newTestFleet(t *testing.T, clk clock.Clock, n int) []*testVehicle {
	t.Helper()
	rootPub, rootPriv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("root keypair failed: %v", err)
	}
	out := make([]*testVehicle, 0, n)
	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenKeypair()
		if err != nil {
			t.Fatalf("keypair failed: %v", err)
		}
		cert, err := identity.IssueCertificate("test-root", rootPub, rootPriv, pub, time.Hour,
			[]string{identity.CapEmergencyBroadcast})
		if err != nil {
			t.Fatalf("issue cert failed: %v", err)
		}
		trust := identity.NewStore()
		if err := trust.AddRoot(rootPub); err != nil {
			t.Fatalf("add root failed: %v", err)
		}
		mgr, err := NewManager(cert, pub, priv, trust, Config{}, clk)
		if err != nil {
			t.Fatalf("new manager failed: %v", err)
		}
		out = append(out, &testVehicle{mgr: mgr, id: mgr.SelfID(), pub: pub, priv: priv})
	}
	return out
}

func runHandshake(t *testing.T, a, b *testVehicle) {
	t.Helper()
	hello1, err := a.mgr.BuildHello1(b.id)
	if err != nil {
		t.Fatalf("build hello1 failed: %v", err)
	}
	hello2, err := b.mgr.HandleHello1(hello1)
	if err != nil {
		t.Fatalf("handle hello1 failed: %v", err)
	}
	if err := a.mgr.HandleHello2(hello2); err != nil {
		t.Fatalf("handle hello2 failed: %v", err)
	}
}

func TestHandshakeSuccess(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	runHandshake(t, a, b)

	sessA, ok := a.mgr.Get(b.id)
	if !ok {
		t.Fatalf("missing session A->B")
	}
	sessB, ok := b.mgr.Get(a.id)
	if !ok {
		t.Fatalf("missing session B->A")
	}
	if sessA.State() != StateKeyAgreed || sessB.State() != StateKeyAgreed {
		t.Fatalf("states = %v/%v, want key_agreed", sessA.State(), sessB.State())
	}
	if !bytes.Equal(sessA.sendKey, sessB.recvKey) {
		t.Fatalf("send/recv key mismatch")
	}
	if !bytes.Equal(sessA.recvKey, sessB.sendKey) {
		t.Fatalf("recv/send key mismatch")
	}
	if !bytes.Equal(sessA.nonceBaseSend, sessB.nonceBaseRecv) {
		t.Fatalf("nonce base send/recv mismatch")
	}
}

func TestHandshakeRejectsBadSig(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	hello1, err := a.mgr.BuildHello1(b.id)
	if err != nil {
		t.Fatalf("build hello1 failed: %v", err)
	}
	sig, err := hex.DecodeString(hello1.Sig)
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	sig[0] ^= 0x01
	hello1.Sig = hex.EncodeToString(sig)
	if _, err := b.mgr.HandleHello1(hello1); err == nil {
		t.Fatalf("expected tampered hello1 to be rejected")
	}
}

func TestHandshakeRejectsUntrustedCert(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	// Two fleets with different roots: certificates do not chain.
	a := newTestFleet(t, clk, 1)[0]
	b := newTestFleet(t, clk, 1)[0]
	hello1, err := a.mgr.BuildHello1(b.id)
	if err != nil {
		t.Fatalf("build hello1 failed: %v", err)
	}
	if _, err := b.mgr.HandleHello1(hello1); !errors.Is(err, identity.ErrUntrustedCertificate) {
		t.Fatalf("expected ErrUntrustedCertificate, got %v", err)
	}
}

func TestHandshakeDeduplicated(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	if _, err := a.mgr.BuildHello1(b.id); err != nil {
		t.Fatalf("build hello1 failed: %v", err)
	}
	if _, err := a.mgr.BuildHello1(b.id); !errors.Is(err, ErrHandshakeInFlight) {
		t.Fatalf("expected ErrHandshakeInFlight, got %v", err)
	}
	// A new attempt is allowed once the handshake timeout has elapsed.
	clk.Add(3 * time.Second)
	if _, err := a.mgr.BuildHello1(b.id); err != nil {
		t.Fatalf("retry after timeout failed: %v", err)
	}
}

func TestHello1ReplayRejected(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	hello1, err := a.mgr.BuildHello1(b.id)
	if err != nil {
		t.Fatalf("build hello1 failed: %v", err)
	}
	if _, err := b.mgr.HandleHello1(hello1); err != nil {
		t.Fatalf("handle hello1 failed: %v", err)
	}
	if _, err := b.mgr.HandleHello1(hello1); err == nil {
		t.Fatalf("expected replayed hello1 to be rejected")
	}
}

func TestHello1StaleTimestampRejected(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]

	// An old capture: a once opened a handshake toward b, and the frame
	// was recorded off the wire. It never reached b, so b's most-recent-
	// hello cache knows nothing about it.
	captured, err := a.mgr.BuildHello1(b.id)
	if err != nil {
		t.Fatalf("build hello1 failed: %v", err)
	}
	clk.Add(DefaultHelloFreshness + time.Second)

	if _, err := b.mgr.HandleHello1(captured); !errors.Is(err, ErrHelloExpired) {
		t.Fatalf("expected ErrHelloExpired, got %v", err)
	}

	// The timestamp is under the signature, so it cannot be refreshed.
	captured.Ts = clk.Now().UnixMilli()
	if _, err := b.mgr.HandleHello1(captured); !errors.Is(err, ErrHandshakeSignature) {
		t.Fatalf("expected ErrHandshakeSignature for rewritten timestamp, got %v", err)
	}
}

func TestDataFlowPromotesToEstablished(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	runHandshake(t, a, b)

	sessA, _ := a.mgr.Get(b.id)
	sessB, _ := b.mgr.Get(a.id)
	seq, key, nonceBase, err := sessA.NextSendSeq()
	if err != nil {
		t.Fatalf("NextSendSeq failed: %v", err)
	}
	env, err := proto.SealEnvelope(proto.SealRequest{
		From:       a.id,
		To:         b.id,
		CertSerial: a.mgr.SelfCertSerial(),
		Kind:       proto.KindHeartbeat,
		Priority:   proto.PriorityNormal,
		Seq:        seq,
		Timestamp:  clk.Now().UnixMilli(),
		Key:        key,
		NonceBase:  nonceBase,
		SignPriv:   a.mgr.SigningKey(),
		Plaintext:  []byte(`{"kind":"heartbeat","heartbeat":{"sent_at":1}}`),
	})
	if err != nil {
		t.Fatalf("SealEnvelope failed: %v", err)
	}
	recvKey, err := sessB.RecvKey()
	if err != nil {
		t.Fatalf("RecvKey failed: %v", err)
	}
	if _, err := proto.OpenEnvelope(env, a.pub, recvKey); err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	if err := sessB.AcceptRecvSeq(env.Seq); err != nil {
		t.Fatalf("AcceptRecvSeq failed: %v", err)
	}
	if sessB.State() != StateEstablished {
		t.Fatalf("state = %v, want established", sessB.State())
	}
	if err := sessB.AcceptRecvSeq(env.Seq); !errors.Is(err, ErrSequenceNotNewer) {
		t.Fatalf("expected ErrSequenceNotNewer, got %v", err)
	}
}

func TestDropWipesSessionKeys(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	runHandshake(t, a, b)
	sess, _ := a.mgr.Get(b.id)
	a.mgr.Drop(b.id)
	if _, ok := a.mgr.Get(b.id); ok {
		t.Fatalf("session still present after drop")
	}
	if sess.sendKey != nil || sess.recvKey != nil {
		t.Fatalf("keys not wiped after drop")
	}
	if _, _, _, err := sess.NextSendSeq(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after drop, got %v", err)
	}
}

func TestSweepExpiredAfterLifetime(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	runHandshake(t, a, b)
	if expired := a.mgr.SweepExpired(); len(expired) != 0 {
		t.Fatalf("fresh session expired: %v", expired)
	}
	clk.Add(16 * time.Minute)
	expired := a.mgr.SweepExpired()
	if len(expired) != 1 || expired[0] != b.id {
		t.Fatalf("expected expiry of %s, got %v", b.id.Hex(), expired)
	}
	if _, ok := a.mgr.Get(b.id); ok {
		t.Fatalf("expired session still present")
	}
}

func TestEpochKeyDistribution(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Now().Add(time.Minute))
	fleet := newTestFleet(t, clk, 2)
	a, b := fleet[0], fleet[1]
	epoch, key, err := a.mgr.CurrentEpoch()
	if err != nil {
		t.Fatalf("CurrentEpoch failed: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("first epoch = %d, want 1", epoch)
	}
	b.mgr.SetPeerEpoch(a.id, epoch, key, a.mgr.EpochExpiry())
	got, ok := b.mgr.PeerEpochKey(a.id, epoch)
	if !ok || !bytes.Equal(got, key) {
		t.Fatalf("peer epoch key mismatch")
	}
	// Rotation bumps the epoch; stale epochs stop resolving.
	clk.Add(16 * time.Minute)
	epoch2, _, err := a.mgr.CurrentEpoch()
	if err != nil {
		t.Fatalf("CurrentEpoch failed: %v", err)
	}
	if epoch2 != 2 {
		t.Fatalf("rotated epoch = %d, want 2", epoch2)
	}
	if _, ok := b.mgr.PeerEpochKey(a.id, epoch); ok {
		t.Fatalf("expired epoch key still resolves")
	}
}
