package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/spatial"
)

func testCert(t *testing.T) identity.Certificate {
	t.Helper()
	rootPub, rootPriv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	cert, err := identity.IssueCertificate("test-root", rootPub, rootPriv, pub, time.Hour, nil)
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}
	return cert
}

func sampleAt(lat, lon float64, seq uint64, ts time.Time) spatial.Sample {
	return spatial.Sample{
		Position:  spatial.Position{Latitude: lat, Longitude: lon, Accuracy: 1},
		Velocity:  spatial.Velocity{Speed: 10, Heading: 0},
		Timestamp: ts,
		Seq:       seq,
	}
}

func newTestTable(t *testing.T) (*Table, *clock.Mock, identity.VehicleID) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	tbl := NewTable(Options{RangeMeters: 1000, Grace: 3 * time.Second, Staleness: 5 * time.Second, Clock: clk})
	tbl.UpdateSelf(sampleAt(48.0, 11.0, 1, clk.Now()))
	cert := testCert(t)
	if err := tbl.Register(cert); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	id, err := cert.ID()
	if err != nil {
		t.Fatalf("cert.ID failed: %v", err)
	}
	return tbl, clk, id
}

func TestApplySampleIdempotentOnSeq(t *testing.T) {
	tbl, clk, id := newTestTable(t)
	// ~555m north of self.
	s := sampleAt(48.005, 11.0, 5, clk.Now())
	if err := tbl.ApplySample(id, s, nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	rec, ok := tbl.Get(id)
	if !ok {
		t.Fatalf("record missing")
	}
	if rec.Distance < 500 || rec.Distance > 600 {
		t.Fatalf("distance = %v, want ~555", rec.Distance)
	}
	// Redelivery of the same sequence is a stale no-op.
	if err := tbl.ApplySample(id, s, nil); !errors.Is(err, ErrStaleSample) {
		t.Fatalf("expected ErrStaleSample, got %v", err)
	}
	if err := tbl.ApplySample(id, sampleAt(48.005, 11.0, 4, clk.Now()), nil); !errors.Is(err, ErrStaleSample) {
		t.Fatalf("expected ErrStaleSample for older seq, got %v", err)
	}
}

func TestApplySampleZeroSeqOnce(t *testing.T) {
	tbl, clk, id := newTestTable(t)
	// A first sample with seq 0 is valid, but only once.
	s := sampleAt(48.005, 11.0, 0, clk.Now())
	if err := tbl.ApplySample(id, s, nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	if err := tbl.ApplySample(id, s, nil); !errors.Is(err, ErrStaleSample) {
		t.Fatalf("expected ErrStaleSample for repeated seq 0, got %v", err)
	}
	if err := tbl.ApplySample(id, sampleAt(48.005, 11.0, 1, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample with advancing seq failed: %v", err)
	}
}

func TestApplySampleUnknownPeer(t *testing.T) {
	tbl, clk, _ := newTestTable(t)
	var stranger identity.VehicleID
	stranger[0] = 0xFF
	if err := tbl.ApplySample(stranger, sampleAt(48.0, 11.0, 1, clk.Now()), nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestSweepEvictsOutOfRangeAfterGrace(t *testing.T) {
	tbl, clk, id := newTestTable(t)
	evicted := make(map[identity.VehicleID]bool)
	tbl.OnEvict(func(ev identity.VehicleID) { evicted[ev] = true })

	// ~2.2km away: out of range, grace timer starts.
	if err := tbl.ApplySample(id, sampleAt(48.02, 11.0, 2, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	clk.Add(time.Second)
	if got := tbl.Sweep(); len(got) != 0 {
		t.Fatalf("swept %v before grace elapsed", got)
	}
	// Coming back in range clears the grace timer.
	if err := tbl.ApplySample(id, sampleAt(48.005, 11.0, 3, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	clk.Add(4 * time.Second)
	tbl.Touch(id)
	if got := tbl.Sweep(); len(got) != 0 {
		t.Fatalf("swept %v while in range", got)
	}
	// Out of range again, past the grace period this time.
	if err := tbl.ApplySample(id, sampleAt(48.02, 11.0, 4, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	clk.Add(4 * time.Second)
	tbl.Sweep()
	if !evicted[id] {
		t.Fatalf("expected peer to be evicted after grace")
	}
	if _, ok := tbl.Get(id); ok {
		t.Fatalf("record still present after eviction")
	}
}

func TestSweepEvictsSilentPeer(t *testing.T) {
	tbl, clk, id := newTestTable(t)
	if err := tbl.ApplySample(id, sampleAt(48.005, 11.0, 2, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	clk.Add(6 * time.Second)
	got := tbl.Sweep()
	if len(got) != 1 || got[0] != id {
		t.Fatalf("expected silent peer eviction, got %v", got)
	}
}

func TestSweepEvictsRevoked(t *testing.T) {
	tbl, clk, id := newTestTable(t)
	if err := tbl.ApplySample(id, sampleAt(48.005, 11.0, 2, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	tbl.MarkRevoked(id)
	got := tbl.Sweep()
	if len(got) != 1 || got[0] != id {
		t.Fatalf("expected revoked peer eviction, got %v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl, clk, id := newTestTable(t)
	if err := tbl.ApplySample(id, sampleAt(48.005, 11.0, 2, clk.Now()), nil); err != nil {
		t.Fatalf("ApplySample failed: %v", err)
	}
	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	snap[0].Sample.Seq = 999
	rec, _ := tbl.Get(id)
	if rec.Sample.Seq == 999 {
		t.Fatalf("snapshot mutation leaked into the table")
	}
}
