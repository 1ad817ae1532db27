package guard

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"v2vmesh/internal/identity"
)

func testPeer(b byte) identity.VehicleID {
	var id identity.VehicleID
	id[0] = b
	return id
}

func TestAdmitRejectsReplay(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	g := New(Config{}, clk)
	peer := testPeer(1)
	nonce := []byte("nonce-aaaa-bbbb-cccc-dddd")

	if err := g.Admit(peer, nonce, clk.Now()); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	if err := g.Admit(peer, nonce, clk.Now()); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
	// Same nonce from a different peer is fine: windows are per peer.
	if err := g.Admit(testPeer(2), nonce, clk.Now()); err != nil {
		t.Fatalf("admit for other peer failed: %v", err)
	}
}

func TestAdmitRejectsSkewedTimestamps(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	g := New(Config{Skew: 2 * time.Second}, clk)
	peer := testPeer(1)

	if err := g.Admit(peer, []byte("n1"), clk.Now().Add(-3*time.Second)); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew for old timestamp, got %v", err)
	}
	if err := g.Admit(peer, []byte("n2"), clk.Now().Add(3*time.Second)); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew for future timestamp, got %v", err)
	}
	if err := g.Admit(peer, []byte("n3"), clk.Now().Add(time.Second)); err != nil {
		t.Fatalf("admit within skew failed: %v", err)
	}
	// The highest accepted timestamp sets a floor: later messages may lag
	// it by at most the tolerance.
	if err := g.Admit(peer, []byte("n4"), clk.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("admit at skew boundary failed: %v", err)
	}
	if err := g.Admit(peer, []byte("n5"), clk.Now().Add(-time.Second)); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew for timestamp regressing past tolerance, got %v", err)
	}
	if err := g.Admit(peer, []byte("n6"), clk.Now().Add(time.Second)); err != nil {
		t.Fatalf("admit within regression tolerance failed: %v", err)
	}
}

func TestAllowRateExhaustsBurst(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	g := New(Config{Rate: 10, Burst: 5}, clk)
	peer := testPeer(1)

	for i := 0; i < 5; i++ {
		if err := g.AllowRate(peer); err != nil {
			t.Fatalf("message %d unexpectedly limited: %v", i, err)
		}
	}
	if err := g.AllowRate(peer); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// One token refills after 100ms at 10/s.
	clk.Add(150 * time.Millisecond)
	if err := g.AllowRate(peer); err != nil {
		t.Fatalf("expected refill to admit, got %v", err)
	}
}

func TestWindowBounded(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	g := New(Config{WindowSize: 4, Skew: time.Hour}, clk)
	peer := testPeer(1)

	for i := 0; i < 8; i++ {
		if err := g.Admit(peer, []byte(fmt.Sprintf("n%d", i)), clk.Now()); err != nil {
			t.Fatalf("admit %d failed: %v", i, err)
		}
	}
	g.mu.Lock()
	n := len(g.peers[peer].nonces)
	g.mu.Unlock()
	if n != 4 {
		t.Fatalf("window size = %d, want 4", n)
	}
	// The oldest nonce fell out of the window; it is no longer detected as a
	// replay. That is the documented bounded-memory trade-off.
	if err := g.Admit(peer, []byte("n0"), clk.Now()); err != nil {
		t.Fatalf("re-admit of evicted nonce failed: %v", err)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	g := New(Config{Skew: time.Second}, clk)
	peer := testPeer(1)
	if err := g.Admit(peer, []byte("n1"), clk.Now()); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	clk.Add(10 * time.Second)
	g.Sweep()
	g.mu.Lock()
	_, ok := g.peers[peer]
	g.mu.Unlock()
	if ok {
		t.Fatalf("expected idle peer to be forgotten after sweep")
	}
}

func TestForget(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	g := New(Config{}, clk)
	peer := testPeer(1)
	if err := g.Admit(peer, []byte("n1"), clk.Now()); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	g.Forget(peer)
	if err := g.Admit(peer, []byte("n1"), clk.Now()); err != nil {
		t.Fatalf("admit after forget failed: %v", err)
	}
}
