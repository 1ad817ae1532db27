// Package guard is the cheap admission gate in front of envelope decode:
// a per-peer token bucket checked before any crypto, and a per-peer replay
// window checked after signature verification.
package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"v2vmesh/internal/identity"
)

var (
	ErrReplayed      = errors.New("nonce replayed")
	ErrRateLimited   = errors.New("rate limited")
	ErrTimestampSkew = errors.New("timestamp outside skew tolerance")
)

const (
	DefaultSkew       = 2 * time.Second
	DefaultRate       = 10 // messages per second per peer
	DefaultBurst      = 20
	DefaultWindowSize = 128
)

type Config struct {
	Skew       time.Duration
	Rate       float64
	Burst      int
	WindowSize int
}

func (c Config) withDefaults() Config {
	if c.Skew <= 0 {
		c.Skew = DefaultSkew
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	return c
}

type nonceEntry struct {
	nonce    string
	accepted time.Time
}

type peerState struct {
	limiter *rate.Limiter
	nonces  map[string]struct{}
	order   []nonceEntry // FIFO, oldest first
	lastTS  time.Time    // highest accepted message timestamp
}

// Guard tracks admission state per peer. All methods are safe for
// concurrent use.
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	peers map[identity.VehicleID]*peerState
}

func New(cfg Config, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.New()
	}
	return &Guard{
		cfg:   cfg.withDefaults(),
		clock: clk,
		peers: make(map[identity.VehicleID]*peerState),
	}
}

func (g *Guard) peer(id identity.VehicleID) *peerState {
	ps, ok := g.peers[id]
	if !ok {
		ps = &peerState{
			limiter: rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.Burst),
			nonces:  make(map[string]struct{}),
		}
		g.peers[id] = ps
	}
	return ps
}

// AllowRate consumes one token from the peer's bucket. It is called before
// decode so a flooding peer only ever costs the rejection path.
func (g *Guard) AllowRate(id identity.VehicleID) error {
	g.mu.Lock()
	ps := g.peer(id)
	g.mu.Unlock()
	if !ps.limiter.AllowN(g.clock.Now(), 1) {
		return ErrRateLimited
	}
	return nil
}

// Admit records a verified message's nonce and timestamp. It rejects
// timestamps outside the skew tolerance, timestamps that regress past the
// tolerance, and nonces already present in the peer's window.
func (g *Guard) Admit(id identity.VehicleID, nonce []byte, ts time.Time) error {
	now := g.clock.Now()
	if ts.Before(now.Add(-g.cfg.Skew)) || ts.After(now.Add(g.cfg.Skew)) {
		return ErrTimestampSkew
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	ps := g.peer(id)
	if !ps.lastTS.IsZero() && ts.Before(ps.lastTS.Add(-g.cfg.Skew)) {
		return ErrTimestampSkew
	}
	key := string(nonce)
	if _, seen := ps.nonces[key]; seen {
		return ErrReplayed
	}

	ps.nonces[key] = struct{}{}
	ps.order = append(ps.order, nonceEntry{nonce: key, accepted: now})
	if ts.After(ps.lastTS) {
		ps.lastTS = ts
	}
	for len(ps.order) > g.cfg.WindowSize {
		delete(ps.nonces, ps.order[0].nonce)
		ps.order = ps.order[1:]
	}
	return nil
}

// Sweep drops window entries older than the skew tolerance (their
// timestamps could no longer be admitted anyway) and forgets peers whose
// windows have emptied.
func (g *Guard) Sweep() {
	cutoff := g.clock.Now().Add(-2 * g.cfg.Skew)
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ps := range g.peers {
		i := 0
		for i < len(ps.order) && ps.order[i].accepted.Before(cutoff) {
			delete(ps.nonces, ps.order[i].nonce)
			i++
		}
		ps.order = ps.order[i:]
		if len(ps.order) == 0 && ps.limiter.TokensAt(g.clock.Now()) >= float64(g.cfg.Burst) {
			delete(g.peers, id)
		}
	}
}

// Forget discards all admission state for a peer. Called when the peer is
// evicted or revoked.
func (g *Guard) Forget(id identity.VehicleID) {
	g.mu.Lock()
	delete(g.peers, id)
	g.mu.Unlock()
}
