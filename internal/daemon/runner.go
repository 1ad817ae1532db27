// Package daemon wires the protocol stack into a running node: one
// verified ingestion path for everything that arrives off the wire, the
// lifecycle and evaluation tickers, and the outbound staging queues.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"v2vmesh/internal/collision"
	"v2vmesh/internal/config"
	"v2vmesh/internal/dispatch"
	"v2vmesh/internal/guard"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/metrics"
	"v2vmesh/internal/network"
	"v2vmesh/internal/peer"
	"v2vmesh/internal/session"
	"v2vmesh/internal/spatial"
	"v2vmesh/internal/store"
)

// Runner owns every long-lived component of a node. All inbound traffic
// funnels through Ingest; there is no second path into the peer table or
// the session manager.
type Runner struct {
	Cfg      config.Config
	Trust    *identity.Store
	Sessions *session.Manager
	Table    *peer.Table
	Guard    *guard.Guard
	Engine   *collision.Engine
	Notifier *collision.Notifier
	Router   *dispatch.Router
	Metrics  *metrics.Metrics

	// Revocations survive restarts; everything else is rebuilt live.
	Revocations *store.Journal

	clk       clock.Clock
	snapPath  string
	peersPath string

	listenMu   sync.RWMutex
	listenAddr string

	addrMu sync.Mutex
	addrs  map[identity.VehicleID]string

	retryMu sync.Mutex
	retries map[identity.VehicleID]int

	outMu sync.Mutex
	out   map[identity.VehicleID]*dispatch.Outbound

	shareMu sync.Mutex
	shared  map[identity.VehicleID]uint64 // last epoch shared with each peer

	bcastSeq atomic.Uint64

	evalMu sync.Mutex

	predictor Predictor
	trackMu   sync.Mutex
	track     []spatial.Sample // recent own samples, newest last

	exchange func(ctx context.Context, addr string, data []byte) ([]byte, error)
	send     func(ctx context.Context, addr string, data []byte) error
}

// Predictor produces a trajectory estimate from a vehicle's recent track.
// Implementations are typically remote model clients; errors and timeouts
// are not fatal, the caller falls back to constant-velocity extrapolation.
type Predictor interface {
	Predict(ctx context.Context, id identity.VehicleID, recent []spatial.Sample) (spatial.Trajectory, error)
}

// Options carries optional collaborators; zero values get production
// defaults. Tests inject a mock clock and in-process transport hooks.
type Options struct {
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Predictor Predictor
	Exchange  func(ctx context.Context, addr string, data []byte) ([]byte, error)
	Send      func(ctx context.Context, addr string, data []byte) error
}

func NewRunner(cfg config.Config, cert identity.Certificate, pub, priv []byte, trust *identity.Store, opts Options) (*Runner, error) {
	if trust == nil {
		return nil, fmt.Errorf("missing trust store")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	sessions, err := session.NewManager(cert, pub, priv, trust, session.Config{
		KeyLifetime:      cfg.KeyLifetime,
		MaxMessages:      cfg.MaxMessages,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, clk)
	if err != nil {
		return nil, err
	}
	snapPath := cfg.MetricsPath
	if snapPath == "" {
		snapPath = filepath.Join(cfg.DataDir, "metrics.json")
	}
	r := &Runner{
		Cfg:       cfg,
		Trust:    trust,
		Sessions: sessions,
		Table: peer.NewTable(peer.Options{
			RangeMeters: cfg.RangeMeters,
			Grace:       cfg.GracePeriod,
			Staleness:   cfg.Staleness,
			Clock:       clk,
		}),
		Guard: guard.New(guard.Config{
			Skew:       cfg.ClockSkew,
			Rate:       cfg.MessageRate,
			Burst:      cfg.MessageBurst,
			WindowSize: cfg.ReplayWindow,
		}, clk),
		Engine: collision.NewEngine(collision.Config{
			SafetyRadiusMeters:  cfg.SafetyRadius,
			CautionRadiusMeters: cfg.CautionRadius,
			HorizonSeconds:      cfg.HorizonSeconds,
		}),
		Notifier:    collision.NewNotifier(),
		Revocations: store.New(filepath.Join(cfg.DataDir, "revocations.jsonl")),
		Router:   dispatch.NewRouter(),
		Metrics:  m,
		clk:       clk,
		snapPath:  snapPath,
		peersPath: filepath.Join(cfg.DataDir, "peers.json"),
		addrs:    make(map[identity.VehicleID]string),
		retries:  make(map[identity.VehicleID]int),
		out:      make(map[identity.VehicleID]*dispatch.Outbound),
		shared:    make(map[identity.VehicleID]uint64),
		predictor: opts.Predictor,
		exchange:  opts.Exchange,
		send:      opts.Send,
	}
	if r.exchange == nil {
		r.exchange = network.Exchange
	}
	if r.send == nil {
		r.send = network.Send
	}

	// An evicted peer loses everything at once: session keys, replay
	// window, limiter state, staged frames and the cached address.
	r.Table.OnEvict(func(id identity.VehicleID) {
		r.Sessions.Drop(id)
		r.Guard.Forget(id)
		r.forgetPeer(id)
		r.Metrics.IncPeersEvicted()
	})
	trust.OnRevoke(func(id identity.VehicleID) {
		r.Sessions.MarkRevoked(id)
		r.Table.MarkRevoked(id)
		r.Metrics.IncRevocations()
	})

	// Replay persisted revocations so a restart cannot re-admit a peer
	// that was revoked before the crash.
	notices, err := r.Revocations.List()
	if err != nil {
		return nil, fmt.Errorf("replay revocation journal: %w", err)
	}
	for _, n := range notices {
		id, err := identity.ParseVehicleID(n.TargetID)
		if err != nil {
			continue
		}
		if !trust.IsRevoked(id) {
			trust.Revoke(id)
		}
	}

	r.subscribeHandlers()
	return r, nil
}

func (r *Runner) SelfID() identity.VehicleID { return r.Sessions.SelfID() }

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

func (r *Runner) peerAddr(id identity.VehicleID) (string, bool) {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	addr, ok := r.addrs[id]
	return addr, ok
}

func (r *Runner) recordAddr(id identity.VehicleID, addr string) {
	if addr == "" {
		return
	}
	r.addrMu.Lock()
	r.addrs[id] = addr
	r.addrMu.Unlock()
}

func (r *Runner) forgetPeer(id identity.VehicleID) {
	r.addrMu.Lock()
	delete(r.addrs, id)
	r.addrMu.Unlock()
	r.retryMu.Lock()
	delete(r.retries, id)
	r.retryMu.Unlock()
	r.outMu.Lock()
	delete(r.out, id)
	r.outMu.Unlock()
	r.shareMu.Lock()
	delete(r.shared, id)
	r.shareMu.Unlock()
}

func (r *Runner) queueFor(id identity.VehicleID) *dispatch.Outbound {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	q, ok := r.out[id]
	if !ok {
		q = dispatch.NewOutbound(dispatch.DefaultQueueCap)
		r.out[id] = q
	}
	return q
}
