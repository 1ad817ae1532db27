package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DirectiveHeader is a compact record of an emitted avoidance directive,
// kept in a bounded recent list for diagnostics.
type DirectiveHeader struct {
	PeerID   string  `json:"peer_id"`
	Risk     string  `json:"risk"`
	Action   string  `json:"action"`
	TCA      float64 `json:"tca_seconds"`
	IssuedAt int64   `json:"issued_at_ms"`
}

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Ingest      IngestMetrics     `json:"ingest"`
	Session     SessionMetrics    `json:"session"`
	Lifecycle   LifecycleMetrics  `json:"lifecycle"`
	Collision   CollisionMetrics  `json:"collision"`
	Recent      []DirectiveHeader `json:"recent_directives"`
}

type IngestMetrics struct {
	Accepted        uint64 `json:"accepted"`
	DropMalformed   uint64 `json:"drop_malformed"`
	DropUnauth      uint64 `json:"drop_unauthenticated"`
	DropReplayed    uint64 `json:"drop_replayed"`
	DropRateLimited uint64 `json:"drop_rate_limited"`
	DropStale       uint64 `json:"drop_stale"`
}

type SessionMetrics struct {
	HandshakesStarted   uint64 `json:"handshakes_started"`
	HandshakesCompleted uint64 `json:"handshakes_completed"`
	HandshakesFailed    uint64 `json:"handshakes_failed"`
	Rekeys              uint64 `json:"rekeys"`
	Revocations         uint64 `json:"revocations"`
}

type LifecycleMetrics struct {
	PeersRegistered uint64 `json:"peers_registered"`
	PeersEvicted    uint64 `json:"peers_evicted"`
}

type CollisionMetrics struct {
	Evaluations       uint64 `json:"evaluations"`
	DirectivesEmitted uint64 `json:"directives_emitted"`
	EmergencyCycles   uint64 `json:"emergency_cycles"`
}

type Metrics struct {
	accepted        atomic.Uint64
	dropMalformed   atomic.Uint64
	dropUnauth      atomic.Uint64
	dropReplayed    atomic.Uint64
	dropRateLimited atomic.Uint64
	dropStale       atomic.Uint64

	handshakesStarted   atomic.Uint64
	handshakesCompleted atomic.Uint64
	handshakesFailed    atomic.Uint64
	rekeys              atomic.Uint64
	revocations         atomic.Uint64

	peersRegistered atomic.Uint64
	peersEvicted    atomic.Uint64

	evaluations       atomic.Uint64
	directivesEmitted atomic.Uint64
	emergencyCycles   atomic.Uint64

	recent *DirectiveRecent
}

func New() *Metrics {
	return &Metrics{recent: NewDirectiveRecent(64)}
}

func (m *Metrics) Recent() *DirectiveRecent { return m.recent }

func (m *Metrics) IncAccepted()            { m.accepted.Add(1) }
func (m *Metrics) IncDropMalformed()       { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropUnauth()          { m.dropUnauth.Add(1) }
func (m *Metrics) IncDropReplayed()        { m.dropReplayed.Add(1) }
func (m *Metrics) IncDropRateLimited()     { m.dropRateLimited.Add(1) }
func (m *Metrics) IncDropStale()           { m.dropStale.Add(1) }
func (m *Metrics) IncHandshakesStarted()   { m.handshakesStarted.Add(1) }
func (m *Metrics) IncHandshakesCompleted() { m.handshakesCompleted.Add(1) }
func (m *Metrics) IncHandshakesFailed()    { m.handshakesFailed.Add(1) }
func (m *Metrics) IncRekeys()              { m.rekeys.Add(1) }
func (m *Metrics) IncRevocations()         { m.revocations.Add(1) }
func (m *Metrics) IncPeersRegistered()     { m.peersRegistered.Add(1) }
func (m *Metrics) IncPeersEvicted()        { m.peersEvicted.Add(1) }
func (m *Metrics) IncEvaluations()         { m.evaluations.Add(1) }
func (m *Metrics) IncDirectivesEmitted()   { m.directivesEmitted.Add(1) }
func (m *Metrics) IncEmergencyCycles()     { m.emergencyCycles.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	recent := []DirectiveHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Ingest: IngestMetrics{
			Accepted:        m.accepted.Load(),
			DropMalformed:   m.dropMalformed.Load(),
			DropUnauth:      m.dropUnauth.Load(),
			DropReplayed:    m.dropReplayed.Load(),
			DropRateLimited: m.dropRateLimited.Load(),
			DropStale:       m.dropStale.Load(),
		},
		Session: SessionMetrics{
			HandshakesStarted:   m.handshakesStarted.Load(),
			HandshakesCompleted: m.handshakesCompleted.Load(),
			HandshakesFailed:    m.handshakesFailed.Load(),
			Rekeys:              m.rekeys.Load(),
			Revocations:         m.revocations.Load(),
		},
		Lifecycle: LifecycleMetrics{
			PeersRegistered: m.peersRegistered.Load(),
			PeersEvicted:    m.peersEvicted.Load(),
		},
		Collision: CollisionMetrics{
			Evaluations:       m.evaluations.Load(),
			DirectivesEmitted: m.directivesEmitted.Load(),
			EmergencyCycles:   m.emergencyCycles.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type DirectiveRecent struct {
	mu   sync.Mutex
	cap  int
	list []DirectiveHeader
}

func NewDirectiveRecent(capacity int) *DirectiveRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DirectiveRecent{cap: capacity}
}

func (r *DirectiveRecent) Add(h DirectiveHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *DirectiveRecent) List() []DirectiveHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DirectiveHeader, len(r.list))
	copy(out, r.list)
	return out
}
