// Package peer owns the proximity lifecycle: which vehicles are in range,
// their latest verified telemetry, and when they get purged.
package peer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"v2vmesh/internal/identity"
	"v2vmesh/internal/spatial"
)

const (
	DefaultRangeMeters = 1000.0
	DefaultGrace       = 3 * time.Second
	DefaultStaleness   = 5 * time.Second
)

var (
	ErrStaleSample = errors.New("stale sample")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Record is the per-peer aggregate. The table hands out copies only;
// nothing outside this package holds a live reference.
type Record struct {
	ID              identity.VehicleID
	Cert            identity.Certificate
	Sample          spatial.Sample
	Trajectory      *spatial.Trajectory
	Distance        float64
	LastSeen        time.Time
	Trust           identity.TrustState
	OutOfRangeSince time.Time // zero while in range

	haveSample bool // a zero Seq is a valid first sample
}

type Options struct {
	RangeMeters float64
	Grace       time.Duration
	Staleness   time.Duration
	Clock       clock.Clock
}

func (o Options) withDefaults() Options {
	if o.RangeMeters <= 0 {
		o.RangeMeters = DefaultRangeMeters
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.Staleness <= 0 {
		o.Staleness = DefaultStaleness
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Table is the single owner of peer records. Mutation happens on exactly
// two paths: sample ingestion (upsert) and the lifecycle sweep (evict).
// Coarse locking is fine at tens of peers.
type Table struct {
	mu      sync.Mutex
	opts    Options
	self    spatial.Sample
	hasSelf bool
	records map[identity.VehicleID]*Record
	onEvict []func(identity.VehicleID)
}

func NewTable(opts Options) *Table {
	return &Table{
		opts:    opts.withDefaults(),
		records: make(map[identity.VehicleID]*Record),
	}
}

// OnEvict registers a callback fired for every purged peer, while the
// table lock is not held. Session key wipe and guard cleanup hang off
// this.
func (t *Table) OnEvict(fn func(identity.VehicleID)) {
	t.mu.Lock()
	t.onEvict = append(t.onEvict, fn)
	t.mu.Unlock()
}

// UpdateSelf records our own latest sample; peer distances are computed
// against it.
func (t *Table) UpdateSelf(s spatial.Sample) {
	t.mu.Lock()
	t.self = s
	t.hasSelf = true
	t.mu.Unlock()
}

func (t *Table) Self() (spatial.Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self, t.hasSelf
}

// Register creates or refreshes a record after a completed handshake.
func (t *Table) Register(cert identity.Certificate) error {
	id, err := cert.ID()
	if err != nil {
		return err
	}
	now := t.opts.Clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		rec = &Record{ID: id, Distance: -1}
		t.records[id] = rec
	}
	rec.Cert = cert
	rec.Trust = identity.TrustTrusted
	rec.LastSeen = now
	return nil
}

// ApplySample ingests a verified telemetry report. Samples whose sequence
// number does not advance the stored one are dropped as ErrStaleSample;
// delivering the same sample twice changes peer state exactly once.
func (t *Table) ApplySample(id identity.VehicleID, sample spatial.Sample, traj *spatial.Trajectory) error {
	now := t.opts.Clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return ErrUnknownPeer
	}
	if rec.haveSample && sample.Seq <= rec.Sample.Seq {
		return ErrStaleSample
	}
	rec.haveSample = true
	rec.Sample = sample
	rec.Trajectory = traj
	rec.LastSeen = now
	if t.hasSelf {
		rec.Distance = t.self.Position.DistanceTo(sample.Position)
	}
	if rec.Distance >= 0 && rec.Distance > t.opts.RangeMeters {
		if rec.OutOfRangeSince.IsZero() {
			rec.OutOfRangeSince = now
		}
	} else {
		rec.OutOfRangeSince = time.Time{}
	}
	return nil
}

// Touch refreshes the staleness clock for non-telemetry traffic
// (heartbeats).
func (t *Table) Touch(id identity.VehicleID) {
	t.mu.Lock()
	if rec, ok := t.records[id]; ok {
		rec.LastSeen = t.opts.Clock.Now()
	}
	t.mu.Unlock()
}

// MarkRevoked flips the record's trust state so the next sweep purges it.
func (t *Table) MarkRevoked(id identity.VehicleID) {
	t.mu.Lock()
	if rec, ok := t.records[id]; ok {
		rec.Trust = identity.TrustRevoked
	}
	t.mu.Unlock()
}

// Sweep purges records out of range past the hysteresis grace, silent past
// the staleness timeout, or revoked. Purge is destructive: the record is
// gone and the evict callbacks wipe associated key material.
func (t *Table) Sweep() []identity.VehicleID {
	now := t.opts.Clock.Now()
	t.mu.Lock()
	var evicted []identity.VehicleID
	for id, rec := range t.records {
		switch {
		case rec.Trust == identity.TrustRevoked:
		case !rec.OutOfRangeSince.IsZero() && now.Sub(rec.OutOfRangeSince) > t.opts.Grace:
		case !rec.LastSeen.IsZero() && now.Sub(rec.LastSeen) > t.opts.Staleness:
		default:
			continue
		}
		delete(t.records, id)
		evicted = append(evicted, id)
	}
	callbacks := t.onEvict
	t.mu.Unlock()

	for _, id := range evicted {
		for _, fn := range callbacks {
			fn(id)
		}
	}
	return evicted
}

// Evict removes one peer immediately, with the same destructive semantics
// as Sweep.
func (t *Table) Evict(id identity.VehicleID) bool {
	t.mu.Lock()
	_, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	callbacks := t.onEvict
	t.mu.Unlock()
	if !ok {
		return false
	}
	for _, fn := range callbacks {
		fn(id)
	}
	return true
}

func (t *Table) Get(id identity.VehicleID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns a stable, sorted copy of the table for the evaluation
// cycle. The caller can hold it as long as it likes without blocking
// ingestion.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, cloneRecord(rec))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return out
}

func cloneRecord(rec *Record) Record {
	out := *rec
	if rec.Trajectory != nil {
		traj := *rec.Trajectory
		traj.Points = append([]spatial.TrajectoryPoint(nil), rec.Trajectory.Points...)
		out.Trajectory = &traj
	}
	return out
}
