// Package collision evaluates closest-approach geometry against peer
// snapshots and arbitrates a single avoidance directive per cycle.
package collision

import (
	"math"
	"sort"
	"time"

	"v2vmesh/internal/identity"
	"v2vmesh/internal/peer"
	"v2vmesh/internal/spatial"
)

type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskCaution
	RiskImminent
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskCaution:
		return "caution"
	case RiskImminent:
		return "imminent"
	default:
		return "unknown"
	}
}

type Action string

const (
	ActionNone      Action = "none"
	ActionMonitor   Action = "monitor"
	ActionSlowDown  Action = "slow_down"
	ActionHardBrake Action = "hard_brake"
)

// Assessment is recomputed from scratch every cycle; it is never stored.
type Assessment struct {
	PeerID        identity.VehicleID
	TCA           float64 // seconds to closest approach, [0, horizon]
	MinSeparation float64 // meters at closest approach
	Risk          RiskLevel
}

// Directive is what the vehicle control collaborator receives.
type Directive struct {
	Action         Action
	Risk           RiskLevel
	EvidencePeerID identity.VehicleID
	TCA            float64
	MinSeparation  float64
	IssuedAt       time.Time
}

const (
	DefaultSafetyRadiusMeters  = 15.0
	DefaultCautionRadiusMeters = 50.0
	DefaultHorizonSeconds      = 5.0
)

type Config struct {
	SafetyRadiusMeters  float64
	CautionRadiusMeters float64
	HorizonSeconds      float64
}

func (c Config) withDefaults() Config {
	if c.SafetyRadiusMeters <= 0 {
		c.SafetyRadiusMeters = DefaultSafetyRadiusMeters
	}
	if c.CautionRadiusMeters <= 0 {
		c.CautionRadiusMeters = DefaultCautionRadiusMeters
	}
	if c.HorizonSeconds <= 0 {
		c.HorizonSeconds = DefaultHorizonSeconds
	}
	return c
}

// Engine is a pure consumer: it reads table snapshots and emits at most
// one directive per evaluation, never touching peer state.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Assess computes the risk for a single peer relative to our own sample.
func (e *Engine) Assess(self spatial.Sample, rec peer.Record) Assessment {
	out := Assessment{PeerID: rec.ID, Risk: RiskNone}
	if rec.Sample.Timestamp.IsZero() {
		out.MinSeparation = math.Inf(1)
		return out
	}
	tca, minSep := e.closestApproach(self, rec)
	out.TCA = tca
	out.MinSeparation = minSep
	switch {
	case minSep < e.cfg.SafetyRadiusMeters && tca <= e.cfg.HorizonSeconds:
		out.Risk = RiskImminent
	case minSep < e.cfg.CautionRadiusMeters && tca <= e.cfg.HorizonSeconds:
		out.Risk = RiskCaution
	}
	return out
}

// closestApproach works in a local east/north frame centered on self.
// With relative position r and relative velocity v, separation over time
// is |r + v*t|; the minimum inside the horizon is at t = -(r·v)/|v|^2.
// When the peer shipped a predicted trajectory, predicted positions are
// sampled instead of the pure linear model.
func (e *Engine) closestApproach(self spatial.Sample, rec peer.Record) (tca, minSep float64) {
	if rec.Trajectory != nil && len(rec.Trajectory.Points) >= 2 {
		if tca, minSep, ok := e.closestApproachSampled(self, *rec.Trajectory); ok {
			return tca, minSep
		}
	}
	rx, ry := self.Position.ENUOffset(rec.Sample.Position)
	sve, svn := self.Velocity.Vector()
	pve, pvn := rec.Sample.Velocity.Vector()
	vx := pve - sve
	vy := pvn - svn

	v2 := vx*vx + vy*vy
	if v2 < 1e-9 {
		// No relative motion: separation is constant.
		return 0, math.Hypot(rx, ry)
	}
	tca = -(rx*vx + ry*vy) / v2
	if tca < 0 {
		tca = 0
	}
	if tca > e.cfg.HorizonSeconds {
		tca = e.cfg.HorizonSeconds
	}
	minSep = math.Hypot(rx+vx*tca, ry+vy*tca)
	return tca, minSep
}

// closestApproachSampled steps along the peer's announced trajectory and
// our own linear extrapolation, taking the minimum sampled separation.
// Returns ok=false when the trajectory yields no usable positions, in
// which case the caller falls back to the linear model.
func (e *Engine) closestApproachSampled(self spatial.Sample, traj spatial.Trajectory) (tca, minSep float64, ok bool) {
	const step = 0.1
	minSep = math.Inf(1)
	for t := 0.0; t <= e.cfg.HorizonSeconds+1e-9; t += step {
		peerPos, valid := traj.PositionAt(t)
		if !valid {
			break
		}
		selfPos := self.Extrapolate(t)
		d := selfPos.DistanceTo(peerPos)
		if d < minSep {
			minSep = d
			tca = t
		}
	}
	if math.IsInf(minSep, 1) {
		return 0, 0, false
	}
	return tca, minSep, true
}

// Evaluate assesses every snapshot record and arbitrates one directive.
// Ordering is ascending time to closest approach with peer id as the tie
// break, so two nodes fed the same snapshot emit the same directive.
func (e *Engine) Evaluate(self spatial.Sample, snapshot []peer.Record, now time.Time) ([]Assessment, *Directive) {
	assessments := make([]Assessment, 0, len(snapshot))
	for _, rec := range snapshot {
		assessments = append(assessments, e.Assess(self, rec))
	}
	sort.Slice(assessments, func(i, j int) bool {
		if assessments[i].TCA != assessments[j].TCA {
			return assessments[i].TCA < assessments[j].TCA
		}
		return assessments[i].PeerID.Hex() < assessments[j].PeerID.Hex()
	})

	worst := pickMostUrgent(assessments)
	if worst == nil {
		return assessments, nil
	}
	d := &Directive{
		Risk:           worst.Risk,
		EvidencePeerID: worst.PeerID,
		TCA:            worst.TCA,
		MinSeparation:  worst.MinSeparation,
		IssuedAt:       now,
	}
	switch worst.Risk {
	case RiskImminent:
		if worst.TCA < 1.0 {
			d.Action = ActionHardBrake
		} else {
			d.Action = ActionSlowDown
		}
	case RiskCaution:
		d.Action = ActionMonitor
	}
	return assessments, d
}

// pickMostUrgent returns the first imminent assessment, else the first
// caution, else nil. The slice is already urgency-sorted.
func pickMostUrgent(sorted []Assessment) *Assessment {
	for i := range sorted {
		if sorted[i].Risk == RiskImminent {
			return &sorted[i]
		}
	}
	for i := range sorted {
		if sorted[i].Risk == RiskCaution {
			return &sorted[i]
		}
	}
	return nil
}
