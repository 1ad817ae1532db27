package spatial

import (
	"fmt"
	"time"
)

// MaxTrajectoryPoints bounds predictor output. Longer estimates are
// rejected at the wire, not truncated silently.
const MaxTrajectoryPoints = 20

// TrajectoryPoint is one predicted fix, offset seconds ahead of the
// trajectory's reference time.
type TrajectoryPoint struct {
	Position   Position `json:"position"`
	TimeOffset float64  `json:"t"`    // seconds from reference
	Confidence float64  `json:"conf"` // [0,1]
}

// Trajectory is an externally supplied prediction. The protocol treats it
// as opaque data: it is validated for shape, never recomputed.
type Trajectory struct {
	Points    []TrajectoryPoint `json:"points"`
	Reference time.Time         `json:"ref"`
}

func (t Trajectory) Validate() error {
	if len(t.Points) == 0 {
		return fmt.Errorf("empty trajectory")
	}
	if len(t.Points) > MaxTrajectoryPoints {
		return fmt.Errorf("trajectory too long: %d points", len(t.Points))
	}
	prev := -1.0
	for i, pt := range t.Points {
		if err := pt.Position.Validate(); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		if pt.TimeOffset < 0 || pt.TimeOffset <= prev {
			return fmt.Errorf("point %d: non-increasing time offset", i)
		}
		if pt.Confidence < 0 || pt.Confidence > 1 {
			return fmt.Errorf("point %d: confidence out of range", i)
		}
		prev = pt.TimeOffset
	}
	return nil
}

// PositionAt interpolates the predicted position at offset seconds.
// Outside the covered span it clamps to the nearest endpoint.
func (t Trajectory) PositionAt(offset float64) (Position, bool) {
	if len(t.Points) == 0 {
		return Position{}, false
	}
	if offset <= t.Points[0].TimeOffset {
		return t.Points[0].Position, true
	}
	last := t.Points[len(t.Points)-1]
	if offset >= last.TimeOffset {
		return last.Position, true
	}
	for i := 1; i < len(t.Points); i++ {
		a, b := t.Points[i-1], t.Points[i]
		if offset > b.TimeOffset {
			continue
		}
		span := b.TimeOffset - a.TimeOffset
		if span <= 0 {
			return b.Position, true
		}
		f := (offset - a.TimeOffset) / span
		return Position{
			Latitude:  a.Position.Latitude + f*(b.Position.Latitude-a.Position.Latitude),
			Longitude: a.Position.Longitude + f*(b.Position.Longitude-a.Position.Longitude),
			Altitude:  a.Position.Altitude + f*(b.Position.Altitude-a.Position.Altitude),
			Accuracy:  a.Position.Accuracy,
		}, true
	}
	return last.Position, true
}

// LinearTrajectory builds a constant-velocity fallback estimate from a
// sample, used when the external predictor fails or times out.
func LinearTrajectory(s Sample, horizon float64, step float64) Trajectory {
	if step <= 0 {
		step = 0.5
	}
	n := int(horizon/step) + 1
	if n > MaxTrajectoryPoints {
		n = MaxTrajectoryPoints
	}
	pts := make([]TrajectoryPoint, 0, n)
	for i := 0; i < n; i++ {
		dt := float64(i) * step
		pts = append(pts, TrajectoryPoint{
			Position:   s.Extrapolate(dt),
			TimeOffset: dt,
			Confidence: 0.5,
		})
	}
	return Trajectory{Points: pts, Reference: s.Timestamp}
}
