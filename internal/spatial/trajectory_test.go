package spatial

import (
	"math"
	"testing"
	"time"
)

func validTrajectory() Trajectory {
	return Trajectory{
		Reference: time.Now(),
		Points: []TrajectoryPoint{
			{Position: Position{Latitude: 0, Longitude: 0}, TimeOffset: 0, Confidence: 0.9},
			{Position: Position{Latitude: 0.001, Longitude: 0}, TimeOffset: 1, Confidence: 0.8},
			{Position: Position{Latitude: 0.002, Longitude: 0}, TimeOffset: 2, Confidence: 0.7},
		},
	}
}

func TestTrajectoryValidate(t *testing.T) {
	if err := validTrajectory().Validate(); err != nil {
		t.Fatalf("valid trajectory rejected: %v", err)
	}

	empty := Trajectory{Reference: time.Now()}
	if err := empty.Validate(); err == nil {
		t.Fatalf("empty trajectory accepted")
	}

	long := Trajectory{Reference: time.Now()}
	for i := 0; i <= MaxTrajectoryPoints; i++ {
		long.Points = append(long.Points, TrajectoryPoint{TimeOffset: float64(i), Confidence: 0.5})
	}
	if err := long.Validate(); err == nil {
		t.Fatalf("oversized trajectory accepted")
	}

	bad := validTrajectory()
	bad.Points[2].TimeOffset = bad.Points[1].TimeOffset
	if err := bad.Validate(); err == nil {
		t.Fatalf("non-increasing offsets accepted")
	}

	bad = validTrajectory()
	bad.Points[1].Confidence = 1.5
	if err := bad.Validate(); err == nil {
		t.Fatalf("confidence > 1 accepted")
	}

	bad = validTrajectory()
	bad.Points[0].Position.Latitude = 91
	if err := bad.Validate(); err == nil {
		t.Fatalf("invalid point position accepted")
	}
}

func TestTrajectoryPositionAt(t *testing.T) {
	tr := validTrajectory()

	p, ok := tr.PositionAt(0.5)
	if !ok {
		t.Fatalf("interpolation failed")
	}
	if math.Abs(p.Latitude-0.0005) > 1e-9 {
		t.Fatalf("midpoint latitude = %v, want 0.0005", p.Latitude)
	}

	// Clamps at both ends instead of extrapolating.
	if p, _ := tr.PositionAt(-1); p != tr.Points[0].Position {
		t.Fatalf("before span: %+v", p)
	}
	if p, _ := tr.PositionAt(100); p != tr.Points[2].Position {
		t.Fatalf("after span: %+v", p)
	}

	if _, ok := (Trajectory{}).PositionAt(0); ok {
		t.Fatalf("empty trajectory returned a position")
	}
}

func TestLinearTrajectory(t *testing.T) {
	s := Sample{
		Position:  Position{Latitude: 10, Longitude: 20},
		Velocity:  Velocity{Speed: 10, Heading: 90},
		Timestamp: time.Now(),
	}
	tr := LinearTrajectory(s, 5, 0.5)
	if err := tr.Validate(); err != nil {
		t.Fatalf("fallback trajectory invalid: %v", err)
	}
	if len(tr.Points) > MaxTrajectoryPoints {
		t.Fatalf("fallback exceeds point bound: %d", len(tr.Points))
	}
	if tr.Points[0].Position != s.Position {
		t.Fatalf("first point is not the sample position")
	}
	last := tr.Points[len(tr.Points)-1]
	moved := s.Position.DistanceTo(last.Position)
	want := s.Velocity.Speed * last.TimeOffset
	if math.Abs(moved-want) > 1 {
		t.Fatalf("moved %v m over %v s at 10 m/s", moved, last.TimeOffset)
	}

	// A huge horizon is truncated at the bound rather than rejected.
	long := LinearTrajectory(s, 100, 0.5)
	if len(long.Points) != MaxTrajectoryPoints {
		t.Fatalf("long horizon produced %d points", len(long.Points))
	}
}
