package spatial

import (
	"fmt"
	"math"
	"time"
)

const earthRadiusMeters = 6371000.0

// Position is a WGS84 fix with a reported accuracy radius.
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt"`
	Accuracy  float64 `json:"acc"` // meters
}

// Velocity is speed over ground plus heading in degrees clockwise from north.
type Velocity struct {
	Speed   float64 `json:"speed"`   // m/s
	Heading float64 `json:"heading"` // degrees, [0,360)
}

// Sample is one spatial observation for a vehicle. Samples are immutable;
// a newer sample supersedes the previous one, it never patches it.
type Sample struct {
	Position     Position  `json:"position"`
	Velocity     Velocity  `json:"velocity"`
	Acceleration float64   `json:"accel"` // m/s^2, along heading
	Monotonic    int64     `json:"mono"`  // sender monotonic clock, nanoseconds
	Timestamp    time.Time `json:"ts"`
	Seq          uint64    `json:"seq"` // strictly increasing per vehicle
}

func (p Position) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %v", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %v", p.Longitude)
	}
	if p.Accuracy < 0 {
		return fmt.Errorf("negative accuracy: %v", p.Accuracy)
	}
	return nil
}

func (v Velocity) Validate() error {
	if v.Speed < 0 {
		return fmt.Errorf("negative speed: %v", v.Speed)
	}
	if v.Heading < 0 || v.Heading >= 360 {
		return fmt.Errorf("heading out of range: %v", v.Heading)
	}
	return nil
}

func (s Sample) Validate() error {
	if err := s.Position.Validate(); err != nil {
		return err
	}
	if err := s.Velocity.Validate(); err != nil {
		return err
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return nil
}

// DistanceTo returns the great-circle distance in meters (haversine).
func (p Position) DistanceTo(other Position) float64 {
	lat1 := p.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := (other.Latitude - p.Latitude) * math.Pi / 180
	dLon := (other.Longitude - p.Longitude) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// BearingTo returns the initial bearing toward other, degrees [0,360).
func (p Position) BearingTo(other Position) float64 {
	lat1 := p.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLon := (other.Longitude - p.Longitude) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	bearing := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// ENUOffset projects other into a local east/north tangent plane centered
// on p. Equirectangular approximation; adequate well past communication
// range at vehicular latitudes.
func (p Position) ENUOffset(other Position) (east, north float64) {
	lat0 := p.Latitude * math.Pi / 180
	east = earthRadiusMeters * (other.Longitude - p.Longitude) * math.Pi / 180 * math.Cos(lat0)
	north = earthRadiusMeters * (other.Latitude - p.Latitude) * math.Pi / 180
	return east, north
}

// Vector returns the velocity as an (east, north) component pair.
func (v Velocity) Vector() (east, north float64) {
	rad := v.Heading * math.Pi / 180
	return v.Speed * math.Sin(rad), v.Speed * math.Cos(rad)
}

// Extrapolate projects the sample position dt seconds forward assuming
// constant velocity. Used when no trajectory estimate is available.
func (s Sample) Extrapolate(dt float64) Position {
	ve, vn := s.Velocity.Vector()
	dLat := vn * dt / earthRadiusMeters * 180 / math.Pi
	lat0 := s.Position.Latitude * math.Pi / 180
	dLon := 0.0
	if c := math.Cos(lat0); c > 1e-9 {
		dLon = ve * dt / (earthRadiusMeters * c) * 180 / math.Pi
	}
	return Position{
		Latitude:  s.Position.Latitude + dLat,
		Longitude: s.Position.Longitude + dLon,
		Altitude:  s.Position.Altitude,
		Accuracy:  s.Position.Accuracy,
	}
}
