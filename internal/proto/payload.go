package proto

import (
	"encoding/json"
	"fmt"

	"v2vmesh/internal/spatial"
)

const (
	KindSpatial    = "spatial"
	KindEmergency  = "emergency"
	KindHeartbeat  = "heartbeat"
	KindRevocation = "revocation"
	KindKeyShare   = "keyshare"
)

// SpatialUpdate is the periodic telemetry report: the current motion sample
// plus an optional predicted trajectory.
type SpatialUpdate struct {
	Sample     spatial.Sample      `json:"sample"`
	Trajectory *spatial.Trajectory `json:"trajectory,omitempty"`
}

// EmergencyAlert rides on emergency-priority envelopes and carries the
// sender's position at the moment of the event.
type EmergencyAlert struct {
	Event  string         `json:"event"`
	Detail string         `json:"detail,omitempty"`
	Sample spatial.Sample `json:"sample"`
}

type Heartbeat struct {
	SentAt int64 `json:"sent_at"`
}

// RevocationNotice propagates a certificate revocation. Sig is the issuing
// authority's signature over RevocationSignBytes.
type RevocationNotice struct {
	TargetID string `json:"target_id"`
	Serial   string `json:"serial,omitempty"`
	Reason   string `json:"reason,omitempty"`
	IssuedAt uint64 `json:"issued_at"`
	Sig      string `json:"sig"`
}

// KeyShare distributes the sender's current broadcast epoch key over an
// established pairwise session.
type KeyShare struct {
	Epoch     uint64 `json:"epoch"`
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expires_at"`
}

// Payload is the tagged union carried inside a sealed envelope. Exactly
// one variant matching Kind must be set.
type Payload struct {
	Kind       string            `json:"kind"`
	Spatial    *SpatialUpdate    `json:"spatial,omitempty"`
	Emergency  *EmergencyAlert   `json:"emergency,omitempty"`
	Heartbeat  *Heartbeat        `json:"heartbeat,omitempty"`
	Revocation *RevocationNotice `json:"revocation,omitempty"`
	KeyShare   *KeyShare         `json:"keyshare,omitempty"`
}

func (p Payload) Validate() error {
	switch p.Kind {
	case KindSpatial:
		if p.Spatial == nil {
			return fmt.Errorf("spatial payload missing body")
		}
		if err := p.Spatial.Sample.Validate(); err != nil {
			return err
		}
		if p.Spatial.Trajectory != nil {
			return p.Spatial.Trajectory.Validate()
		}
		return nil
	case KindEmergency:
		if p.Emergency == nil {
			return fmt.Errorf("emergency payload missing body")
		}
		if p.Emergency.Event == "" {
			return fmt.Errorf("emergency payload missing event")
		}
		return p.Emergency.Sample.Validate()
	case KindHeartbeat:
		if p.Heartbeat == nil {
			return fmt.Errorf("heartbeat payload missing body")
		}
		return nil
	case KindRevocation:
		if p.Revocation == nil {
			return fmt.Errorf("revocation payload missing body")
		}
		if p.Revocation.TargetID == "" || p.Revocation.Sig == "" {
			return fmt.Errorf("revocation payload missing field")
		}
		return nil
	case KindKeyShare:
		if p.KeyShare == nil {
			return fmt.Errorf("keyshare payload missing body")
		}
		if p.KeyShare.Key == "" {
			return fmt.Errorf("keyshare payload missing key")
		}
		return nil
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
}

func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, err
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
