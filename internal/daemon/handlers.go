package daemon

import (
	"encoding/hex"
	"errors"
	"time"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/debuglog"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/metrics"
	"v2vmesh/internal/peer"
	"v2vmesh/internal/proto"
)

func (r *Runner) subscribeHandlers() {
	r.Router.Subscribe(proto.KindSpatial, r.handleSpatial)
	r.Router.Subscribe(proto.KindEmergency, r.handleEmergency)
	r.Router.Subscribe(proto.KindHeartbeat, r.handleHeartbeat)
	r.Router.Subscribe(proto.KindRevocation, r.handleRevocation)
	r.Router.Subscribe(proto.KindKeyShare, r.handleKeyShare)
}

func (r *Runner) handleSpatial(from identity.VehicleID, p proto.Payload) {
	if p.Spatial == nil {
		return
	}
	err := r.Table.ApplySample(from, p.Spatial.Sample, p.Spatial.Trajectory)
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrStaleSample):
		r.Metrics.IncDropStale()
	default:
		debuglog.Debugf("apply sample from %s failed: %v", from.Hex(), err)
	}
}

// handleEmergency applies the alert position and re-evaluates immediately
// instead of waiting for the next tick.
func (r *Runner) handleEmergency(from identity.VehicleID, p proto.Payload) {
	if p.Emergency == nil {
		return
	}
	if err := r.Table.ApplySample(from, p.Emergency.Sample, nil); err != nil && !errors.Is(err, peer.ErrStaleSample) {
		debuglog.Debugf("apply emergency sample from %s failed: %v", from.Hex(), err)
	}
	debuglog.Logf("emergency alert from %s: %s", from.Hex(), p.Emergency.Event)
	r.Metrics.IncEmergencyCycles()
	r.evaluateNow()
}

func (r *Runner) handleHeartbeat(from identity.VehicleID, p proto.Payload) {
	r.Table.Touch(from)
}

func (r *Runner) handleRevocation(from identity.VehicleID, p proto.Payload) {
	n := p.Revocation
	if n == nil {
		return
	}
	targetID, err := identity.ParseVehicleID(n.TargetID)
	if err != nil {
		r.Metrics.IncDropMalformed()
		return
	}
	sig, err := hex.DecodeString(n.Sig)
	if err != nil || len(sig) == 0 {
		r.Metrics.IncDropMalformed()
		return
	}
	input, err := proto.RevocationSignBytes(targetID, n.Serial, n.IssuedAt, n.Reason)
	if err != nil {
		r.Metrics.IncDropMalformed()
		return
	}
	if !r.Trust.VerifyAuthority(crypto.SHA3_256(input), sig) {
		debuglog.Debugf("revocation notice for %s from %s has bad authority sig", n.TargetID, from.Hex())
		r.Metrics.IncDropUnauth()
		return
	}
	if r.Trust.IsRevoked(targetID) {
		return
	}
	debuglog.Logf("revoking %s on authority notice", n.TargetID)
	r.Trust.Revoke(targetID)
	if err := r.Revocations.Append(*n); err != nil {
		debuglog.Debugf("persist revocation failed: %v", err)
	}
}

func (r *Runner) handleKeyShare(from identity.VehicleID, p proto.Payload) {
	ks := p.KeyShare
	if ks == nil {
		return
	}
	key, err := hex.DecodeString(ks.Key)
	if err != nil || len(key) != crypto.XKeySize {
		r.Metrics.IncDropMalformed()
		return
	}
	r.Sessions.SetPeerEpoch(from, ks.Epoch, key, time.UnixMilli(ks.ExpiresAt))
	crypto.ZeroBytes(key)
}

// evaluateNow runs one full collision evaluation cycle. Serialized so the
// periodic tick and an emergency-triggered cycle cannot interleave.
func (r *Runner) evaluateNow() {
	r.evalMu.Lock()
	defer r.evalMu.Unlock()
	self, ok := r.Table.Self()
	if !ok {
		return
	}
	_, directive := r.Engine.Evaluate(self, r.Table.Snapshot(), r.clk.Now())
	r.Metrics.IncEvaluations()
	if directive == nil {
		return
	}
	r.Notifier.Publish(*directive)
	r.Metrics.IncDirectivesEmitted()
	r.Metrics.Recent().Add(metrics.DirectiveHeader{
		PeerID:   directive.EvidencePeerID.Hex(),
		Risk:     directive.Risk.String(),
		Action:   string(directive.Action),
		TCA:      directive.TCA,
		IssuedAt: directive.IssuedAt.UnixMilli(),
	})
}
