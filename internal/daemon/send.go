package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"v2vmesh/internal/debuglog"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/proto"
	"v2vmesh/internal/session"
	"v2vmesh/internal/spatial"
)

const (
	// maxTrackSamples bounds the recent-track window handed to the
	// predictor.
	maxTrackSamples = 10
	predictTimeout  = 150 * time.Millisecond
)

// SetSample feeds our own position into the table and stages a spatial
// update for every peer with a live session. The caller is the vehicle's
// positioning source; staged frames leave on the next flush.
func (r *Runner) SetSample(s spatial.Sample) {
	r.Table.UpdateSelf(s)
	traj := r.predictTrajectory(s)
	p := proto.Payload{
		Kind:    proto.KindSpatial,
		Spatial: &proto.SpatialUpdate{Sample: s, Trajectory: &traj},
	}
	for _, id := range r.Sessions.Established() {
		data, err := r.sealTo(id, proto.KindSpatial, proto.PriorityNormal, p)
		if err != nil {
			debuglog.Debugf("seal spatial for %s failed: %v", id.Hex(), err)
			continue
		}
		r.queueFor(id).Enqueue(data, proto.PriorityNormal)
	}
}

// predictTrajectory asks the external predictor for an estimate of our own
// path. A missing, slow or misbehaving predictor degrades to
// constant-velocity extrapolation; spatial updates always carry some
// trajectory.
func (r *Runner) predictTrajectory(s spatial.Sample) spatial.Trajectory {
	r.trackMu.Lock()
	r.track = append(r.track, s)
	if len(r.track) > maxTrackSamples {
		r.track = r.track[len(r.track)-maxTrackSamples:]
	}
	recent := make([]spatial.Sample, len(r.track))
	copy(recent, r.track)
	r.trackMu.Unlock()

	if r.predictor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), predictTimeout)
		traj, err := r.predictor.Predict(ctx, r.SelfID(), recent)
		cancel()
		if err == nil && traj.Validate() == nil {
			return traj
		}
		debuglog.Debugf("trajectory predictor unusable, extrapolating: %v", err)
	}
	return spatial.LinearTrajectory(s, r.Cfg.HorizonSeconds, 0.5)
}

// Broadcast frames may be relayed late, past the pairwise skew window, so
// they carry an explicit expiry.
const broadcastTTL = 10 * time.Second

// BroadcastEmergency seals one alert under our broadcast epoch key and
// stages it ahead of all normal traffic for every established peer. The
// staged frames are flushed immediately rather than on the next tick.
func (r *Runner) BroadcastEmergency(ctx context.Context, event, detail string) error {
	self, ok := r.Table.Self()
	if !ok {
		return fmt.Errorf("no own sample yet")
	}
	p := proto.Payload{
		Kind:      proto.KindEmergency,
		Emergency: &proto.EmergencyAlert{Event: event, Detail: detail, Sample: self},
	}
	data, err := r.sealBroadcast(proto.KindEmergency, p)
	if err != nil {
		return err
	}
	for _, id := range r.Sessions.Established() {
		r.queueFor(id).Enqueue(data, proto.PriorityEmergency)
	}
	r.Metrics.IncEmergencyCycles()
	r.evaluateNow()
	r.FlushOutbound(ctx)
	return nil
}

// SendHeartbeat stages a heartbeat to every established peer.
func (r *Runner) SendHeartbeat() {
	p := proto.Payload{
		Kind:      proto.KindHeartbeat,
		Heartbeat: &proto.Heartbeat{SentAt: r.clk.Now().UnixMilli()},
	}
	for _, id := range r.Sessions.Established() {
		data, err := r.sealTo(id, proto.KindHeartbeat, proto.PriorityNormal, p)
		if err != nil {
			continue
		}
		r.queueFor(id).Enqueue(data, proto.PriorityNormal)
	}
}

// PublishRevocation seals an authority-signed revocation notice for every
// established peer. The notice must already carry a valid authority
// signature; the daemon only relays it.
func (r *Runner) PublishRevocation(n proto.RevocationNotice) {
	p := proto.Payload{Kind: proto.KindRevocation, Revocation: &n}
	for _, id := range r.Sessions.Established() {
		data, err := r.sealTo(id, proto.KindRevocation, proto.PriorityNormal, p)
		if err != nil {
			continue
		}
		r.queueFor(id).Enqueue(data, proto.PriorityNormal)
	}
}

// shareEpochKeys distributes the current broadcast key to peers that have
// not seen this epoch yet.
func (r *Runner) shareEpochKeys() {
	epoch, key, err := r.Sessions.CurrentEpoch()
	if err != nil {
		return
	}
	expires := r.Sessions.EpochExpiry().UnixMilli()
	p := proto.Payload{
		Kind: proto.KindKeyShare,
		KeyShare: &proto.KeyShare{
			Epoch:     epoch,
			Key:       hex.EncodeToString(key),
			ExpiresAt: expires,
		},
	}
	for _, id := range r.Sessions.Established() {
		r.shareMu.Lock()
		seen := r.shared[id]
		r.shareMu.Unlock()
		if seen == epoch {
			continue
		}
		data, err := r.sealTo(id, proto.KindKeyShare, proto.PriorityNormal, p)
		if err != nil {
			continue
		}
		r.queueFor(id).Enqueue(data, proto.PriorityNormal)
		r.shareMu.Lock()
		r.shared[id] = epoch
		r.shareMu.Unlock()
	}
}

// FlushOutbound drains every staged queue to the wire, emergency frames
// first per peer.
func (r *Runner) FlushOutbound(ctx context.Context) {
	r.outMu.Lock()
	ids := make([]identity.VehicleID, 0, len(r.out))
	for id := range r.out {
		ids = append(ids, id)
	}
	r.outMu.Unlock()
	for _, id := range ids {
		addr, ok := r.peerAddr(id)
		if !ok {
			continue
		}
		for _, frame := range r.queueFor(id).Drain() {
			if err := r.send(ctx, addr, frame); err != nil {
				debuglog.RateLimitedf("flush:"+addr, r.Cfg.LifecycleTick, "send to %s failed: %v", addr, err)
			}
		}
	}
}

func (r *Runner) sealTo(id identity.VehicleID, kind, priority string, p proto.Payload) ([]byte, error) {
	s, ok := r.Sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("no session with %s", id.Hex())
	}
	seq, key, nonceBase, err := s.NextSendSeq()
	if err != nil {
		return nil, err
	}
	plain, err := proto.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	env, err := proto.SealEnvelope(proto.SealRequest{
		From:       r.SelfID(),
		To:         id,
		CertSerial: r.Sessions.SelfCertSerial(),
		Kind:       kind,
		Priority:   priority,
		Seq:        seq,
		Timestamp:  r.clk.Now().UnixMilli(),
		Key:        key,
		NonceBase:  nonceBase,
		SignPriv:   r.Sessions.SigningKey(),
		Plaintext:  plain,
	})
	if err != nil {
		return nil, err
	}
	return proto.EncodeEnvelope(env)
}

func (r *Runner) sealBroadcast(kind string, p proto.Payload) ([]byte, error) {
	epoch, key, err := r.Sessions.CurrentEpoch()
	if err != nil {
		return nil, err
	}
	plain, err := proto.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	env, err := proto.SealEnvelope(proto.SealRequest{
		From:       r.SelfID(),
		CertSerial: r.Sessions.SelfCertSerial(),
		Kind:       kind,
		Priority:   proto.PriorityEmergency,
		Seq:        r.bcastSeq.Add(1),
		Epoch:      epoch,
		Timestamp:  r.clk.Now().UnixMilli(),
		TTL:        broadcastTTL.Milliseconds(),
		Key:        key,
		SignPriv:   r.Sessions.SigningKey(),
		Plaintext:  plain,
	})
	if err != nil {
		return nil, err
	}
	return proto.EncodeEnvelope(env)
}

// Connect records a peer's address and drives a handshake toward it.
// Safe to call repeatedly; an in-flight or established session is a no-op.
func (r *Runner) Connect(ctx context.Context, id identity.VehicleID, addr string) error {
	r.recordAddr(id, addr)
	return r.ensureSession(ctx, id)
}

func (r *Runner) ensureSession(ctx context.Context, id identity.VehicleID) error {
	if s, ok := r.Sessions.Get(id); ok && s != nil {
		switch s.State() {
		case session.StateKeyAgreed, session.StateEstablished:
			return nil
		}
	}
	addr, ok := r.peerAddr(id)
	if !ok {
		return fmt.Errorf("no address for %s", id.Hex())
	}
	r.retryMu.Lock()
	attempts := r.retries[id]
	r.retryMu.Unlock()
	if attempts >= r.Cfg.HandshakeRetries {
		return fmt.Errorf("handshake with %s abandoned after %d attempts", id.Hex(), attempts)
	}

	msg, err := r.Sessions.BuildHello1(id)
	if errors.Is(err, session.ErrHandshakeInFlight) {
		return nil
	}
	if err != nil {
		return err
	}
	r.retryMu.Lock()
	r.retries[id] = attempts + 1
	r.retryMu.Unlock()
	r.Metrics.IncHandshakesStarted()
	msg.ListenAddr = r.ListenAddr()
	data, err := proto.EncodeHello1Msg(msg)
	if err != nil {
		r.Sessions.AbortPending(id)
		return err
	}
	resp, err := r.exchange(ctx, addr, data)
	if err != nil {
		r.Sessions.AbortPending(id)
		r.Metrics.IncHandshakesFailed()
		return err
	}
	if _, err := r.Ingest(resp, addr); err != nil {
		return err
	}
	if _, ok := r.Sessions.Get(id); !ok {
		return fmt.Errorf("handshake with %s did not complete", id.Hex())
	}
	return nil
}
