package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"v2vmesh/internal/debuglog"
	"v2vmesh/internal/guard"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/proto"
	"v2vmesh/internal/session"
)

// Ingest is the single entry point for inbound wire messages. Every check
// happens here, in order: size, rate, message authenticity, replay,
// sequence freshness. Only payloads that survive all of them reach the
// router, so handlers never see unauthenticated data.
func (r *Runner) Ingest(data []byte, senderAddr string) ([]byte, error) {
	reject := func(count func(), msg string, err error) error {
		if count != nil {
			count()
		}
		debuglog.Debugf("recv reject: %s: %v", msg, err)
		return fmt.Errorf("%s: %w", msg, err)
	}

	if len(data) == 0 || len(data) > proto.MaxFrameSize {
		return nil, reject(r.Metrics.IncDropMalformed, "bad frame size", fmt.Errorf("frame size %d", len(data)))
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, reject(r.Metrics.IncDropMalformed, "decode message type failed", err)
	}
	if limit := proto.MaxSizeForType(hdr.Type); limit == 0 || len(data) > limit {
		return nil, reject(r.Metrics.IncDropMalformed, "message too large", fmt.Errorf("type %q size %d", hdr.Type, len(data)))
	}

	switch hdr.Type {
	case proto.MsgTypeHello1:
		m, err := proto.DecodeHello1Msg(data)
		if err != nil {
			return nil, reject(r.Metrics.IncDropMalformed, "decode hello1 failed", err)
		}
		fromID, _, cert, _, _, _, err := proto.DecodeHello1Fields(m)
		if err != nil {
			return nil, reject(r.Metrics.IncDropMalformed, "decode hello1 failed", err)
		}
		// Handshakes cost an RSA verification plus a chain validation, so
		// the bucket is charged to the claimed sender before either.
		if err := r.Guard.AllowRate(fromID); err != nil {
			return nil, reject(r.Metrics.IncDropRateLimited, "rate limited", err)
		}
		resp, err := r.Sessions.HandleHello1(m)
		if err != nil {
			r.Metrics.IncHandshakesFailed()
			return nil, reject(r.Metrics.IncDropUnauth, "invalid hello1", err)
		}
		if err := r.Table.Register(cert); err != nil {
			return nil, reject(r.Metrics.IncDropUnauth, "register peer failed", err)
		}
		r.Metrics.IncPeersRegistered()
		r.Metrics.IncHandshakesCompleted()
		if m.ListenAddr != "" {
			r.recordAddr(fromID, m.ListenAddr)
		}
		resp.ListenAddr = r.ListenAddr()
		out, err := proto.EncodeHello2Msg(resp)
		if err != nil {
			return nil, reject(r.Metrics.IncDropMalformed, "encode hello2 failed", err)
		}
		return out, nil

	case proto.MsgTypeHello2:
		m, err := proto.DecodeHello2Msg(data)
		if err != nil {
			return nil, reject(r.Metrics.IncDropMalformed, "decode hello2 failed", err)
		}
		fromID, _, cert, _, _, _, err := proto.DecodeHello2Fields(m)
		if err != nil {
			return nil, reject(r.Metrics.IncDropMalformed, "decode hello2 failed", err)
		}
		if err := r.Guard.AllowRate(fromID); err != nil {
			return nil, reject(r.Metrics.IncDropRateLimited, "rate limited", err)
		}
		if err := r.Sessions.HandleHello2(m); err != nil {
			r.Metrics.IncHandshakesFailed()
			return nil, reject(r.Metrics.IncDropUnauth, "invalid hello2", err)
		}
		if err := r.Table.Register(cert); err != nil {
			return nil, reject(r.Metrics.IncDropUnauth, "register peer failed", err)
		}
		r.Metrics.IncPeersRegistered()
		r.Metrics.IncHandshakesCompleted()
		if m.ListenAddr != "" {
			r.recordAddr(fromID, m.ListenAddr)
		} else if senderAddr != "" {
			r.recordAddr(fromID, senderAddr)
		}
		r.clearRetries(fromID)
		return nil, nil

	case proto.MsgTypeEnvelope:
		return nil, r.ingestEnvelope(data)

	default:
		return nil, reject(r.Metrics.IncDropMalformed, "unknown message type", fmt.Errorf("type %q", hdr.Type))
	}
}

func (r *Runner) ingestEnvelope(data []byte) error {
	reject := func(count func(), msg string, err error) error {
		if count != nil {
			count()
		}
		debuglog.Debugf("recv reject: %s: %v", msg, err)
		return fmt.Errorf("%s: %w", msg, err)
	}

	m, err := proto.DecodeEnvelope(data)
	if err != nil {
		return reject(r.Metrics.IncDropMalformed, "decode envelope failed", err)
	}
	fromID, toID, nonce, _, _, err := proto.DecodeEnvelopeFields(m)
	if err != nil {
		return reject(r.Metrics.IncDropMalformed, "decode envelope failed", err)
	}
	if fromID == r.SelfID() {
		return reject(r.Metrics.IncDropMalformed, "invalid envelope", errors.New("from_id is self"))
	}
	broadcast := toID.IsZero()
	if !broadcast && toID != r.SelfID() {
		return reject(r.Metrics.IncDropMalformed, "invalid envelope", errors.New("to_id mismatch"))
	}
	if broadcast && m.Priority != proto.PriorityEmergency {
		return reject(r.Metrics.IncDropMalformed, "invalid envelope", errors.New("broadcast without emergency priority"))
	}
	if m.TTL > 0 && r.clk.Now().After(time.UnixMilli(m.Timestamp+m.TTL)) {
		return reject(r.Metrics.IncDropStale, "expired envelope", fmt.Errorf("ttl %dms exceeded", m.TTL))
	}

	// Rate check comes before any signature or decryption work so a
	// flooding peer only ever costs the cheap path.
	if err := r.Guard.AllowRate(fromID); err != nil {
		return reject(r.Metrics.IncDropRateLimited, "rate limited", err)
	}

	var plain []byte
	var sess *session.Session
	if broadcast {
		cert, ok := r.Trust.Get(fromID)
		if !ok {
			return reject(r.Metrics.IncDropUnauth, "unknown sender", errors.New("no registered certificate"))
		}
		senderPub, err := cert.PublicKey()
		if err != nil {
			return reject(r.Metrics.IncDropUnauth, "unknown sender", err)
		}
		if m.Kind == proto.KindEmergency && !cert.HasCapability(identity.CapEmergencyBroadcast) {
			return reject(r.Metrics.IncDropUnauth, "unauthorized sender", errors.New("certificate lacks emergency capability"))
		}
		key, ok := r.Sessions.PeerEpochKey(fromID, m.Epoch)
		if !ok {
			return reject(r.Metrics.IncDropUnauth, "unknown epoch", fmt.Errorf("epoch %d", m.Epoch))
		}
		plain, err = proto.OpenEnvelope(m, senderPub, key)
		if err != nil {
			return reject(r.Metrics.IncDropUnauth, "open envelope failed", err)
		}
	} else {
		s, ok := r.Sessions.Get(fromID)
		if !ok {
			return reject(r.Metrics.IncDropUnauth, "unknown sender", session.ErrNoSession)
		}
		if m.Kind == proto.KindEmergency && !s.PeerCert().HasCapability(identity.CapEmergencyBroadcast) {
			return reject(r.Metrics.IncDropUnauth, "unauthorized sender", errors.New("certificate lacks emergency capability"))
		}
		key, err := s.RecvKey()
		if err != nil {
			return reject(r.Metrics.IncDropUnauth, "unknown sender", err)
		}
		plain, err = proto.OpenEnvelope(m, s.PeerPub(), key)
		if err != nil {
			return reject(r.Metrics.IncDropUnauth, "open envelope failed", err)
		}
		sess = s
	}

	if err := r.Guard.Admit(fromID, nonce, time.UnixMilli(m.Timestamp)); err != nil {
		switch {
		case errors.Is(err, guard.ErrReplayed):
			return reject(r.Metrics.IncDropReplayed, "replayed envelope", err)
		default:
			return reject(r.Metrics.IncDropStale, "stale envelope", err)
		}
	}
	if sess != nil {
		if err := sess.AcceptRecvSeq(m.Seq); err != nil {
			return reject(r.Metrics.IncDropReplayed, "replayed envelope", err)
		}
	}

	p, err := proto.DecodePayload(plain)
	if err != nil {
		return reject(r.Metrics.IncDropMalformed, "decode payload failed", err)
	}
	if p.Kind != m.Kind {
		return reject(r.Metrics.IncDropMalformed, "invalid payload", fmt.Errorf("kind %q does not match envelope %q", p.Kind, m.Kind))
	}
	r.Table.Touch(fromID)
	if err := r.Router.Dispatch(fromID, p); err != nil {
		return reject(r.Metrics.IncDropMalformed, "dispatch failed", err)
	}
	r.Metrics.IncAccepted()
	return nil
}

func (r *Runner) clearRetries(id identity.VehicleID) {
	r.retryMu.Lock()
	delete(r.retries, id)
	r.retryMu.Unlock()
}
