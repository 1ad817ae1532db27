// Package session runs the authenticated handshake and owns all symmetric
// key material. Nothing outside this package sees a key except through a
// SealRequest assembled here.
package session

import (
	"errors"
	"sync"
	"time"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/identity"
)

type State int

const (
	StateIdle State = iota
	StateCertExchanged
	StateKeyAgreed
	StateEstablished
	StateExpired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCertExchanged:
		return "cert_exchanged"
	case StateKeyAgreed:
		return "key_agreed"
	case StateEstablished:
		return "established"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

var (
	ErrNoSession          = errors.New("no session")
	ErrSessionExpired     = errors.New("session expired")
	ErrHandshakeInFlight  = errors.New("handshake already in flight")
	ErrCounterExhausted   = errors.New("send counter exhausted")
	ErrSequenceNotNewer   = errors.New("sequence not newer")
	ErrMissingPending     = errors.New("missing pending handshake")
	ErrHandshakeSignature = errors.New("bad handshake signature")
	ErrHelloExpired       = errors.New("hello outside freshness window")
)

// Session is the per-peer cipher state. Directional keys, strictly
// increasing send counter, highest-accepted receive counter.
type Session struct {
	mu            sync.Mutex
	state         State
	peerCert      identity.Certificate
	peerPub       []byte
	sendKey       []byte
	recvKey       []byte
	nonceBaseSend []byte
	nonceBaseRecv []byte
	sendCounter   uint64
	recvCounter   uint64
	haveRecv      bool
	createdAt     time.Time
	msgCount      uint64
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PeerCert() identity.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCert
}

func (s *Session) PeerPub() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.peerPub...)
}

// NextSendSeq reserves the next send sequence number and returns it with
// the key material needed to seal.
func (s *Session) NextSendSeq() (seq uint64, key, nonceBase []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeyAgreed && s.state != StateEstablished {
		return 0, nil, nil, ErrNoSession
	}
	if s.sendCounter == ^uint64(0) {
		return 0, nil, nil, ErrCounterExhausted
	}
	seq = s.sendCounter
	s.sendCounter++
	s.msgCount++
	return seq, s.sendKey, s.nonceBaseSend, nil
}

// RecvKey returns the key for opening inbound envelopes.
func (s *Session) RecvKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeyAgreed && s.state != StateEstablished {
		return nil, ErrNoSession
	}
	return s.recvKey, nil
}

// AcceptRecvSeq enforces strictly increasing sequence numbers from the
// peer and promotes the session to Established on the first verified data
// message.
func (s *Session) AcceptRecvSeq(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeyAgreed && s.state != StateEstablished {
		return ErrNoSession
	}
	if s.haveRecv && seq <= s.recvCounter {
		return ErrSequenceNotNewer
	}
	s.recvCounter = seq
	s.haveRecv = true
	s.msgCount++
	if s.state == StateKeyAgreed {
		s.state = StateEstablished
	}
	return nil
}

// needsRekey reports whether the key has aged out by lifetime or message
// count.
func (s *Session) needsRekey(now time.Time, lifetime time.Duration, maxMsgs uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateKeyAgreed && s.state != StateEstablished {
		return false
	}
	if lifetime > 0 && now.Sub(s.createdAt) > lifetime {
		return true
	}
	if maxMsgs > 0 && s.msgCount >= maxMsgs {
		return true
	}
	return false
}

func (s *Session) markExpired() {
	s.mu.Lock()
	s.state = StateExpired
	s.wipeLocked()
	s.mu.Unlock()
}

func (s *Session) markRevoked() {
	s.mu.Lock()
	s.state = StateRevoked
	s.wipeLocked()
	s.mu.Unlock()
}

func (s *Session) wipeLocked() {
	crypto.ZeroBytes(s.sendKey)
	crypto.ZeroBytes(s.recvKey)
	crypto.ZeroBytes(s.nonceBaseSend)
	crypto.ZeroBytes(s.nonceBaseRecv)
	s.sendKey = nil
	s.recvKey = nil
	s.nonceBaseSend = nil
	s.nonceBaseRecv = nil
}
