package session

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/proto"
)

const (
	DefaultKeyLifetime      = 15 * time.Minute
	DefaultMaxMessages      = 100_000
	DefaultHandshakeTimeout = 2 * time.Second

	// DefaultHelloFreshness bounds how old a hello1's signed timestamp may
	// be; captured hello1s stop working once it elapses.
	DefaultHelloFreshness = 10 * time.Second
)

type Config struct {
	KeyLifetime      time.Duration
	MaxMessages      uint64
	HandshakeTimeout time.Duration
	HelloFreshness   time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyLifetime <= 0 {
		c.KeyLifetime = DefaultKeyLifetime
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HelloFreshness <= 0 {
		c.HelloFreshness = DefaultHelloFreshness
	}
	return c
}

type pendingHandshake struct {
	toID        identity.VehicleID
	ea          []byte
	na          []byte
	eph         *crypto.Ephemeral
	hello1Bytes []byte
	startedAt   time.Time
}

func (p *pendingHandshake) destroy() {
	if p != nil && p.eph != nil {
		p.eph.Destroy()
	}
}

// Manager owns every handshake state machine and established session,
// at most one of each per peer.
type Manager struct {
	cfg   Config
	clock clock.Clock
	trust *identity.Store

	selfID      identity.VehicleID
	selfCert    identity.Certificate
	selfCertRaw json.RawMessage
	pub         []byte
	priv        []byte

	mu         sync.Mutex
	sessions   map[identity.VehicleID]*Session
	pending    map[identity.VehicleID]*pendingHandshake
	lastHello1 map[identity.VehicleID][32]byte

	epochMu    sync.Mutex
	ownEpoch   uint64
	ownKey     []byte
	ownRotated time.Time
	peerEpochs map[identity.VehicleID]peerEpochKey
}

func NewManager(cert identity.Certificate, pub, priv []byte, trust *identity.Store, cfg Config, clk clock.Clock) (*Manager, error) {
	id, err := cert.ID()
	if err != nil {
		return nil, err
	}
	raw, err := identity.EncodeCertificate(cert)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:         cfg.withDefaults(),
		clock:       clk,
		trust:       trust,
		selfID:      id,
		selfCert:    cert,
		selfCertRaw: raw,
		pub:         pub,
		priv:        priv,
		sessions:    make(map[identity.VehicleID]*Session),
		pending:     make(map[identity.VehicleID]*pendingHandshake),
		lastHello1:  make(map[identity.VehicleID][32]byte),
		peerEpochs:  make(map[identity.VehicleID]peerEpochKey),
	}, nil
}

func (m *Manager) SelfID() identity.VehicleID     { return m.selfID }
func (m *Manager) SelfCert() identity.Certificate { return m.selfCert }
func (m *Manager) SelfCertSerial() string         { return m.selfCert.Serial }
func (m *Manager) SigningKey() []byte             { return m.priv }

func (m *Manager) Get(id identity.VehicleID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// PendingSince reports when an outstanding hello1 to the peer was sent.
func (m *Manager) PendingSince(id identity.VehicleID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return time.Time{}, false
	}
	return p.startedAt, true
}

// AbortPending destroys an outstanding handshake attempt, for timeout
// handling.
func (m *Manager) AbortPending(id identity.VehicleID) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	p.destroy()
	return ok
}

// BuildHello1 starts a handshake toward a peer. Concurrent attempts to the
// same peer are deduplicated: a second call while one is in flight returns
// ErrHandshakeInFlight until the handshake timeout has passed.
func (m *Manager) BuildHello1(toID identity.VehicleID) (proto.Hello1Msg, error) {
	now := m.clock.Now()
	m.mu.Lock()
	if p, ok := m.pending[toID]; ok {
		if now.Sub(p.startedAt) < m.cfg.HandshakeTimeout {
			m.mu.Unlock()
			return proto.Hello1Msg{}, ErrHandshakeInFlight
		}
		delete(m.pending, toID)
		p.destroy()
	}
	m.mu.Unlock()

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.Hello1Msg{}, err
	}
	ea, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return proto.Hello1Msg{}, err
	}
	na, err := crypto.RandomBytes(32)
	if err != nil {
		eph.Destroy()
		return proto.Hello1Msg{}, err
	}
	ts := now.UnixMilli()
	sig, err := crypto.SignDigest(m.priv, crypto.SHA3_256(hello1SigInput(m.selfID, toID, ea, na, ts)))
	if err != nil {
		eph.Destroy()
		return proto.Hello1Msg{}, err
	}
	msg := proto.Hello1Msg{
		Type:   proto.MsgTypeHello1,
		FromID: m.selfID.Hex(),
		ToID:   toID.Hex(),
		Cert:   m.selfCertRaw,
		Ts:     ts,
		EA:     hex.EncodeToString(ea),
		Na:     hex.EncodeToString(na),
		Sig:    hex.EncodeToString(sig),
	}
	m.mu.Lock()
	m.pending[toID] = &pendingHandshake{
		toID:        toID,
		ea:          ea,
		na:          na,
		eph:         eph,
		hello1Bytes: proto.Hello1Bytes(m.selfID, toID, ea, na),
		startedAt:   now,
	}
	m.mu.Unlock()
	return msg, nil
}

// HandleHello1 is the responder side: validate the initiator's certificate,
// check the signature, derive keys and answer with a hello2. The session
// lands in KeyAgreed; the first verified data message promotes it.
func (m *Manager) HandleHello1(msg proto.Hello1Msg) (proto.Hello2Msg, error) {
	now := m.clock.Now()
	fromID, toID, cert, ea, na, sig, err := proto.DecodeHello1Fields(msg)
	if err != nil {
		return proto.Hello2Msg{}, err
	}
	certID, err := cert.ID()
	if err != nil || certID != fromID {
		return proto.Hello2Msg{}, identity.ErrUntrustedCertificate
	}
	if fromID == m.selfID {
		return proto.Hello2Msg{}, identity.ErrUntrustedCertificate
	}
	if toID != m.selfID {
		return proto.Hello2Msg{}, identity.ErrUntrustedCertificate
	}
	hts := time.UnixMilli(msg.Ts)
	if msg.Ts <= 0 || hts.Before(now.Add(-m.cfg.HelloFreshness)) || hts.After(now.Add(m.cfg.HelloFreshness)) {
		return proto.Hello2Msg{}, ErrHelloExpired
	}
	if err := m.trust.ValidateCertificate(cert, now); err != nil {
		return proto.Hello2Msg{}, err
	}
	fromPub, err := cert.PublicKey()
	if err != nil {
		return proto.Hello2Msg{}, err
	}
	if !crypto.VerifyDigest(fromPub, crypto.SHA3_256(hello1SigInput(fromID, toID, ea, na, msg.Ts)), sig) {
		return proto.Hello2Msg{}, ErrHandshakeSignature
	}

	h1Bytes := proto.Hello1Bytes(fromID, toID, ea, na)
	var h1Hash [32]byte
	copy(h1Hash[:], crypto.SHA3_256(h1Bytes))
	m.mu.Lock()
	if last, ok := m.lastHello1[fromID]; ok && last == h1Hash {
		m.mu.Unlock()
		return proto.Hello2Msg{}, ErrHandshakeSignature
	}
	m.lastHello1[fromID] = h1Hash
	// If we were mid-handshake toward the same peer, the responder role
	// wins: it completes immediately.
	if p, ok := m.pending[fromID]; ok {
		delete(m.pending, fromID)
		p.destroy()
	}
	m.mu.Unlock()

	if err := m.trust.RegisterPeerCertificate(cert, now); err != nil {
		return proto.Hello2Msg{}, err
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return proto.Hello2Msg{}, err
	}
	eb, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return proto.Hello2Msg{}, err
	}
	nb, err := crypto.RandomBytes(32)
	if err != nil {
		eph.Destroy()
		return proto.Hello2Msg{}, err
	}
	sig2, err := crypto.SignDigest(m.priv, crypto.SHA3_256(hello2SigInput(fromID, toID, ea, eb, na, nb)))
	if err != nil {
		eph.Destroy()
		return proto.Hello2Msg{}, err
	}
	h2Bytes := proto.Hello2Bytes(m.selfID, fromID, eb, nb)
	transcript := crypto.SHA3_256(append(h1Bytes, h2Bytes...))
	ss, err := eph.Shared(ea)
	if err != nil {
		eph.Destroy()
		return proto.Hello2Msg{}, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	if err != nil {
		eph.Destroy()
		return proto.Hello2Msg{}, err
	}
	crypto.ZeroBytes(ss)
	crypto.ZeroBytes(keys.Master)
	eph.Destroy()

	// Directional keys are mirrored on the responder side.
	m.install(fromID, &Session{
		state:         StateKeyAgreed,
		peerCert:      cert,
		peerPub:       fromPub,
		sendKey:       keys.RecvKey,
		recvKey:       keys.SendKey,
		nonceBaseSend: keys.NonceBaseRecv,
		nonceBaseRecv: keys.NonceBaseSend,
		createdAt:     now,
	})
	return proto.Hello2Msg{
		Type:   proto.MsgTypeHello2,
		FromID: m.selfID.Hex(),
		ToID:   fromID.Hex(),
		Cert:   m.selfCertRaw,
		EB:     hex.EncodeToString(eb),
		Nb:     hex.EncodeToString(nb),
		Sig:    hex.EncodeToString(sig2),
	}, nil
}

// HandleHello2 completes a handshake we initiated.
func (m *Manager) HandleHello2(msg proto.Hello2Msg) error {
	now := m.clock.Now()
	fromID, toID, cert, eb, nb, sig, err := proto.DecodeHello2Fields(msg)
	if err != nil {
		return err
	}
	certID, err := cert.ID()
	if err != nil || certID != fromID {
		return identity.ErrUntrustedCertificate
	}
	if toID != m.selfID {
		return identity.ErrUntrustedCertificate
	}
	if err := m.trust.ValidateCertificate(cert, now); err != nil {
		return err
	}
	fromPub, err := cert.PublicKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	pending, ok := m.pending[fromID]
	if ok {
		delete(m.pending, fromID)
	}
	m.mu.Unlock()
	if !ok || pending.eph == nil {
		return ErrMissingPending
	}
	if !crypto.VerifyDigest(fromPub, crypto.SHA3_256(hello2SigInput(m.selfID, fromID, pending.ea, eb, pending.na, nb)), sig) {
		pending.destroy()
		return ErrHandshakeSignature
	}
	if err := m.trust.RegisterPeerCertificate(cert, now); err != nil {
		pending.destroy()
		return err
	}

	h2Bytes := proto.Hello2Bytes(fromID, toID, eb, nb)
	transcript := crypto.SHA3_256(append(pending.hello1Bytes, h2Bytes...))
	ss, err := pending.eph.Shared(eb)
	if err != nil {
		pending.destroy()
		return err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	if err != nil {
		pending.destroy()
		return err
	}
	crypto.ZeroBytes(ss)
	crypto.ZeroBytes(keys.Master)
	pending.destroy()

	m.install(fromID, &Session{
		state:         StateKeyAgreed,
		peerCert:      cert,
		peerPub:       fromPub,
		sendKey:       keys.SendKey,
		recvKey:       keys.RecvKey,
		nonceBaseSend: keys.NonceBaseSend,
		nonceBaseRecv: keys.NonceBaseRecv,
		createdAt:     now,
	})
	return nil
}

func (m *Manager) install(id identity.VehicleID, s *Session) {
	m.mu.Lock()
	if old, ok := m.sessions[id]; ok {
		old.markExpired()
	}
	m.sessions[id] = s
	m.mu.Unlock()
}

// Drop wipes all key material for a peer: session, pending handshake and
// cached epoch keys. After Drop the keys are unrecoverable.
func (m *Manager) Drop(id identity.VehicleID) {
	m.mu.Lock()
	s, hadSession := m.sessions[id]
	if hadSession {
		delete(m.sessions, id)
	}
	p, hadPending := m.pending[id]
	if hadPending {
		delete(m.pending, id)
	}
	delete(m.lastHello1, id)
	m.mu.Unlock()
	if hadSession {
		s.markExpired()
	}
	if hadPending {
		p.destroy()
	}
	m.dropPeerEpoch(id)
}

// MarkRevoked transitions a peer's session to Revoked and wipes its keys.
// Wired to the trust store's revocation callback.
func (m *Manager) MarkRevoked(id identity.VehicleID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.markRevoked()
	}
	m.dropPeerEpoch(id)
}

// SweepExpired expires sessions past the key lifetime or message budget and
// returns their peers so the caller can re-handshake.
func (m *Manager) SweepExpired() []identity.VehicleID {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []identity.VehicleID
	for id, s := range m.sessions {
		if s.needsRekey(now, m.cfg.KeyLifetime, m.cfg.MaxMessages) {
			expired = append(expired, id)
		}
	}
	sessions := make([]*Session, 0, len(expired))
	for _, id := range expired {
		sessions = append(sessions, m.sessions[id])
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.markExpired()
	}
	return expired
}

// Established lists peers with a usable session.
func (m *Manager) Established() []identity.VehicleID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.VehicleID, 0, len(m.sessions))
	for id, s := range m.sessions {
		st := s.State()
		if st == StateKeyAgreed || st == StateEstablished {
			out = append(out, id)
		}
	}
	return out
}

func hello1SigInput(fromID, toID identity.VehicleID, ea, na []byte, ts int64) []byte {
	buf := make([]byte, 0, len("v2v:h1:v1")+72+len(ea)+len(na))
	buf = append(buf, []byte("v2v:h1:v1")...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, na...)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(ts))
	return append(buf, tmp...)
}

func hello2SigInput(fromID, toID identity.VehicleID, ea, eb, na, nb []byte) []byte {
	buf := make([]byte, 0, len("v2v:h2:v1")+64+len(ea)+len(eb)+len(na)+len(nb))
	buf = append(buf, []byte("v2v:h2:v1")...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, eb...)
	buf = append(buf, na...)
	buf = append(buf, nb...)
	return buf
}
