package session

import (
	"time"

	"v2vmesh/internal/crypto"
	"v2vmesh/internal/identity"
)

type peerEpochKey struct {
	epoch     uint64
	key       []byte
	expiresAt time.Time
}

// CurrentEpoch returns the local broadcast epoch and its key, rotating
// once per key lifetime. Peers learn the key via a keyshare payload over
// their pairwise session; emergency broadcasts are sealed under it so a
// single envelope fans out to every trusted peer.
func (m *Manager) CurrentEpoch() (uint64, []byte, error) {
	now := m.clock.Now()
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	if m.ownKey == nil || now.Sub(m.ownRotated) > m.cfg.KeyLifetime {
		key, err := crypto.RandomBytes(crypto.XKeySize)
		if err != nil {
			return 0, nil, err
		}
		crypto.ZeroBytes(m.ownKey)
		m.ownKey = key
		m.ownEpoch++
		m.ownRotated = now
	}
	return m.ownEpoch, append([]byte(nil), m.ownKey...), nil
}

// EpochExpiry reports when the current epoch key stops being valid.
func (m *Manager) EpochExpiry() time.Time {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	return m.ownRotated.Add(m.cfg.KeyLifetime)
}

// SetPeerEpoch stores a peer's broadcast key received via keyshare. Only
// the latest epoch per peer is retained.
func (m *Manager) SetPeerEpoch(id identity.VehicleID, epoch uint64, key []byte, expiresAt time.Time) {
	m.epochMu.Lock()
	if old, ok := m.peerEpochs[id]; ok {
		if old.epoch >= epoch {
			m.epochMu.Unlock()
			return
		}
		crypto.ZeroBytes(old.key)
	}
	m.peerEpochs[id] = peerEpochKey{
		epoch:     epoch,
		key:       append([]byte(nil), key...),
		expiresAt: expiresAt,
	}
	m.epochMu.Unlock()
}

// PeerEpochKey looks up the broadcast key a peer announced for the given
// epoch.
func (m *Manager) PeerEpochKey(id identity.VehicleID, epoch uint64) ([]byte, bool) {
	now := m.clock.Now()
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	k, ok := m.peerEpochs[id]
	if !ok || k.epoch != epoch {
		return nil, false
	}
	if !k.expiresAt.IsZero() && now.After(k.expiresAt) {
		return nil, false
	}
	return append([]byte(nil), k.key...), true
}

func (m *Manager) dropPeerEpoch(id identity.VehicleID) {
	m.epochMu.Lock()
	if k, ok := m.peerEpochs[id]; ok {
		crypto.ZeroBytes(k.key)
		delete(m.peerEpochs, id)
	}
	m.epochMu.Unlock()
}
