package crypto

import (
	"encoding/binary"
)

// BuildAAD binds an envelope's routing context into the AEAD so a sealed
// payload cannot be replayed under a different kind, sequence, sender,
// recipient, or broadcast epoch.
func BuildAAD(kind string, seq, epoch uint64, fromID, toID [32]byte) []byte {
	kindBytes := []byte(kind)
	buf := make([]byte, 0, 2+len(kindBytes)+8+8+32+32)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(kindBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, kindBytes...)
	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], seq)
	buf = append(buf, tmp8[:]...)
	binary.BigEndian.PutUint64(tmp8[:], epoch)
	buf = append(buf, tmp8[:]...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	return buf
}
