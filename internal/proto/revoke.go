package proto

import (
	"encoding/binary"
	"fmt"

	"v2vmesh/internal/identity"
)

const maxRevokeReason = 256

// RevocationSignBytes is the canonical layout the issuing authority signs
// for a revocation notice.
func RevocationSignBytes(targetID identity.VehicleID, serial string, issuedAt uint64, reason string) ([]byte, error) {
	if len(reason) > maxRevokeReason {
		return nil, fmt.Errorf("reason too long")
	}
	if len(serial) > 0xffff {
		return nil, fmt.Errorf("serial too long")
	}
	prefix := []byte("v2v:revoke:v1|")
	buf := make([]byte, 0, len(prefix)+32+2+len(serial)+8+2+len(reason))
	buf = append(buf, prefix...)
	buf = append(buf, targetID[:]...)
	tmp2 := make([]byte, 2)
	tmp8 := make([]byte, 8)
	binary.BigEndian.PutUint16(tmp2, uint16(len(serial)))
	buf = append(buf, tmp2...)
	buf = append(buf, serial...)
	binary.BigEndian.PutUint64(tmp8, issuedAt)
	buf = append(buf, tmp8...)
	binary.BigEndian.PutUint16(tmp2, uint16(len(reason)))
	buf = append(buf, tmp2...)
	buf = append(buf, reason...)
	return buf, nil
}
