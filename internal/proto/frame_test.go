package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"envelope","kind":"spatial"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}

func TestReadFrameWithTypeCapEnforcesPerTypeLimit(t *testing.T) {
	body := make([]byte, SoftMaxFrameSize+1)
	copy(body, []byte(`{"type":"hello1","pad":"`))
	for i := len(`{"type":"hello1","pad":"`); i < len(body); i++ {
		body[i] = 'a'
	}
	frame, err := EncodeFrame(body)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, MaxSizeForType); err == nil {
		t.Fatalf("expected per-type cap to reject oversized hello1")
	}
}
