package proto

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const (
	maxFuzzBytes = 1 << 16
	fuzzTimeout  = 100 * time.Millisecond
)

func capBytes(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

func withTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = capBytes(data, maxFuzzBytes)
		withTimeout(t, fuzzTimeout, func() {
			r := bytes.NewReader(data)
			_, _ = ReadFrameWithTypeCap(r, SoftMaxFrameSize, MaxSizeForType)
		})
	})
}

func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":"envelope","kind":"spatial","from_id":"` + strings.Repeat("00", 32) + `","cert_serial":"s","seq":1,"priority":"normal","ts":1,"nonce":"` + strings.Repeat("00", 24) + `","sealed":"00","sig":"00"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = capBytes(data, maxFuzzBytes)
		withTimeout(t, fuzzTimeout, func() {
			m, err := DecodeEnvelope(data)
			if err != nil {
				return
			}
			_, _, _, _, _, _ = DecodeEnvelopeFields(m)
			_, _ = EncodeEnvelope(m)
		})
	})
}

func FuzzDecodePayload(f *testing.F) {
	f.Add([]byte(`{"kind":"heartbeat","heartbeat":{"sent_at":1}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = capBytes(data, maxFuzzBytes)
		withTimeout(t, fuzzTimeout, func() {
			p, err := DecodePayload(data)
			if err == nil {
				_, _ = EncodePayload(p)
			}
		})
	})
}
