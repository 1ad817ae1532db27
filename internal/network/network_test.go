package network

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestLoopbackExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	go func() {
		_ = ListenAndServe(ctx, "127.0.0.1:0", ready, func(senderAddr string, data []byte) ([]byte, error) {
			return append([]byte(`{"type":"hello2","echo":true,"got":`), append(data, '}')...), nil
		})
	}()
	var addr string
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener never became ready")
	}

	req := []byte(`{"type":"hello1"}`)
	resp, err := Exchange(ctx, addr, req)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if !bytes.Contains(resp, req) {
		t.Fatalf("response %q does not echo request", resp)
	}
}

func TestSendNoResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	got := make(chan []byte, 1)
	go func() {
		_ = ListenAndServe(ctx, "127.0.0.1:0", ready, func(senderAddr string, data []byte) ([]byte, error) {
			select {
			case got <- data:
			default:
			}
			return nil, nil
		})
	}()
	var addr string
	select {
	case addr = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("listener never became ready")
	}

	msg := []byte(`{"type":"envelope","kind":"heartbeat"}`)
	if err := Send(ctx, addr, msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case data := <-got:
		if !bytes.Equal(data, msg) {
			t.Fatalf("server received %q, want %q", data, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received the message")
	}
}

func TestIPLimiterBounds(t *testing.T) {
	l := newIPLimiter(2, 1)
	if !l.acquireConn("10.0.0.1") || !l.acquireConn("10.0.0.1") {
		t.Fatalf("first two conns should be admitted")
	}
	if l.acquireConn("10.0.0.1") {
		t.Fatalf("third conn should be refused")
	}
	if !l.acquireConn("10.0.0.2") {
		t.Fatalf("other hosts are not affected")
	}
	l.releaseConn("10.0.0.1")
	if !l.acquireConn("10.0.0.1") {
		t.Fatalf("released slot should be reusable")
	}
	if !l.acquireStream("10.0.0.1") {
		t.Fatalf("first stream should be admitted")
	}
	if l.acquireStream("10.0.0.1") {
		t.Fatalf("second stream should be refused")
	}
}
