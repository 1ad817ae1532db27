package network

import (
	"context"
	"errors"
	"time"

	quic "github.com/quic-go/quic-go"

	"v2vmesh/internal/debuglog"
	"v2vmesh/internal/proto"
)

var clientConns = newClientPool(clientConnIdle)

// Send writes one framed message to addr without waiting for a reply.
// Used for data envelopes, which never carry a stream response.
func Send(ctx context.Context, addr string, data []byte) error {
	_, err := roundTrip(ctx, addr, data, false)
	return err
}

// Exchange writes one framed message and reads a single framed reply on
// the same stream. The handshake uses this: hello1 out, hello2 back.
func Exchange(ctx context.Context, addr string, data []byte) ([]byte, error) {
	return roundTrip(ctx, addr, data, true)
}

func roundTrip(ctx context.Context, addr string, data []byte, wantResp bool) ([]byte, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := quicConfig()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		conn, err := clientConns.get(ctx, addr, tlsConf, quicConf)
		if err != nil {
			lastErr = err
			if !backoffRetry(ctx, clientConns.recordFailure(addr)) {
				break
			}
			continue
		}
		resp, err := runStream(ctx, conn, data, wantResp)
		if err != nil {
			lastErr = err
			clientConns.drop(addr, conn, "stream failed")
			if !backoffRetry(ctx, clientConns.recordFailure(addr)) {
				break
			}
			continue
		}
		clientConns.touch(addr, conn)
		clientConns.resetFailures(addr)
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	debuglog.RateLimitedf("send:"+addr, time.Second, "send to %s failed: %v", addr, lastErr)
	return nil, lastErr
}

func runStream(ctx context.Context, conn *quic.Conn, data []byte, wantResp bool) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, data); err != nil {
		return nil, err
	}
	if !wantResp {
		return nil, nil
	}
	_ = stream.SetReadDeadline(time.Now().Add(streamRWTimeout))
	return proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
