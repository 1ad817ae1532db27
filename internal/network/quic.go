// Package network is the QUIC link layer. Transport TLS here is a
// deterministic development credential shared by every node; it encrypts
// the link but authenticates nothing. All authentication happens in the
// message layer, so a node that bypasses the handshake still cannot get
// an envelope admitted.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"v2vmesh/internal/debuglog"
	"v2vmesh/internal/proto"
)

const (
	alpnProtocol = "v2v-quic"

	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 5 * time.Second

	defaultMaxConnsPerIP   = 8
	defaultMaxStreamsPerIP = 64
)

// Responder handles one inbound message and optionally returns a reply
// written back on the same stream.
type Responder func(senderAddr string, data []byte) ([]byte, error)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("v2v-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProtocol},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

var acceptLimiter = newIPLimiter(defaultMaxConnsPerIP, defaultMaxStreamsPerIP)

// ListenAndServe accepts QUIC connections on addr and feeds every framed
// message to respond. When ready is non-nil the bound address is sent on
// it once, which lets callers listen on port 0. Returns when ctx is done
// or the listener fails.
func ListenAndServe(ctx context.Context, addr string, ready chan<- string, respond Responder) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return err
	}
	debuglog.Debugf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		select {
		case ready <- listener.Addr().String():
		default:
		}
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go serveConn(ctx, conn, respond)
	}
}

func serveConn(ctx context.Context, conn *quic.Conn, respond Responder) {
	remote := conn.RemoteAddr().String()
	ip := hostForAddr(remote)
	if !acceptLimiter.acquireConn(ip) {
		debuglog.Debugf("quic conn limit hit for %s", ip)
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer acceptLimiter.releaseConn(ip)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !acceptLimiter.acquireStream(ip) {
			stream.CancelRead(1)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer acceptLimiter.releaseStream(ip)
			serveStream(s, remote, respond)
		}(stream)
	}
}

func serveStream(stream *quic.Stream, remote string, respond Responder) {
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(streamRWTimeout))
	data, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		debuglog.Debugf("quic read error from %s: %v", remote, err)
		return
	}
	resp, err := respond(remote, data)
	if err != nil {
		debuglog.Debugf("responder error from %s: %v", remote, err)
		return
	}
	if len(resp) == 0 {
		return
	}
	_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, resp); err != nil {
		debuglog.Debugf("quic write error to %s: %v", remote, err)
	}
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
