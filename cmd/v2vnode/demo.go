package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"v2vmesh/internal/config"
	"v2vmesh/internal/crypto"
	"v2vmesh/internal/daemon"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/spatial"
)

// runDemo starts two nodes on loopback QUIC, drives them toward each
// other head-on and prints the avoidance directives each one issues.
// Everything is throwaway: fresh keys, fresh temp dirs, no state kept.
func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	duration := fs.Duration("duration", 10*time.Second, "how long to run")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	authPub, authPriv, err := crypto.GenKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "demo keygen failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	a, addrA, err := demoRunner(ctx, "a", authPub, authPriv)
	if err != nil {
		fmt.Fprintf(stderr, "start node a failed: %v\n", err)
		return 1
	}
	b, addrB, err := demoRunner(ctx, "b", authPub, authPriv)
	if err != nil {
		fmt.Fprintf(stderr, "start node b failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node a %s at %s\n", a.SelfID().Hex()[:8], addrA)
	fmt.Fprintf(stdout, "node b %s at %s\n", b.SelfID().Hex()[:8], addrB)

	if err := a.Connect(ctx, b.SelfID(), addrB); err != nil {
		fmt.Fprintf(stderr, "handshake failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "session established")

	go printDemoDirectives(ctx, "a", a, stdout)
	go printDemoDirectives(ctx, "b", b, stdout)

	// Head-on approach: a drives north at 15 m/s, b starts ~200m ahead
	// driving south at 15 m/s. Closing speed 30 m/s.
	const lat0, lon0 = 37.7749, -122.4194
	sa := spatial.Sample{
		Position: spatial.Position{Latitude: lat0, Longitude: lon0, Accuracy: 2},
		Velocity: spatial.Velocity{Speed: 15, Heading: 0},
	}
	sb := spatial.Sample{
		Position: spatial.Position{Latitude: lat0 + 0.0018, Longitude: lon0, Accuracy: 2},
		Velocity: spatial.Velocity{Speed: 15, Heading: 180},
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout, "demo finished")
			return 0
		case <-ticker.C:
			sa.Seq++
			sb.Seq++
			now := time.Now()
			sa.Timestamp, sb.Timestamp = now, now
			sa.Monotonic, sb.Monotonic = now.UnixNano(), now.UnixNano()
			a.SetSample(sa)
			b.SetSample(sb)
			dist := sa.Position.DistanceTo(sb.Position)
			if dist < 40 {
				_ = b.BroadcastEmergency(ctx, "hard_brake", "demo")
				sb.Velocity.Speed = 0
			}
			sa.Position = sa.Extrapolate(0.1)
			sb.Position = sb.Extrapolate(0.1)
		}
	}
}

func demoRunner(ctx context.Context, name string, authPub, authPriv []byte) (*daemon.Runner, string, error) {
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		return nil, "", err
	}
	cert, err := identity.IssueCertificate("dev-root", authPub, authPriv, pub, time.Hour, []string{
		identity.CapEmergencyBroadcast,
		identity.CapTrajectoryExchange,
		identity.CapCollisionAvoidance,
	})
	if err != nil {
		return nil, "", err
	}
	trust := identity.NewStore()
	if err := trust.AddRoot(authPub); err != nil {
		return nil, "", err
	}
	dir, err := os.MkdirTemp("", "v2vdemo-"+name+"-")
	if err != nil {
		return nil, "", err
	}
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.ListenAddr = "127.0.0.1:0"
	runner, err := daemon.NewRunner(cfg, cert, pub, priv, trust, daemon.Options{})
	if err != nil {
		return nil, "", err
	}
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx, ready) }()
	select {
	case addr := <-ready:
		return runner, addr, nil
	case err := <-errCh:
		return nil, "", err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func printDemoDirectives(ctx context.Context, name string, r *daemon.Runner, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.Notifier.C():
			fmt.Fprintf(w, "[%s] action=%s risk=%s peer=%s tca=%.1fs sep=%.1fm\n",
				name, d.Action, d.Risk, d.EvidencePeerID.Hex()[:8], d.TCA, d.MinSeparation)
		}
	}
}
