package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"v2vmesh/internal/config"
	"v2vmesh/internal/crypto"
	"v2vmesh/internal/daemon"
	"v2vmesh/internal/identity"
	"v2vmesh/internal/metrics"
	"v2vmesh/internal/pprofutil"
	"v2vmesh/internal/proto"
	"v2vmesh/internal/spatial"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "directives":
		return runDirectives(args[1:], stdout, stderr)
	case "revoke":
		return runRevoke(args[1:], stdout, stderr)
	case "demo":
		return runDemo(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: v2vnode <run|status|peers|directives|revoke|demo> [args]")
	fmt.Fprintln(w, "  run        [--config file] [--addr ip:port] [--peer idhex@addr] [--lat f --lon f [--speed f --heading f]] [--debug]")
	fmt.Fprintln(w, "  status     [--config file]")
	fmt.Fprintln(w, "  peers      [--config file]")
	fmt.Fprintln(w, "  directives [--config file] [--n 20]")
	fmt.Fprintln(w, "  revoke     [--config file] --id idhex [--reason text]")
	fmt.Fprintln(w, "  demo       [--duration 10s]")
}

// loadIdentity loads the vehicle keypair, dev authority keypair and
// certificate from the data directory, generating whatever is missing.
// The authority here is a local development root; a deployment replaces
// it with certificates issued out of band.
func loadIdentity(dataDir string) (identity.Certificate, []byte, []byte, *identity.Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return identity.Certificate{}, nil, nil, nil, err
	}
	pub, priv, err := crypto.LoadKeypair(dataDir)
	if err != nil {
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
		if err := crypto.SaveKeypair(dataDir, pub, priv); err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
	}
	authDir := filepath.Join(dataDir, "authority")
	if err := os.MkdirAll(authDir, 0700); err != nil {
		return identity.Certificate{}, nil, nil, nil, err
	}
	authPub, authPriv, err := crypto.LoadKeypair(authDir)
	if err != nil {
		authPub, authPriv, err = crypto.GenKeypair()
		if err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
		if err := crypto.SaveKeypair(authDir, authPub, authPriv); err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
	}

	var cert identity.Certificate
	certPath := filepath.Join(dataDir, "cert.json")
	data, err := os.ReadFile(certPath)
	if err == nil {
		cert, err = identity.DecodeCertificate(data)
	}
	if err != nil {
		cert, err = identity.IssueCertificate("dev-root", authPub, authPriv, pub, 365*24*time.Hour, []string{
			identity.CapEmergencyBroadcast,
			identity.CapTrajectoryExchange,
			identity.CapCollisionAvoidance,
		})
		if err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
		out, err := identity.EncodeCertificate(cert)
		if err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
		if err := os.WriteFile(certPath, out, 0600); err != nil {
			return identity.Certificate{}, nil, nil, nil, err
		}
	}

	trust := identity.NewStore()
	if err := trust.AddRoot(authPub); err != nil {
		return identity.Certificate{}, nil, nil, nil, err
	}
	return cert, pub, priv, trust, nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	addr := fs.String("addr", "", "listen addr (host:port), overrides config")
	peers := fs.String("peer", "", "comma-separated idhex@addr to connect at startup")
	lat := fs.Float64("lat", 91, "self latitude (degrees)")
	lon := fs.Float64("lon", 181, "self longitude (degrees)")
	speed := fs.Float64("speed", 0, "self speed (m/s)")
	heading := fs.Float64("heading", 0, "self heading (degrees)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("V2V_DEBUG", "1")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	cert, pub, priv, trust, err := loadIdentity(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	runner, err := daemon.NewRunner(cfg, cert, pub, priv, trust, daemon.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx, ready) }()
	select {
	case bound := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s vehicle_id=%s\n", bound, runner.SelfID().Hex())
	case err := <-errCh:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}

	for _, spec := range splitPeerSpecs(*peers) {
		id, peerAddr, err := parsePeerSpec(spec)
		if err != nil {
			fmt.Fprintf(stderr, "bad --peer %q: %v\n", spec, err)
			return 1
		}
		if err := runner.Connect(ctx, id, peerAddr); err != nil {
			fmt.Fprintf(stderr, "connect %s failed: %v\n", peerAddr, err)
		}
	}

	if *lat <= 90 && *lon <= 180 {
		go feedSamples(ctx, runner, cfg.SampleInterval, spatial.Sample{
			Position: spatial.Position{Latitude: *lat, Longitude: *lon, Accuracy: 3},
			Velocity: spatial.Velocity{Speed: *speed, Heading: *heading},
		})
	}

	go printDirectives(ctx, runner, stdout)

	err = <-errCh
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

// feedSamples dead-reckons the configured position forward at the sample
// cadence. Real deployments replace this with a positioning source.
func feedSamples(ctx context.Context, r *daemon.Runner, interval time.Duration, s spatial.Sample) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Seq++
			s.Timestamp = time.Now()
			s.Monotonic = time.Now().UnixNano()
			r.SetSample(s)
			s.Position = s.Extrapolate(interval.Seconds())
		}
	}
}

func printDirectives(ctx context.Context, r *daemon.Runner, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.Notifier.C():
			fmt.Fprintf(w, "DIRECTIVE action=%s risk=%s peer=%s tca=%.1fs sep=%.1fm\n",
				d.Action, d.Risk, d.EvidencePeerID.Hex(), d.TCA, d.MinSeparation)
		}
	}
}

func splitPeerSpecs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePeerSpec(spec string) (identity.VehicleID, string, error) {
	idHex, addr, ok := strings.Cut(spec, "@")
	if !ok || addr == "" {
		return identity.VehicleID{}, "", fmt.Errorf("want idhex@addr")
	}
	id, err := identity.ParseVehicleID(idHex)
	if err != nil {
		return identity.VehicleID{}, "", err
	}
	return id, addr, nil
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	snap := readMetricsSnapshot(metricsPath(cfg))
	fmt.Fprintln(stdout, "Local node counters (this vehicle's view only):")
	fmt.Fprintf(stdout, "  accepted: %d\n", snap.Ingest.Accepted)
	fmt.Fprintf(stdout, "  dropped: malformed=%d unauthenticated=%d replayed=%d rate_limited=%d stale=%d\n",
		snap.Ingest.DropMalformed, snap.Ingest.DropUnauth, snap.Ingest.DropReplayed,
		snap.Ingest.DropRateLimited, snap.Ingest.DropStale)
	fmt.Fprintf(stdout, "  handshakes: started=%d completed=%d failed=%d rekeys=%d\n",
		snap.Session.HandshakesStarted, snap.Session.HandshakesCompleted,
		snap.Session.HandshakesFailed, snap.Session.Rekeys)
	fmt.Fprintf(stdout, "  revocations: %d\n", snap.Session.Revocations)
	fmt.Fprintf(stdout, "  peers: registered=%d evicted=%d\n",
		snap.Lifecycle.PeersRegistered, snap.Lifecycle.PeersEvicted)
	fmt.Fprintf(stdout, "  collision: evaluations=%d directives=%d emergency_cycles=%d\n",
		snap.Collision.Evaluations, snap.Collision.DirectivesEmitted, snap.Collision.EmergencyCycles)
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "peers.json"))
	if err != nil {
		fmt.Fprintln(stdout, "peers: no local snapshot")
		return 0
	}
	var snap struct {
		GeneratedAt time.Time          `json:"generated_at"`
		Peers       []daemon.PeerEntry `json:"peers"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "peers: bad snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "as of %s\n", snap.GeneratedAt.Format(time.RFC3339))
	for _, p := range snap.Peers {
		state := "in_range"
		if p.OutOfRange {
			state = "out_of_range"
		}
		dist := "unknown"
		if p.Distance >= 0 {
			dist = fmt.Sprintf("%.0fm", p.Distance)
		}
		fmt.Fprintf(stdout, "%s dist=%s trust=%s %s last_seen=%s\n",
			p.ID, dist, p.Trust, state, p.LastSeen.Format(time.RFC3339))
	}
	return 0
}

func runDirectives(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("directives", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	n := fs.Int("n", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	snap := readMetricsSnapshot(metricsPath(cfg))
	recent := snap.Recent
	if *n > 0 && len(recent) > *n {
		recent = recent[len(recent)-*n:]
	}
	for _, h := range recent {
		peer := h.PeerID
		if len(peer) > 8 {
			peer = peer[:8]
		}
		fmt.Fprintf(stdout, "at=%s action=%s risk=%s peer=%s tca=%.1fs\n",
			time.UnixMilli(h.IssuedAt).Format(time.RFC3339), h.Action, h.Risk, peer, h.TCA)
	}
	return 0
}

// runRevoke signs a revocation notice with the local dev authority key
// and prints it for injection via a running node.
func runRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	idHex := fs.String("id", "", "target vehicle id hex")
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *idHex == "" {
		fmt.Fprintln(stderr, "missing --id")
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	target, err := identity.ParseVehicleID(*idHex)
	if err != nil {
		fmt.Fprintf(stderr, "bad --id: %v\n", err)
		return 1
	}
	_, authPriv, err := crypto.LoadKeypair(filepath.Join(cfg.DataDir, "authority"))
	if err != nil {
		fmt.Fprintf(stderr, "load authority keys failed: %v\n", err)
		return 1
	}
	issuedAt := uint64(time.Now().UnixMilli())
	input, err := proto.RevocationSignBytes(target, "", issuedAt, *reason)
	if err != nil {
		fmt.Fprintf(stderr, "encode revocation failed: %v\n", err)
		return 1
	}
	sig, err := crypto.SignDigest(authPriv, crypto.SHA3_256(input))
	if err != nil {
		fmt.Fprintf(stderr, "sign revocation failed: %v\n", err)
		return 1
	}
	notice := proto.RevocationNotice{
		TargetID: target.Hex(),
		Reason:   *reason,
		IssuedAt: issuedAt,
		Sig:      fmt.Sprintf("%x", sig),
	}
	out, err := json.MarshalIndent(notice, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "encode notice failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func metricsPath(cfg config.Config) string {
	if cfg.MetricsPath != "" {
		return cfg.MetricsPath
	}
	return filepath.Join(cfg.DataDir, "metrics.json")
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
