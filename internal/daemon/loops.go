package daemon

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"v2vmesh/internal/debuglog"
	"v2vmesh/internal/network"
)

// Run starts the listener and the periodic loops, then blocks until ctx
// is done or the listener fails. When ready is non-nil the bound listen
// address is delivered on it once.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	internalReady := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- network.ListenAndServe(ctx, r.Cfg.ListenAddr, internalReady, func(senderAddr string, data []byte) ([]byte, error) {
			return r.Ingest(data, senderAddr)
		})
	}()
	select {
	case addr := <-internalReady:
		r.setListenAddr(addr)
		if ready != nil {
			select {
			case ready <- addr:
			default:
			}
		}
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	go r.runLifecycle(ctx)
	go r.runEval(ctx)
	go r.runFlush(ctx)
	go r.runSnapshots(ctx)

	err := <-errCh
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runLifecycle drives eviction, replay-window maintenance, rekeying,
// epoch key distribution and heartbeats on one shared cadence.
func (r *Runner) runLifecycle(ctx context.Context) {
	ticker := r.clk.Ticker(r.Cfg.LifecycleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.LifecycleTick(ctx)
		}
	}
}

// LifecycleTick runs one maintenance pass. Exposed so tests can step it
// against a mock clock.
func (r *Runner) LifecycleTick(ctx context.Context) {
	for _, id := range r.Table.Sweep() {
		debuglog.Debugf("evicted peer %s", id.Hex())
	}
	r.Guard.Sweep()
	for _, id := range r.Sessions.SweepExpired() {
		r.Metrics.IncRekeys()
		r.clearRetries(id)
		if err := r.ensureSession(ctx, id); err != nil {
			debuglog.Debugf("rekey handshake with %s failed: %v", id.Hex(), err)
		}
	}
	r.shareEpochKeys()
	r.SendHeartbeat()
}

func (r *Runner) runEval(ctx context.Context) {
	ticker := r.clk.Ticker(r.Cfg.EvalTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateNow()
		}
	}
}

func (r *Runner) runFlush(ctx context.Context) {
	ticker := r.clk.Ticker(r.Cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.FlushOutbound(ctx)
		}
	}
}

func (r *Runner) runSnapshots(ctx context.Context) {
	ticker := r.clk.Ticker(r.Cfg.LifecycleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
				debuglog.Debugf("write metrics snapshot failed: %v", err)
			}
			r.writePeersSnapshot()
		}
	}
}

// PeerEntry is one row of the on-disk peer snapshot read by the CLI.
type PeerEntry struct {
	ID         string    `json:"id"`
	Distance   float64   `json:"distance_m"`
	LastSeen   time.Time `json:"last_seen"`
	Trust      string    `json:"trust"`
	OutOfRange bool      `json:"out_of_range,omitempty"`
}

func (r *Runner) writePeersSnapshot() {
	if r.peersPath == "" {
		return
	}
	snapshot := r.Table.Snapshot()
	out := struct {
		GeneratedAt time.Time   `json:"generated_at"`
		Peers       []PeerEntry `json:"peers"`
	}{GeneratedAt: r.clk.Now().UTC(), Peers: make([]PeerEntry, 0, len(snapshot))}
	for _, rec := range snapshot {
		out.Peers = append(out.Peers, PeerEntry{
			ID:         rec.ID.Hex(),
			Distance:   rec.Distance,
			LastSeen:   rec.LastSeen,
			Trust:      rec.Trust.String(),
			OutOfRange: !rec.OutOfRangeSince.IsZero(),
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(r.peersPath, data, 0600)
}
