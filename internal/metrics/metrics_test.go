package metrics

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCountersAndSnapshot(t *testing.T) {
	m := New()
	m.IncAccepted()
	m.IncAccepted()
	m.IncDropReplayed()
	m.IncPeersEvicted()
	m.IncDirectivesEmitted()
	snap := m.Snapshot()
	if snap.Ingest.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", snap.Ingest.Accepted)
	}
	if snap.Ingest.DropReplayed != 1 {
		t.Fatalf("drop_replayed = %d, want 1", snap.Ingest.DropReplayed)
	}
	if snap.Lifecycle.PeersEvicted != 1 || snap.Collision.DirectivesEmitted != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRecentDirectivesBounded(t *testing.T) {
	r := NewDirectiveRecent(2)
	r.Add(DirectiveHeader{PeerID: "a"})
	r.Add(DirectiveHeader{PeerID: "b"})
	r.Add(DirectiveHeader{PeerID: "c"})
	got := r.List()
	if len(got) != 2 || got[0].PeerID != "b" || got[1].PeerID != "c" {
		t.Fatalf("recent list = %+v, want [b c]", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncAccepted()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty snapshot file")
	}
}
