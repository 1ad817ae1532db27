package store

import (
	"os"
	"path/filepath"
	"testing"

	"v2vmesh/internal/proto"
)

func notice(target, reason string, at uint64) proto.RevocationNotice {
	return proto.RevocationNotice{TargetID: target, Reason: reason, IssuedAt: at, Sig: "00"}
}

func TestJournalAppendAndReplay(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "revocations.jsonl"))
	if err := j.Append(notice("aa11", "compromised", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := j.Append(notice("bb22", "expired", 2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	ns, err := j.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ns) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(ns))
	}
	if ns[0].TargetID != "aa11" || ns[1].TargetID != "bb22" {
		t.Fatalf("unexpected order: %v", ns)
	}
	ok, err := j.Has("AA11")
	if err != nil || !ok {
		t.Fatalf("expected case-insensitive lookup to hit, ok=%v err=%v", ok, err)
	}
	ok, err = j.Has("cc33")
	if err != nil || ok {
		t.Fatalf("expected miss for unknown target, ok=%v err=%v", ok, err)
	}
}

func TestJournalDuplicatesSupersede(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "revocations.jsonl"))
	for i := uint64(1); i <= 3; i++ {
		if err := j.Append(notice("aa11", "again", i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	ns, err := j.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ns) != 1 {
		t.Fatalf("expected 1 notice after dedupe, got %d", len(ns))
	}
	if ns[0].IssuedAt != 3 {
		t.Fatalf("expected latest notice to win, got issued_at=%d", ns[0].IssuedAt)
	}
}

func TestJournalCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revocations.jsonl")
	j := New(path)
	for i := uint64(1); i <= 5; i++ {
		if err := j.Append(notice("aa11", "", i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := j.Compact(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(after) >= len(before) {
		t.Fatalf("compaction did not shrink the file: %d -> %d", len(before), len(after))
	}
	ns, err := j.List()
	if err != nil || len(ns) != 1 {
		t.Fatalf("expected 1 notice after compact, got %d err=%v", len(ns), err)
	}
}

func TestJournalSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revocations.jsonl")
	j := New(path)
	if err := j.Append(notice("aa11", "", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString(`{"target_id":"bb22","iss`); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = f.Close()
	ns, err := j.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ns) != 1 || ns[0].TargetID != "aa11" {
		t.Fatalf("expected only the intact notice, got %v", ns)
	}
}
