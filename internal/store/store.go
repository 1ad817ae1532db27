// Package store persists revocation notices across restarts. Revocation
// is the one piece of trust state that must survive a process crash: a
// vehicle that forgot a revoked peer would re-admit it on the next
// handshake.
package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"v2vmesh/internal/proto"
)

const maxScanSize = 2 * proto.MaxFrameSize

// Journal is an append-only JSONL file of revocation notices. Appends
// are fsynced; a torn final line is skipped on replay.
type Journal struct {
	path string
}

func New(path string) *Journal {
	_ = os.MkdirAll(filepath.Dir(path), 0700)
	return &Journal{path: path}
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (j *Journal) Append(n proto.RevocationNotice) error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(n); err != nil {
		return err
	}
	return syncFile(f)
}

// List replays the journal. Later notices for the same target supersede
// earlier ones; unparseable lines are skipped.
func (j *Journal) List() ([]proto.RevocationNotice, error) {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byTarget := make(map[string]proto.RevocationNotice)
	var order []string
	sc := newScanner(f)
	for sc.Scan() {
		var n proto.RevocationNotice
		if err := json.Unmarshal(sc.Bytes(), &n); err != nil || n.TargetID == "" {
			continue
		}
		key := strings.ToLower(n.TargetID)
		if _, seen := byTarget[key]; !seen {
			order = append(order, key)
		}
		byTarget[key] = n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]proto.RevocationNotice, 0, len(order))
	for _, key := range order {
		out = append(out, byTarget[key])
	}
	return out, nil
}

// Has reports whether target appears in the journal.
func (j *Journal) Has(target string) (bool, error) {
	ns, err := j.List()
	if err != nil {
		return false, err
	}
	for _, n := range ns {
		if strings.EqualFold(n.TargetID, target) {
			return true, nil
		}
	}
	return false, nil
}

// Compact rewrites the journal keeping one notice per target. Duplicate
// appends accumulate when the same revocation is gossiped repeatedly.
func (j *Journal) Compact() error {
	ns, err := j.List()
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, n := range ns {
		if err := enc.Encode(n); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	syncDir(j.path)
	return nil
}
