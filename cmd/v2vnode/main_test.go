package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"v2vmesh/internal/identity"
	"v2vmesh/internal/metrics"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "v2vnode") {
		t.Fatalf("expected help output to mention v2vnode")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"bogus"}, &out, &out)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command message, got %q", out.String())
	}
}

func TestLoadIdentityProvisionsAndReloads(t *testing.T) {
	dir := t.TempDir()
	cert1, pub1, _, trust, err := loadIdentity(dir)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := trust.ValidateCertificate(cert1, time.Now()); err != nil {
		t.Fatalf("provisioned certificate should validate: %v", err)
	}
	if !cert1.HasCapability(identity.CapEmergencyBroadcast) {
		t.Fatalf("expected emergency broadcast capability")
	}

	cert2, pub2, _, _, err := loadIdentity(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Fatalf("reload generated a new keypair")
	}
	if cert1.Serial != cert2.Serial {
		t.Fatalf("reload reissued the certificate")
	}
}

func TestParsePeerSpec(t *testing.T) {
	id := identity.DeriveVehicleID([]byte("some public key"))
	got, addr, err := parsePeerSpec(id.Hex() + "@127.0.0.1:9000")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got != id || addr != "127.0.0.1:9000" {
		t.Fatalf("got id=%s addr=%s", got.Hex(), addr)
	}
	if _, _, err := parsePeerSpec("nothex@addr"); err == nil {
		t.Fatalf("expected error for bad id")
	}
	if _, _, err := parsePeerSpec("deadbeef"); err == nil {
		t.Fatalf("expected error for missing addr")
	}
}

func TestStatusReadsMetricsSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	m.IncAccepted()
	m.IncAccepted()
	m.IncDropReplayed()
	path := filepath.Join(dir, "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	t.Setenv("V2V_DATA_DIR", dir)

	var out, errOut bytes.Buffer
	code := run([]string{"status"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("status failed: %d %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "accepted: 2") {
		t.Fatalf("expected accepted count in output, got %q", out.String())
	}
	if !strings.Contains(out.String(), "replayed=1") {
		t.Fatalf("expected replay count in output, got %q", out.String())
	}
}

func TestPeersWithoutSnapshot(t *testing.T) {
	t.Setenv("V2V_DATA_DIR", t.TempDir())
	var out, errOut bytes.Buffer
	code := run([]string{"peers"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("peers failed: %d %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "no local snapshot") {
		t.Fatalf("expected no-snapshot message, got %q", out.String())
	}
}

func TestRevokeEmitsVerifiableNotice(t *testing.T) {
	dir := t.TempDir()
	if _, _, _, _, err := loadIdentity(dir); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	t.Setenv("V2V_DATA_DIR", dir)
	target := identity.DeriveVehicleID([]byte("victim public key"))

	var out, errOut bytes.Buffer
	code := run([]string{"revoke", "--id", target.Hex(), "--reason", "compromised"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("revoke failed: %d %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), target.Hex()) {
		t.Fatalf("expected notice to name target, got %q", out.String())
	}
	if !strings.Contains(out.String(), "compromised") {
		t.Fatalf("expected reason in notice, got %q", out.String())
	}
}
