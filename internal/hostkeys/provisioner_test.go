package hostkeys

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/setup"
)

func testKeys(dir string) []setup.HostKey {
	return []setup.HostKey{
		// smaller than the default to keep the test fast
		{Algorithm: setup.KeyRSA, Path: filepath.Join(dir, "ssh_host_rsa_key"), Bits: 2048},
		{Algorithm: setup.KeyECDSA, Path: filepath.Join(dir, "ssh_host_ecdsa_key")},
		{Algorithm: setup.KeyEd25519, Path: filepath.Join(dir, "ssh_host_ed25519_key")},
	}
}

func TestProvisionGeneratesMissingKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "etc", "ssh")
	provisioner := New(logging.Discard())

	results := provisioner.Provision(testKeys(dir))
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	wantTypes := map[string]string{
		setup.KeyRSA:     ssh.KeyAlgoRSA,
		setup.KeyECDSA:   ssh.KeyAlgoECDSA256,
		setup.KeyEd25519: ssh.KeyAlgoED25519,
	}
	for _, result := range results {
		if result.Status != Generated {
			t.Fatalf("%s: expected generated, got %v (%v)", result.Algorithm, result.Status, result.Err)
		}
		if !strings.HasPrefix(result.Fingerprint, "SHA256:") {
			t.Fatalf("%s: unexpected fingerprint %q", result.Algorithm, result.Fingerprint)
		}

		info, err := os.Stat(result.Path)
		if err != nil {
			t.Fatalf("stat private key: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s: private key mode %v", result.Algorithm, info.Mode().Perm())
		}
		info, err = os.Stat(result.Path + ".pub")
		if err != nil {
			t.Fatalf("stat public key: %v", err)
		}
		if info.Mode().Perm() != 0o644 {
			t.Fatalf("%s: public key mode %v", result.Algorithm, info.Mode().Perm())
		}

		pemBytes, err := os.ReadFile(result.Path)
		if err != nil {
			t.Fatalf("read private key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			t.Fatalf("%s: parse private key: %v", result.Algorithm, err)
		}
		if signer.PublicKey().Type() != wantTypes[result.Algorithm] {
			t.Fatalf("%s: unexpected key type %s", result.Algorithm, signer.PublicKey().Type())
		}

		pubBytes, err := os.ReadFile(result.Path + ".pub")
		if err != nil {
			t.Fatalf("read public key: %v", err)
		}
		public, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
		if err != nil {
			t.Fatalf("%s: parse public key: %v", result.Algorithm, err)
		}
		if !bytes.Equal(public.Marshal(), signer.PublicKey().Marshal()) {
			t.Fatalf("%s: public key does not match private key", result.Algorithm)
		}
		if ssh.FingerprintSHA256(public) != result.Fingerprint {
			t.Fatalf("%s: fingerprint mismatch", result.Algorithm)
		}
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	keys := testKeys(dir)
	provisioner := New(logging.Discard())
	provisioner.Provision(keys)

	before := map[string][]byte{}
	for _, key := range keys {
		data, err := os.ReadFile(key.Path)
		if err != nil {
			t.Fatalf("read %s: %v", key.Path, err)
		}
		before[key.Path] = data
	}

	for _, result := range provisioner.Provision(keys) {
		if result.Status != Exists {
			t.Fatalf("%s: expected exists on second run, got %v", result.Algorithm, result.Status)
		}
	}
	for _, key := range keys {
		data, err := os.ReadFile(key.Path)
		if err != nil {
			t.Fatalf("read %s: %v", key.Path, err)
		}
		if !bytes.Equal(before[key.Path], data) {
			t.Fatalf("%s was rewritten", key.Path)
		}
	}
}

func TestProvisionRegeneratesOnlyDeletedKey(t *testing.T) {
	dir := t.TempDir()
	keys := testKeys(dir)
	provisioner := New(logging.Discard())
	provisioner.Provision(keys)

	ecdsaPath := keys[1].Path
	if err := os.Remove(ecdsaPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	results := provisioner.Provision(keys)
	want := []Status{Exists, Generated, Exists}
	for i, result := range results {
		if result.Status != want[i] {
			t.Fatalf("%s: expected %v, got %v", result.Algorithm, want[i], result.Status)
		}
	}
	if _, err := os.Stat(ecdsaPath); err != nil {
		t.Fatalf("ecdsa key not regenerated: %v", err)
	}
}

func TestProvisionContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	keys := []setup.HostKey{
		{Algorithm: setup.KeyEd25519, Path: filepath.Join(blocker, "ssh_host_ed25519_key")},
		{Algorithm: "dsa", Path: filepath.Join(dir, "ssh_host_dsa_key")},
		{Algorithm: setup.KeyEd25519, Path: filepath.Join(dir, "ssh_host_ed25519_key")},
	}
	results := New(logging.Discard()).Provision(keys)
	if results[0].Status != Failed || results[0].Err == nil {
		t.Fatalf("expected failure under a file, got %#v", results[0])
	}
	if results[1].Status != Failed {
		t.Fatalf("expected unsupported algorithm to fail, got %#v", results[1])
	}
	if results[2].Status != Generated {
		t.Fatalf("expected last key generated, got %#v", results[2])
	}
}
