// Package hostkeys makes sure every SSH host identity key exists before the
// daemon starts. Existing keys are never regenerated.
package hostkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/cochaviz/guestboot/internal/logging"
	"github.com/cochaviz/guestboot/internal/setup"
)

// DefaultRSABits is used when an RSA key does not set Bits.
const DefaultRSABits = 3072

// Status describes what happened to one key.
type Status int

const (
	// Exists means the private key file was already present and left alone.
	Exists Status = iota
	// Generated means a new key pair was written.
	Generated
	// Failed means generation or writing failed.
	Failed
)

func (s Status) String() string {
	switch s {
	case Exists:
		return "exists"
	case Generated:
		return "generated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome for one configured key.
type Result struct {
	Algorithm   string
	Path        string
	Status      Status
	Fingerprint string
	Err         error
}

// Provisioner generates missing host keys.
type Provisioner struct {
	// Rand is the randomness source for key generation; crypto/rand when nil.
	Rand   io.Reader
	Logger *slog.Logger
	// Comment is stored in generated private keys and public key lines.
	Comment string
}

// New returns a Provisioner reading from crypto/rand.
func New(logger *slog.Logger) *Provisioner {
	comment := "root@localhost"
	if host, err := os.Hostname(); err == nil && host != "" {
		comment = "root@" + host
	}
	return &Provisioner{
		Rand:    rand.Reader,
		Logger:  logging.Ensure(logger).With("component", "hostkeys"),
		Comment: comment,
	}
}

// Provision ensures each key exists. Keys are handled independently; a failure
// for one does not prevent the others.
func (p *Provisioner) Provision(keys []setup.HostKey) []Result {
	logger := logging.Ensure(p.Logger)
	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		result := p.ensure(key)
		switch result.Status {
		case Exists:
			logger.Debug("host key present", "algorithm", key.Algorithm, "path", key.Path)
		case Generated:
			logger.Info("generated host key", "algorithm", key.Algorithm, "path", key.Path, "fingerprint", result.Fingerprint)
		case Failed:
			logger.Error("host key generation failed", "algorithm", key.Algorithm, "path", key.Path, "error", result.Err)
		}
		results = append(results, result)
	}
	return results
}

func (p *Provisioner) ensure(key setup.HostKey) Result {
	result := Result{Algorithm: key.Algorithm, Path: key.Path}

	if _, err := os.Lstat(key.Path); err == nil {
		result.Status = Exists
		return result
	} else if !errors.Is(err, fs.ErrNotExist) {
		result.Status = Failed
		result.Err = fmt.Errorf("stat %s: %w", key.Path, err)
		return result
	}

	private, err := p.generate(key)
	if err != nil {
		result.Status = Failed
		result.Err = err
		return result
	}
	fingerprint, err := p.write(key.Path, private)
	if err != nil {
		result.Status = Failed
		result.Err = err
		return result
	}
	result.Status = Generated
	result.Fingerprint = fingerprint
	return result
}

func (p *Provisioner) generate(key setup.HostKey) (crypto.Signer, error) {
	random := p.Rand
	if random == nil {
		random = rand.Reader
	}
	switch key.Algorithm {
	case setup.KeyRSA:
		bits := key.Bits
		if bits == 0 {
			bits = DefaultRSABits
		}
		return rsa.GenerateKey(random, bits)
	case setup.KeyECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), random)
	case setup.KeyEd25519:
		_, private, err := ed25519.GenerateKey(random)
		return private, err
	default:
		return nil, fmt.Errorf("unsupported host key algorithm %q", key.Algorithm)
	}
}

// write stores the private key at path (0600) and its public half at path.pub
// (0644), returning the SHA256 fingerprint.
func (p *Provisioner) write(path string, private crypto.Signer) (string, error) {
	block, err := ssh.MarshalPrivateKey(private, p.Comment)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	public, err := ssh.NewPublicKey(private.Public())
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	authorized := ssh.MarshalAuthorizedKey(public)
	if p.Comment != "" {
		authorized = append(authorized[:len(authorized)-1], []byte(" "+p.Comment+"\n")...)
	}
	if err := writeAtomic(path+".pub", authorized, 0o644); err != nil {
		return "", err
	}
	// the private key's presence marks the key as provisioned, so it goes last
	if err := writeAtomic(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(public), nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}
