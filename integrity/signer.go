package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

// Signer produces non-repudiation signatures over block hashes
type Signer struct {
	priv ed25519.PrivKey
}

// NewSigner wraps an existing ed25519 private key
func NewSigner(priv ed25519.PrivKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	return &Signer{priv: priv}, nil
}

// GenerateSigner creates a signer with a fresh random key
func GenerateSigner() *Signer {
	return &Signer{priv: ed25519.GenPrivKey()}
}

// SignerFromSecret derives a deterministic signer from secret
func SignerFromSecret(secret []byte) *Signer {
	return &Signer{priv: ed25519.GenPrivKeyFromSecret(secret)}
}

// LoadOrCreateSigner reads a hex encoded private key from path, generating and
// persisting one when the file does not exist.
func LoadOrCreateSigner(path string) (*Signer, error) {
	bz, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(bz)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode signing key %s: %w", path, err)
		}
		return NewSigner(ed25519.PrivKey(raw))
	case os.IsNotExist(err):
		signer := GenerateSigner()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(signer.priv)), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write signing key: %w", err)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("failed to read signing key %s: %w", path, err)
	}
}

// PublicKey returns the hex encoded public key
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.priv.PubKey().Bytes())
}

// Sign signs the ASCII block hash and returns the hex signature
func (s *Signer) Sign(blockHash string) (string, error) {
	sig, err := s.priv.Sign([]byte(blockHash))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// VerifySignature checks a hex signature over blockHash against a hex public key
func VerifySignature(pubKeyHex, blockHash, sigHex string) bool {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PubKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.PubKey(pub).VerifySignature([]byte(blockHash), sig)
}

// DeriveKey expands a shared secret into an n byte key bound to info
func DeriveKey(secret []byte, info string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
