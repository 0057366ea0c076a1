package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// FileKeystore stores an Ed25519 device key sealed with AES-256-GCM in a
// single file. It is the portable fallback for platforms without a native
// key store; the Keystore interface is what the rest of the engine sees, so
// a platform-backed implementation can be dropped in without other changes.
type FileKeystore struct {
	path string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// OpenFileKeystore loads the sealed device key, generating and persisting a
// fresh one on first use.
func OpenFileKeystore(path string, sealKey []byte) (*FileKeystore, error) {
	ks := &FileKeystore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := Decrypt(string(data), sealKey)
		if err != nil {
			return nil, fmt.Errorf("unseal device key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("device key has wrong seed size %d", len(seed))
		}
		ks.priv = ed25519.NewKeyFromSeed(seed)

	case os.IsNotExist(err):
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate device key: %w", genErr)
		}
		sealed, sealErr := Encrypt(priv.Seed(), sealKey)
		if sealErr != nil {
			return nil, fmt.Errorf("seal device key: %w", sealErr)
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
			return nil, fmt.Errorf("create key directory: %w", mkErr)
		}
		if wErr := os.WriteFile(path, []byte(sealed), 0600); wErr != nil {
			return nil, fmt.Errorf("persist device key: %w", wErr)
		}
		ks.priv = priv

	default:
		return nil, fmt.Errorf("read device key: %w", err)
	}

	ks.pub = ks.priv.Public().(ed25519.PublicKey)
	return ks, nil
}

// Sign signs a message with the device key. Key access is a suspension point
// on platforms that gate it behind user interaction, so cancellation is
// checked before touching the key.
func (ks *FileKeystore) Sign(ctx context.Context, message []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return ed25519.Sign(ks.priv, message), nil
}

// PublicKey returns the device verification key.
func (ks *FileKeystore) PublicKey() ed25519.PublicKey {
	return ks.pub
}
