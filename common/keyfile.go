package common

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/mr-tron/base58"
)

// Key files hold the base58 encoding of seed || public key, the same 64 bytes
// wallets export as a private key.
const keyFileSize = 64

func LoadKeyPair(path string) (*types.KeyPair, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := base58.Decode(strings.TrimSpace(string(bz)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	if len(raw) != keyFileSize {
		return nil, fmt.Errorf("key file %s: expected %d bytes, got %d", path, keyFileSize, len(raw))
	}
	kp, err := types.NewKeyPair(raw[:32])
	if err != nil {
		return nil, err
	}
	pub := kp.PublicKey()
	if !bytes.Equal(pub[:], raw[32:]) {
		return nil, fmt.Errorf("key file %s: public key does not match seed", path)
	}
	return kp, nil
}

func SaveKeyPair(path string, kp *types.KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	pub := kp.PublicKey()
	raw := append(append([]byte{}, kp.Seed()...), pub[:]...)
	return os.WriteFile(path, []byte(base58.Encode(raw)+"\n"), 0o600)
}

// LoadOrCreateKeyPair generates and saves a key when path does not exist.
func LoadOrCreateKeyPair(path string) (*types.KeyPair, bool, error) {
	kp, err := LoadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	kp = types.GenerateKeyPair()
	if err := SaveKeyPair(path, kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}
