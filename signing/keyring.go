package signing

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/spf13/afero"

	"github.com/spacemeshos/go-spacedb/common/types"
)

// ErrKeyNotFound is returned when the keyring holds no private key for a public key.
var ErrKeyNotFound = errors.New("signing: key not found")

const keyFileSuffix = ".key"

// Keyring stores private keys for feeds, devices and identities.
// Keys are persisted as hex encoded files named after the public key.
type Keyring struct {
	fs     afero.Fs
	dir    string
	prefix []byte

	mu      sync.Mutex
	signers map[types.PublicKey]*EdSigner
}

// KeyringOpt modifies Keyring.
type KeyringOpt func(*Keyring)

// WithKeyringPrefix sets the signing prefix for all keys in the keyring.
func WithKeyringPrefix(prefix []byte) KeyringOpt {
	return func(k *Keyring) {
		k.prefix = prefix
	}
}

// NewKeyring opens (creating if needed) a keyring in dir.
func NewKeyring(fsys afero.Fs, dir string, opts ...KeyringOpt) (*Keyring, error) {
	k := &Keyring{
		fs:      fsys,
		dir:     dir,
		signers: map[types.PublicKey]*EdSigner{},
	}
	for _, opt := range opts {
		opt(k)
	}
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keyring dir %s: %w", dir, err)
	}
	return k, nil
}

// NewMemKeyring returns a keyring that is never persisted to disk.
func NewMemKeyring(opts ...KeyringOpt) *Keyring {
	k, err := NewKeyring(afero.NewMemMapFs(), "keys", opts...)
	if err != nil {
		panic(err) // in memory fs can't fail to create a directory
	}
	return k
}

func (k *Keyring) path(pub types.PublicKey) string {
	return filepath.Join(k.dir, pub.String()+keyFileSuffix)
}

// Create generates a new key and persists it.
func (k *Keyring) Create() (*EdSigner, error) {
	signer, err := NewEdSigner(WithPrefix(k.prefix))
	if err != nil {
		return nil, err
	}
	return signer, k.Import(signer.PrivateKey())
}

// Import persists an existing private key.
func (k *Keyring) Import(priv PrivateKey) error {
	signer, err := NewEdSigner(WithPrivateKey(priv), WithPrefix(k.prefix))
	if err != nil {
		return err
	}
	dst := make([]byte, hex.EncodedLen(len(priv)))
	hex.Encode(dst, priv)
	if err := k.write(k.path(signer.PublicKey()), dst); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	k.mu.Lock()
	k.signers[signer.PublicKey()] = signer
	k.mu.Unlock()
	return nil
}

// write replaces key files on disk atomically so a crash never leaves a truncated key.
func (k *Keyring) write(path string, data []byte) error {
	if _, ok := k.fs.(*afero.OsFs); ok {
		return atomic.WriteFile(path, bytes.NewReader(data))
	}
	return afero.WriteFile(k.fs, path, data, 0o600)
}

// Get returns the signer for the public key or ErrKeyNotFound.
func (k *Keyring) Get(pub types.PublicKey) (*EdSigner, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if signer, ok := k.signers[pub]; ok {
		return signer, nil
	}
	data, err := afero.ReadFile(k.fs, k.path(pub))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, pub.ShortString())
	case err != nil:
		return nil, fmt.Errorf("read key file: %w", err)
	}
	priv := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(priv, data); err != nil {
		return nil, fmt.Errorf("decode key %s: %w", pub.ShortString(), err)
	}
	signer, err := NewEdSigner(WithPrivateKey(priv), WithPrefix(k.prefix))
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", pub.ShortString(), err)
	}
	if signer.PublicKey() != pub {
		return nil, fmt.Errorf("key file %s holds key %s", pub.ShortString(), signer.PublicKey().ShortString())
	}
	k.signers[pub] = signer
	return signer, nil
}

// Has returns true if the keyring holds the private key for pub.
func (k *Keyring) Has(pub types.PublicKey) bool {
	_, err := k.Get(pub)
	return err == nil
}

// Keys lists public keys of all stored private keys in sorted order.
func (k *Keyring) Keys() ([]types.PublicKey, error) {
	entries, err := afero.ReadDir(k.fs, k.dir)
	if err != nil {
		return nil, fmt.Errorf("read keyring dir: %w", err)
	}
	var keys []types.PublicKey
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), keyFileSuffix)
		if !ok || entry.IsDir() {
			continue
		}
		pub, err := types.PublicKeyFromHex(name)
		if err != nil {
			continue
		}
		keys = append(keys, pub)
	}
	types.SortPublicKeys(keys)
	return keys, nil
}
