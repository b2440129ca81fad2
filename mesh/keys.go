package mesh

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"meshrelay/crypto"
)

var (
	// ErrNoKey indicates a unicast send to a peer whose key is unknown.
	ErrNoKey = errors.New("mesh: no key for recipient")
	// ErrDecrypt indicates an addressed payload that could not be opened.
	ErrDecrypt = errors.New("mesh: decrypt failed")
)

// KeyRing holds the local hybrid-encryption keypair for this session and the
// public keys advertised by peers. The first key seen for a peer wins.
type KeyRing struct {
	private *ecdh.PrivateKey
	bundle  []byte

	mu    sync.RWMutex
	peers map[string]*ecdh.PublicKey
}

// NewKeyRing generates a fresh session keypair. Keys are never persisted.
func NewKeyRing() (*KeyRing, error) {
	private, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyRing{
		private: private,
		bundle:  crypto.MarshalPublicBundle(private.PublicKey()),
		peers:   make(map[string]*ecdh.PublicKey),
	}, nil
}

// PublicBundle returns the serialized local public key.
func (k *KeyRing) PublicBundle() []byte {
	return append([]byte(nil), k.bundle...)
}

// PublicBundleBase64 returns the KEY envelope payload for this node.
func (k *KeyRing) PublicBundleBase64() string {
	return base64.StdEncoding.EncodeToString(k.bundle)
}

// Fingerprint returns the local public key fingerprint.
func (k *KeyRing) Fingerprint() string {
	return crypto.KeyFingerprint(k.private.PublicKey().Bytes())
}

// ImportPeerBundle stores the key advertised by peerID unless one is already
// known. It reports whether the key was added.
func (k *KeyRing) ImportPeerBundle(peerID, encoded string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("%w: %v", crypto.ErrInvalidBundle, err)
	}
	publicKey, err := crypto.ParsePublicBundle(raw)
	if err != nil {
		return false, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.peers[peerID]; exists {
		return false, nil
	}
	k.peers[peerID] = publicKey
	return true, nil
}

// Forget drops the key of peerID. It reports whether one was held.
func (k *KeyRing) Forget(peerID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.peers[peerID]; !exists {
		return false
	}
	delete(k.peers, peerID)
	return true
}

// HasKey reports whether peerID can be encrypted for.
func (k *KeyRing) HasKey(peerID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.peers[peerID]
	return ok
}

// KnownPeers returns the ids with an imported key, sorted.
func (k *KeyRing) KnownPeers() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.peers))
	for id := range k.peers {
		out = append(out, id)
	}
	k.mu.RUnlock()

	sort.Strings(out)
	return out
}

// PeerFingerprint returns the fingerprint of a peer's imported key.
func (k *KeyRing) PeerFingerprint(peerID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	publicKey, ok := k.peers[peerID]
	if !ok {
		return "", false
	}
	return crypto.KeyFingerprint(publicKey.Bytes()), true
}

// Len returns the number of imported peer keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.peers)
}

// EncryptFor seals plaintext for peerID and returns the Base64 payload.
func (k *KeyRing) EncryptFor(peerID string, plaintext []byte) (string, error) {
	k.mu.RLock()
	publicKey, ok := k.peers[peerID]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoKey, peerID)
	}

	sealed, err := crypto.SealTo(publicKey, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt for %q: %w", peerID, err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptOwn opens a Base64 payload sealed to the local key.
func (k *KeyRing) DecryptOwn(payload string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := crypto.OpenWith(k.private, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
