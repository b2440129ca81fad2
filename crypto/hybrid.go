package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// BundleVersion prefixes every serialized public bundle.
	BundleVersion byte = 1

	aes256KeySize = 32
	gcmNonceSize  = 12
	hybridInfo    = "meshrelay/hybrid/x25519-hkdf-sha256-aes256gcm/v1"
)

var (
	// ErrInvalidBundle indicates a public bundle that cannot be parsed.
	ErrInvalidBundle = errors.New("crypto: invalid public bundle")
	// ErrCiphertextTooShort indicates a hybrid ciphertext missing its header.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// MarshalPublicBundle serializes the public half of a local keypair.
func MarshalPublicBundle(publicKey *ecdh.PublicKey) []byte {
	raw := publicKey.Bytes()
	out := make([]byte, 0, 1+len(raw))
	out = append(out, BundleVersion)
	return append(out, raw...)
}

// ParsePublicBundle validates a bundle received from a peer.
func ParsePublicBundle(bundle []byte) (*ecdh.PublicKey, error) {
	if len(bundle) != 1+X25519KeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidBundle, len(bundle))
	}
	if bundle[0] != BundleVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidBundle, bundle[0])
	}
	publicKey, err := ParseX25519PublicKey(bundle[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return publicKey, nil
}

// SealTo encrypts plaintext so only the holder of recipient's private key can
// open it. Output layout: ephemeral public key | nonce | AES-256-GCM ciphertext.
func SealTo(recipient *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	shared, err := ComputeX25519SharedSecret(ephemeral, recipient)
	if err != nil {
		return nil, err
	}

	ephemeralPublic := ephemeral.PublicKey().Bytes()
	key, err := deriveHybridKey(shared, ephemeralPublic, recipient.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, X25519KeySize+gcmNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, ephemeralPublic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ephemeralPublic), nil
}

// OpenWith decrypts a SealTo ciphertext with the recipient's private key.
func OpenWith(privateKey *ecdh.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < X25519KeySize+gcmNonceSize+1 {
		return nil, ErrCiphertextTooShort
	}

	ephemeralPublic := ciphertext[:X25519KeySize]
	nonce := ciphertext[X25519KeySize : X25519KeySize+gcmNonceSize]
	sealed := ciphertext[X25519KeySize+gcmNonceSize:]

	peer, err := ParseX25519PublicKey(ephemeralPublic)
	if err != nil {
		return nil, err
	}
	shared, err := ComputeX25519SharedSecret(privateKey, peer)
	if err != nil {
		return nil, err
	}
	key, err := deriveHybridKey(shared, ephemeralPublic, privateKey.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups fingerprint text in uppercase chunks of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

func deriveHybridKey(shared, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hybridInfo)), key); err != nil {
		return nil, fmt.Errorf("derive hybrid key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
