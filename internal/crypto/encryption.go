package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/hkdf"
)

// derived keys stay in memory only while a user is active
const aeadCacheTTL = 10 * time.Minute

// EncryptionService encrypts private conversation turns with a per-user key.
// Ciphertexts are bound to their session through GCM associated data, so a
// turn copied into another session fails to decrypt.
type EncryptionService struct {
	masterKey []byte
	aeads     *cache.Cache // userID -> cipher.AEAD
}

// NewEncryptionService creates a new encryption service with the given master key
// masterKey should be a 32-byte hex-encoded string (64 characters)
func NewEncryptionService(masterKeyHex string) (*EncryptionService, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}

	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(masterKey))
	}

	return &EncryptionService{
		masterKey: masterKey,
		aeads:     cache.New(aeadCacheTTL, 2*aeadCacheTTL),
	}, nil
}

// DeriveUserKey derives a unique encryption key for a specific user using HKDF
func (e *EncryptionService) DeriveUserKey(userID string) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("user ID is required for key derivation")
	}

	hkdfReader := hkdf.New(sha256.New, e.masterKey, []byte(userID), []byte("familyhub-private-turns"))

	userKey := make([]byte, 32) // AES-256
	if _, err := io.ReadFull(hkdfReader, userKey); err != nil {
		return nil, fmt.Errorf("failed to derive user key: %w", err)
	}
	return userKey, nil
}

func (e *EncryptionService) aead(userID string) (cipher.AEAD, error) {
	if cached, ok := e.aeads.Get(userID); ok {
		return cached.(cipher.AEAD), nil
	}
	userKey, err := e.DeriveUserKey(userID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	e.aeads.SetDefault(userID, gcm)
	return gcm, nil
}

// SealTurn encrypts turn content for userID within sessionID.
// Returns base64-encoded ciphertext with the nonce prepended.
func (e *EncryptionService) SealTurn(userID, sessionID, content string) (string, error) {
	if content == "" {
		return "", nil
	}

	gcm, err := e.aead(userID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(content), []byte(sessionID))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenTurn decrypts content produced by SealTurn for the same user and session
func (e *EncryptionService) OpenTurn(userID, sessionID, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := e.aead(userID)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateMasterKey generates a new random 32-byte master key (for setup)
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
