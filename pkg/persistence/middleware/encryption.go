package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// envelopePrefix marks an encrypted string.
const envelopePrefix = "enc:v1:"

// ErrNotEncrypted is returned when stored data lacks the encryption envelope.
var ErrNotEncrypted = errors.New("stored data is missing the encryption envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	ports.Persistence
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts slot values,
// memory content and pending responses using AES-GCM. Identifiers, step ids
// and statuses stay readable for operations.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.Persistence) ports.Persistence {
		return &encryptionMiddleware{
			Persistence: next,
			config:      config,
		}
	}, nil
}

func (m *encryptionMiddleware) seal(plain []byte) (string, error) {
	ciphertext, err := encrypt(plain, m.config.ActiveKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (m *encryptionMiddleware) open(sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, envelopePrefix)
	if !ok {
		return nil, ErrNotEncrypted
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plain, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

func (m *encryptionMiddleware) SetSlot(ctx context.Context, key domain.ScopeKey, name string, value domain.Value) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal slot: %w", err)
	}
	sealed, err := m.seal(plain)
	if err != nil {
		return err
	}
	return m.Persistence.SetSlot(ctx, key, name, domain.String(sealed))
}

func (m *encryptionMiddleware) GetSlot(ctx context.Context, key domain.ScopeKey, name string) (domain.Value, bool, error) {
	envelope, ok, err := m.Persistence.GetSlot(ctx, key, name)
	if err != nil || !ok {
		return envelope, ok, err
	}
	sealed, _ := envelope.AsString()
	plain, err := m.open(sealed)
	if err != nil {
		return domain.Null(), false, fmt.Errorf("slot %q: %w", name, err)
	}
	var v domain.Value
	if err := json.Unmarshal(plain, &v); err != nil {
		return domain.Null(), false, fmt.Errorf("failed to unmarshal slot: %w", err)
	}
	return v, true, nil
}

func (m *encryptionMiddleware) AppendMemory(ctx context.Context, entry domain.MemoryEntry) error {
	sealed, err := m.seal([]byte(entry.Content))
	if err != nil {
		return err
	}
	entry.Content = sealed
	return m.Persistence.AppendMemory(ctx, entry)
}

func (m *encryptionMiddleware) UpdateMemory(ctx context.Context, conversationID, entryID, content string) error {
	sealed, err := m.seal([]byte(content))
	if err != nil {
		return err
	}
	return m.Persistence.UpdateMemory(ctx, conversationID, entryID, sealed)
}

func (m *encryptionMiddleware) QueryMemory(ctx context.Context, conversationID string, q domain.MemoryQuery) ([]domain.MemoryEntry, error) {
	entries, err := m.Persistence.QueryMemory(ctx, conversationID, q)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		plain, err := m.open(entries[i].Content)
		if err != nil {
			return nil, fmt.Errorf("memory entry %s: %w", entries[i].ID, err)
		}
		entries[i].Content = string(plain)
	}
	return entries, nil
}

func (m *encryptionMiddleware) SaveState(ctx context.Context, conversationID string, state *domain.ConversationState) error {
	if state.PendingResponse == nil {
		return m.Persistence.SaveState(ctx, conversationID, state)
	}
	sealed, err := m.seal([]byte(*state.PendingResponse))
	if err != nil {
		return err
	}
	envelope := *state
	envelope.PendingResponse = &sealed
	return m.Persistence.SaveState(ctx, conversationID, &envelope)
}

func (m *encryptionMiddleware) LoadState(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	state, err := m.Persistence.LoadState(ctx, conversationID)
	if err != nil || state.PendingResponse == nil {
		return state, err
	}
	plain, err := m.open(*state.PendingResponse)
	if err != nil {
		return nil, fmt.Errorf("pending response: %w", err)
	}
	pending := string(plain)
	state.PendingResponse = &pending
	return state, nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	ciphertextBytes := ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertextBytes, nil)
}
