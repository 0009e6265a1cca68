package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Backend is the key custody contract used by the chat client.
type Backend interface {
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	StoreIdentity(ctx context.Context, record IdentityRecord) error
	LoadIdentity(ctx context.Context, userID string) (IdentityRecord, error)
	DeleteIdentity(ctx context.Context, userID string) error
	ListIdentities(ctx context.Context) ([]string, error)
}

// FileBackend is a file-based keystore with Argon2id master key derivation and
// a sealed map of identity records.
type FileBackend struct {
	path       string
	salt       []byte
	masterKey  []byte
	identities map[string]IdentityRecord
	mu         sync.RWMutex
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked         = errors.New("keystore is locked")
	ErrAlreadyExists  = errors.New("keystore already exists")
	ErrNotInitialized = errors.New("keystore not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted keystore")
)

type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	Identities map[string]IdentityRecord `json:"identities,omitempty"`
}

// NewFileBackend constructs a keystore backed by the provided file path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:       path,
		identities: make(map[string]IdentityRecord),
	}
}

// Path returns the backing file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Exists reports whether the keystore file is present on disk.
func (b *FileBackend) Exists() bool {
	_, err := os.Stat(b.path)
	return err == nil
}

// Initialize creates the keystore file if it does not already exist.
func (b *FileBackend) Initialize(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}

	if _, err := os.Stat(b.path); err == nil {
		return ErrAlreadyExists
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	zeroIdentityMap(b.identities)
	b.salt = salt
	zeroBytes(b.masterKey)
	b.masterKey = deriveMasterKey(passphrase, salt)
	b.identities = make(map[string]IdentityRecord)

	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}

	return ctx.Err()
}

// Unlock loads the keystore file and derives the master key.
func (b *FileBackend) Unlock(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", ErrCorruptFile)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	master := deriveMasterKey(passphrase, salt)
	identities, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroIdentityMap(b.identities)
	zeroBytes(b.masterKey)
	b.masterKey = master
	b.salt = salt
	b.identities = identities

	return ctx.Err()
}

// Lock drops the master key and all decrypted records from memory.
func (b *FileBackend) Lock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	zeroIdentityMap(b.identities)
	zeroBytes(b.masterKey)
	b.masterKey = nil
}

// StoreIdentity writes or overwrites a user's identity and persists the file.
func (b *FileBackend) StoreIdentity(ctx context.Context, record IdentityRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}

	normalized, err := normalizeIdentity(record, time.Now())
	if err != nil {
		return err
	}

	if existing, ok := b.identities[normalized.UserID]; ok {
		existing.Zero()
	}
	b.identities[normalized.UserID] = normalized
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return ctx.Err()
}

// LoadIdentity fetches an identity by user ID. A missing record yields os.ErrNotExist.
func (b *FileBackend) LoadIdentity(ctx context.Context, userID string) (IdentityRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return IdentityRecord{}, err
	}
	if userID == "" {
		return IdentityRecord{}, ErrInvalidUserID
	}
	rec, ok := b.identities[userID]
	if !ok {
		return IdentityRecord{}, os.ErrNotExist
	}
	return rec.Clone(), ctx.Err()
}

// DeleteIdentity removes an identity and persists the change.
func (b *FileBackend) DeleteIdentity(ctx context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if rec, ok := b.identities[userID]; ok {
		rec.Zero()
		delete(b.identities, userID)
	}
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist keystore after delete: %w", err)
	}
	return ctx.Err()
}

// ListIdentities returns the sorted user IDs held in the keystore.
func (b *FileBackend) ListIdentities(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(b.identities))
	for id := range b.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}

func (b *FileBackend) ensureUnlocked() error {
	if len(b.masterKey) == 0 || len(b.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (b *FileBackend) persist() error {
	if err := b.ensureUnlocked(); err != nil {
		return err
	}

	nonce, ciphertext, err := sealPayload(b.masterKey, sealedPayload{Identities: b.identities})
	if err != nil {
		return err
	}

	payload := keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(b.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	return os.WriteFile(b.path, serialized, 0o600)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	if payload.Identities == nil {
		payload.Identities = make(map[string]IdentityRecord)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal identities: %w", err)
	}
	defer zeroBytes(serialized)

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, serialized, nil), nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (map[string]IdentityRecord, error) {
	if len(masterKey) == 0 {
		return nil, ErrLocked
	}
	if len(ciphertext) == 0 {
		return map[string]IdentityRecord{}, nil
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt identities: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal identities: %w", ErrCorruptFile)
	}
	if payload.Identities == nil {
		payload.Identities = make(map[string]IdentityRecord)
	}
	for id, rec := range payload.Identities {
		normalized, err := normalizeIdentity(rec, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("identity %s invalid: %w", id, err)
		}
		if normalized.UserID != id {
			return nil, fmt.Errorf("identity %s stored under %s: %w", normalized.UserID, id, ErrCorruptFile)
		}
		payload.Identities[id] = normalized
	}
	return payload.Identities, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func zeroIdentityMap(m map[string]IdentityRecord) {
	for k, v := range m {
		v.Zero()
		delete(m, k)
	}
}
