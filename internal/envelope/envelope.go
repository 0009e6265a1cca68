// Package envelope implements the end-to-end message envelope: a per-message
// AES-256-GCM session key wrapped with RSA-OAEP(SHA-256) for the recipient and,
// optionally, for the sender so the sender can re-read its own history.
//
// The server only ever handles the serialized envelope. Nothing in this package
// keeps state between calls.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// SessionKeySize is the AES-256 session key length in bytes.
	SessionKeySize = 32
	// NonceSize is the GCM nonce length (96 bits).
	NonceSize = 12

	// FailureSentinel replaces the plaintext when a well-formed envelope cannot be opened.
	FailureSentinel = "🔒 Encrypted Message (Decryption Failed)"
)

var (
	ErrNoRecipientKey = errors.New("recipient public key required")
	ErrNotEnvelope    = errors.New("input is not an envelope")
	ErrUnwrap         = errors.New("session key unwrap failed")
)

// Envelope is the wire container. All fields are standard base64.
type Envelope struct {
	IV        string `json:"iv"`
	Content   string `json:"content"`
	Key       string `json:"key"`
	SenderKey string `json:"senderKey,omitempty"`
}

// Valid reports whether the mandatory fields are present.
func (e Envelope) Valid() bool {
	return e.IV != "" && e.Content != "" && e.Key != ""
}

// Marshal serializes the envelope as compact JSON.
func (e Envelope) Marshal() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

// Parse decodes s as an envelope. ok is false for plain text, arbitrary JSON
// and JSON objects missing iv, content or key.
func Parse(s string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Envelope{}, false
	}
	if !env.Valid() {
		return Envelope{}, false
	}
	return env, true
}

// IsEnvelope reports whether s parses as a structurally valid envelope.
func IsEnvelope(s string) bool {
	_, ok := Parse(s)
	return ok
}

// Seal encrypts plaintext for recipient. When sender is non-nil the session key
// is wrapped a second time for the sender.
func Seal(recipient *rsa.PublicKey, plaintext []byte, sender *rsa.PublicKey) (Envelope, error) {
	return seal(rand.Reader, recipient, plaintext, sender)
}

func seal(r io.Reader, recipient *rsa.PublicKey, plaintext []byte, sender *rsa.PublicKey) (Envelope, error) {
	if recipient == nil {
		return Envelope{}, ErrNoRecipientKey
	}

	sessionKey := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		return Envelope{}, fmt.Errorf("generate session key: %w", err)
	}
	defer zeroBytes(sessionKey)

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return Envelope{}, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), r, recipient, sessionKey, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap session key for recipient: %w", err)
	}

	env := Envelope{
		IV:      base64.StdEncoding.EncodeToString(nonce),
		Content: base64.StdEncoding.EncodeToString(ciphertext),
		Key:     base64.StdEncoding.EncodeToString(wrapped),
	}
	if sender != nil {
		senderWrapped, err := rsa.EncryptOAEP(sha256.New(), r, sender, sessionKey, nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("wrap session key for sender: %w", err)
		}
		env.SenderKey = base64.StdEncoding.EncodeToString(senderWrapped)
	}
	return env, nil
}

// Open decrypts env with priv, trying the recipient wrap first and the sender
// wrap second.
func Open(priv *rsa.PrivateKey, env Envelope) ([]byte, error) {
	if priv == nil {
		return nil, ErrUnwrap
	}
	if !env.Valid() {
		return nil, ErrNotEnvelope
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes (got %d)", NonceSize, len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Content)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	sessionKey, err := unwrap(priv, env.Key)
	if err != nil && env.SenderKey != "" {
		sessionKey, err = unwrap(priv, env.SenderKey)
	}
	if err != nil {
		return nil, err
	}
	defer zeroBytes(sessionKey)

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open content: %w", err)
	}
	return plaintext, nil
}

// Encrypt is the string-level entry point used by clients. An empty recipient
// key means the peer has not published one yet: the plaintext is returned as-is.
// senderPublicKey may be empty.
func Encrypt(recipientPublicKey, plaintext, senderPublicKey string) (string, error) {
	if recipientPublicKey == "" {
		return plaintext, nil
	}
	recipient, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return "", fmt.Errorf("recipient key: %w", err)
	}
	var sender *rsa.PublicKey
	if senderPublicKey != "" {
		sender, err = ParsePublicKey(senderPublicKey)
		if err != nil {
			return "", fmt.Errorf("sender key: %w", err)
		}
	}

	env, err := Seal(recipient, []byte(plaintext), sender)
	if err != nil {
		return "", err
	}
	return env.Marshal()
}

// Decrypt never fails: non-envelope input is returned verbatim and an envelope
// that cannot be opened yields FailureSentinel.
func Decrypt(priv *rsa.PrivateKey, input string) string {
	env, ok := Parse(input)
	if !ok {
		return input
	}
	plaintext, err := Open(priv, env)
	if err != nil {
		return FailureSentinel
	}
	return string(plaintext)
}

func unwrap(priv *rsa.PrivateKey, encoded string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, ErrUnwrap
	}
	if len(key) != SessionKeySize {
		zeroBytes(key)
		return nil, fmt.Errorf("session key must be %d bytes (got %d): %w", SessionKeySize, len(key), ErrUnwrap)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
