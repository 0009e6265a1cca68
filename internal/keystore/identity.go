package keystore

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prakhar0085/chatapp/internal/envelope"
)

const (
	identityVersion  = 1
	maxIdentityBytes = 8 * 1024
	maxUserIDLength  = 256
)

var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrIdentityTooBig   = errors.New("identity exceeds size limit")
	ErrInvalidUserID    = errors.New("user id is required")
)

// IdentityRecord is one user's envelope key pair as sealed in the keystore.
// PrivateKey holds PKCS#8 DER; PublicKey is the base64 SPKI string published
// to the user directory.
type IdentityRecord struct {
	Version    int       `json:"version"`
	UserID     string    `json:"user_id"`
	KeyVersion uint32    `json:"key_version"`
	PublicKey  string    `json:"public_key"`
	PrivateKey []byte    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at,omitempty"`
}

// Clone returns a deep copy of the record to avoid exposing internal buffers.
func (r IdentityRecord) Clone() IdentityRecord {
	out := r
	out.PrivateKey = cloneBytes(r.PrivateKey)
	return out
}

// Zero overwrites the private key in-place.
func (r *IdentityRecord) Zero() {
	zeroBytes(r.PrivateKey)
}

// RSAKey parses the sealed private key.
func (r IdentityRecord) RSAKey() (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", r.UserID, ErrInvalidIdentity)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity %s holds %T: %w", r.UserID, parsed, ErrInvalidIdentity)
	}
	return priv, nil
}

// NewIdentityRecord packs priv into a record for userID.
func NewIdentityRecord(userID string, priv *rsa.PrivateKey, keyVersion uint32, now time.Time) (IdentityRecord, error) {
	if priv == nil {
		return IdentityRecord{}, fmt.Errorf("private key required: %w", ErrInvalidIdentity)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return IdentityRecord{}, fmt.Errorf("marshal private key: %w", err)
	}
	pub, err := envelope.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return IdentityRecord{}, err
	}
	return normalizeIdentity(IdentityRecord{
		UserID:     userID,
		KeyVersion: keyVersion,
		PublicKey:  pub,
		PrivateKey: der,
		CreatedAt:  now,
	}, now)
}

// EnsureIdentity returns the stored key pair for userID, generating and storing
// a fresh one when none exists yet.
func EnsureIdentity(ctx context.Context, backend Backend, userID string, bits int) (*rsa.PrivateKey, IdentityRecord, error) {
	rec, err := backend.LoadIdentity(ctx, userID)
	switch {
	case err == nil:
		priv, err := rec.RSAKey()
		if err != nil {
			return nil, IdentityRecord{}, err
		}
		return priv, rec, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, IdentityRecord{}, fmt.Errorf("load identity: %w", err)
	}

	priv, err := envelope.GenerateKeyPair(nil, bits)
	if err != nil {
		return nil, IdentityRecord{}, err
	}
	rec, err = NewIdentityRecord(userID, priv, 1, time.Now())
	if err != nil {
		return nil, IdentityRecord{}, err
	}
	if err := backend.StoreIdentity(ctx, rec); err != nil {
		return nil, IdentityRecord{}, fmt.Errorf("store identity: %w", err)
	}
	return priv, rec, nil
}

// RotateIdentity replaces the key pair for userID and bumps KeyVersion. Messages
// wrapped for the old key become unreadable for this user.
func RotateIdentity(ctx context.Context, backend Backend, userID string, bits int) (*rsa.PrivateKey, IdentityRecord, error) {
	var (
		version   uint32 = 1
		createdAt        = time.Now()
	)
	prev, err := backend.LoadIdentity(ctx, userID)
	switch {
	case err == nil:
		version = prev.KeyVersion + 1
		createdAt = prev.CreatedAt
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, IdentityRecord{}, fmt.Errorf("load identity: %w", err)
	}

	priv, err := envelope.GenerateKeyPair(nil, bits)
	if err != nil {
		return nil, IdentityRecord{}, err
	}
	now := time.Now()
	rec, err := NewIdentityRecord(userID, priv, version, createdAt)
	if err != nil {
		return nil, IdentityRecord{}, err
	}
	if version > 1 {
		rec.RotatedAt = now.UTC()
	}
	if err := backend.StoreIdentity(ctx, rec); err != nil {
		return nil, IdentityRecord{}, fmt.Errorf("store identity: %w", err)
	}
	return priv, rec, nil
}

func normalizeIdentity(in IdentityRecord, now time.Time) (IdentityRecord, error) {
	if in.UserID == "" {
		return IdentityRecord{}, ErrInvalidUserID
	}
	out := in.Clone()
	if now.IsZero() {
		now = time.Now()
	}
	if out.Version == 0 {
		out.Version = identityVersion
	}
	if out.Version != identityVersion {
		return IdentityRecord{}, fmt.Errorf("unsupported identity version %d: %w", out.Version, ErrInvalidIdentity)
	}
	if out.KeyVersion == 0 {
		out.KeyVersion = 1
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	if !out.RotatedAt.IsZero() {
		out.RotatedAt = out.RotatedAt.UTC()
	}
	if err := validateIdentity(out); err != nil {
		return IdentityRecord{}, err
	}
	return out, nil
}

func validateIdentity(rec IdentityRecord) error {
	if l := len(rec.UserID); l > maxUserIDLength {
		return fmt.Errorf("user id is %d bytes (max %d): %w", l, maxUserIDLength, ErrInvalidIdentity)
	}
	if len(rec.PrivateKey) == 0 {
		return fmt.Errorf("private key missing: %w", ErrInvalidIdentity)
	}
	if rec.PublicKey == "" {
		return fmt.Errorf("public key missing: %w", ErrInvalidIdentity)
	}
	if size := len(rec.UserID) + len(rec.PublicKey) + len(rec.PrivateKey); size > maxIdentityBytes {
		return fmt.Errorf("identity is %d bytes (limit %d): %w", size, maxIdentityBytes, ErrIdentityTooBig)
	}

	priv, err := rec.RSAKey()
	if err != nil {
		return err
	}
	pub, err := envelope.ParsePublicKey(rec.PublicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", ErrInvalidIdentity)
	}
	if !priv.PublicKey.Equal(pub) {
		return fmt.Errorf("public key does not match private key: %w", ErrInvalidIdentity)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
