package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prakhar0085/chatapp/internal/envelope"
)

const testKeyBits = 1024

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1 := deriveMasterKey("password", salt)
	key2 := deriveMasterKey("password", salt)
	if string(key1) != string(key2) {
		t.Fatal("expected deterministic key derivation")
	}

	key3 := deriveMasterKey("different", salt)
	if string(key1) == string(key3) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestInitializeUnlockAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	rec := newTestIdentity(t, "alice", 3)
	if err := backend.StoreIdentity(ctx, rec); err != nil {
		t.Fatalf("store identity: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock keystore: %v", err)
	}

	loaded, err := backend2.LoadIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if loaded.KeyVersion != 3 || loaded.PublicKey != rec.PublicKey {
		t.Fatalf("unexpected identity metadata: %+v", loaded)
	}
	priv, err := loaded.RSAKey()
	if err != nil {
		t.Fatalf("parse loaded key: %v", err)
	}

	// The restored key must open envelopes sealed for the stored public key.
	sealed, err := envelope.Encrypt(rec.PublicKey, "persisted", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := envelope.Decrypt(priv, sealed); got != "persisted" {
		t.Fatalf("expected restored key to decrypt, got %q", got)
	}

	ids, err := backend2.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("list identities: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Fatalf("expected [alice], got %v", ids)
	}
}

func TestUnlockWithWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "wrong"); err == nil {
		t.Fatal("expected unlock failure with wrong passphrase")
	} else if !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestUnlockMissingFile(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "missing.json"))
	if err := backend.Unlock(context.Background(), "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if backend.Exists() {
		t.Fatal("expected Exists to be false")
	}
}

func TestTamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}
	if err := backend.StoreIdentity(ctx, newTestIdentity(t, "bob", 1)); err != nil {
		t.Fatalf("store identity: %v", err)
	}

	file := readKeystoreFile(t, path)
	ct, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	ct[0] ^= 0xFF
	file.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	writeKeystoreFile(t, path, file)

	backend2 := NewFileBackend(path)
	if err := backend2.Unlock(ctx, "correct"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass after tamper, got %v", err)
	}
}

func TestCorruptFileDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	backend := NewFileBackend(path)
	if err := backend.Unlock(context.Background(), "pass"); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestMismatchedKeyPairRejectedOnUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	good := newTestIdentity(t, "carol", 1)
	other := newTestIdentity(t, "carol", 1)
	good.PublicKey = other.PublicKey

	salt := []byte("0123456789abcdef")
	master := deriveMasterKey("pass", salt)
	nonce, ciphertext, err := sealPayload(master, sealedPayload{
		Identities: map[string]IdentityRecord{"carol": good},
	})
	if err != nil {
		t.Fatalf("seal payload: %v", err)
	}
	writeKeystoreFile(t, path, keystoreFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})

	backend := NewFileBackend(path)
	if err := backend.Unlock(context.Background(), "pass"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestIdentityZeroizationOnUpdateAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize keystore: %v", err)
	}

	if err := backend.StoreIdentity(ctx, newTestIdentity(t, "dave", 1)); err != nil {
		t.Fatalf("store identity: %v", err)
	}
	original := backend.identities["dave"]

	if err := backend.StoreIdentity(ctx, newTestIdentity(t, "dave", 2)); err != nil {
		t.Fatalf("store identity second time: %v", err)
	}
	latest := backend.identities["dave"]
	for i, b := range original.PrivateKey {
		if b != 0 {
			t.Fatalf("expected original private key zeroed at byte %d (got %d)", i, b)
		}
	}

	if err := backend.DeleteIdentity(ctx, "dave"); err != nil {
		t.Fatalf("delete identity: %v", err)
	}
	for i, b := range latest.PrivateKey {
		if b != 0 {
			t.Fatalf("expected private key zeroed at delete at byte %d (got %d)", i, b)
		}
	}
	if _, err := backend.LoadIdentity(ctx, "dave"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
}

func TestOperationsRequireUnlock(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))

	if err := backend.StoreIdentity(context.Background(), IdentityRecord{UserID: "x"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := backend.ListIdentities(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestLockDropsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	backend.Lock()
	if _, err := backend.LoadIdentity(ctx, "anyone"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked after Lock, got %v", err)
	}
}

func TestInitializeFailsWhenFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	backend := NewFileBackend(path)
	if err := backend.Initialize(context.Background(), "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestEnsureIdentityGeneratesOnce(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	first, rec1, err := EnsureIdentity(ctx, backend, "erin", testKeyBits)
	if err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	second, rec2, err := EnsureIdentity(ctx, backend, "erin", testKeyBits)
	if err != nil {
		t.Fatalf("ensure identity again: %v", err)
	}
	if !first.Equal(second) || rec1.PublicKey != rec2.PublicKey {
		t.Fatal("expected the stored identity to be reused")
	}
	if rec1.KeyVersion != 1 {
		t.Fatalf("expected key version 1, got %d", rec1.KeyVersion)
	}
}

func TestRotateIdentityBumpsVersion(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	ctx := context.Background()
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	oldKey, oldRec, err := EnsureIdentity(ctx, backend, "frank", testKeyBits)
	if err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	newKey, newRec, err := RotateIdentity(ctx, backend, "frank", testKeyBits)
	if err != nil {
		t.Fatalf("rotate identity: %v", err)
	}
	if newRec.KeyVersion != oldRec.KeyVersion+1 {
		t.Fatalf("expected key version %d, got %d", oldRec.KeyVersion+1, newRec.KeyVersion)
	}
	if newRec.RotatedAt.IsZero() {
		t.Fatal("expected rotated_at to be set")
	}
	if newKey.Equal(oldKey) {
		t.Fatal("expected a fresh key after rotation")
	}

	sealed, err := envelope.Encrypt(oldRec.PublicKey, "before rotation", "")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := envelope.Decrypt(newKey, sealed); got != envelope.FailureSentinel {
		t.Fatalf("expected sentinel for pre-rotation message, got %q", got)
	}
}

func newTestIdentity(t *testing.T, userID string, version uint32) IdentityRecord {
	t.Helper()
	priv, err := envelope.GenerateKeyPair(nil, testKeyBits)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rec, err := NewIdentityRecord(userID, priv, version, time.Now())
	if err != nil {
		t.Fatalf("new identity record: %v", err)
	}
	return rec
}

func readKeystoreFile(t *testing.T, path string) keystoreFile {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode file: %v", err)
	}
	return file
}

func writeKeystoreFile(t *testing.T, path string, file keystoreFile) {
	t.Helper()
	serialized, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		t.Fatalf("marshal keystore: %v", err)
	}
	if err := os.WriteFile(path, serialized, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
}
