package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	keysOnce sync.Once
	keyA     *rsa.PrivateKey
	keyB     *rsa.PrivateKey
	keyC     *rsa.PrivateKey
	keysErr  error
)

// testKeys generates three key pairs once per package run.
func testKeys(t *testing.T) (a, b, c *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		for _, dst := range []**rsa.PrivateKey{&keyA, &keyB, &keyC} {
			k, err := GenerateKeyPair(nil, DefaultKeyBits)
			if err != nil {
				keysErr = err
				return
			}
			*dst = k
		}
	})
	require.NoError(t, keysErr)
	return keyA, keyB, keyC
}

func encodedPub(t *testing.T, k *rsa.PrivateKey) string {
	t.Helper()
	s, err := EncodePublicKey(&k.PublicKey)
	require.NoError(t, err)
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	_, b, _ := testKeys(t)

	for _, plaintext := range []string{"hello", "", "ünïcødé 🔐", strings.Repeat("x", 64*1024)} {
		out, err := Encrypt(encodedPub(t, b), plaintext, "")
		require.NoError(t, err)
		require.True(t, IsEnvelope(out), "expected envelope for %q", plaintext)
		require.Equal(t, plaintext, Decrypt(b, out))
	}
}

func TestSenderCanReadOwnMessage(t *testing.T) {
	t.Parallel()
	a, b, _ := testKeys(t)

	// Scenario A: A sends "hello" to B with its own key attached.
	out, err := Encrypt(encodedPub(t, b), "hello", encodedPub(t, a))
	require.NoError(t, err)

	env, ok := Parse(out)
	require.True(t, ok)
	require.NotEmpty(t, env.SenderKey)

	require.Equal(t, "hello", Decrypt(b, out))
	require.Equal(t, "hello", Decrypt(a, out))
}

func TestThirdPartyGetsSentinel(t *testing.T) {
	t.Parallel()
	a, b, c := testKeys(t)

	out, err := Encrypt(encodedPub(t, b), "secret", encodedPub(t, a))
	require.NoError(t, err)
	require.Equal(t, FailureSentinel, Decrypt(c, out))
	require.Equal(t, FailureSentinel, Decrypt(nil, out))
}

func TestWithoutSenderKeySenderCannotRead(t *testing.T) {
	t.Parallel()
	a, b, _ := testKeys(t)

	out, err := Encrypt(encodedPub(t, b), "one-way", "")
	require.NoError(t, err)
	require.Equal(t, FailureSentinel, Decrypt(a, out))
}

func TestMissingRecipientKeySendsPlaintext(t *testing.T) {
	t.Parallel()

	// Scenario B: no public key on file.
	out, err := Encrypt("", "hi", "")
	require.NoError(t, err)
	require.Equal(t, "hi", out)
}

func TestDecryptPassThrough(t *testing.T) {
	t.Parallel()
	a, _, _ := testKeys(t)

	for _, in := range []string{
		"plain legacy text",
		"",
		"{not json",
		`{"iv":"abc"}`,
		`{"content":"x","key":"y"}`,
		`["iv","content","key"]`,
		"42",
		"null",
	} {
		require.Equal(t, in, Decrypt(a, in), "input %q", in)
	}
}

func TestTamperedEnvelopeYieldsSentinel(t *testing.T) {
	t.Parallel()
	_, b, _ := testKeys(t)

	out, err := Encrypt(encodedPub(t, b), "integrity", "")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	raw := []byte(env.Content)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}
	env.Content = string(raw)
	tampered, err := env.Marshal()
	require.NoError(t, err)
	require.Equal(t, FailureSentinel, Decrypt(b, tampered))

	env.IV = "not base64!"
	bad, err := env.Marshal()
	require.NoError(t, err)
	require.Equal(t, FailureSentinel, Decrypt(b, bad))
}

func TestFreshSessionKeyAndNoncePerCall(t *testing.T) {
	t.Parallel()
	_, b, _ := testKeys(t)

	first, err := Seal(&b.PublicKey, []byte("same"), nil)
	require.NoError(t, err)
	second, err := Seal(&b.PublicKey, []byte("same"), nil)
	require.NoError(t, err)
	require.NotEqual(t, first.IV, second.IV)
	require.NotEqual(t, first.Key, second.Key)
	require.NotEqual(t, first.Content, second.Content)
}

func TestEncryptRejectsGarbageKeys(t *testing.T) {
	t.Parallel()
	_, b, _ := testKeys(t)

	_, err := Encrypt("not-a-key", "x", "")
	require.Error(t, err)
	_, err = Encrypt(encodedPub(t, b), "x", "also-not-a-key")
	require.Error(t, err)
	_, err = Seal(nil, []byte("x"), nil)
	require.ErrorIs(t, err, ErrNoRecipientKey)
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()
	a, b, _ := testKeys(t)
	pubB := encodedPub(t, b)
	pubA := encodedPub(t, a)

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := Encrypt(pubB, "parallel", pubA)
			if err != nil {
				errs <- err.Error()
				return
			}
			if got := Decrypt(b, out); got != "parallel" {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("concurrent round trip failed: %s", e)
	}
}
