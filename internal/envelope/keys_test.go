package envelope

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func TestKeyEncodingRoundTrip(t *testing.T) {
	t.Parallel()
	a, _, _ := testKeys(t)

	pubStr, err := EncodePublicKey(&a.PublicKey)
	if err != nil {
		t.Fatalf("encode public: %v", err)
	}
	pub, err := ParsePublicKey(pubStr)
	if err != nil {
		t.Fatalf("parse public: %v", err)
	}
	if pub.N.Cmp(a.PublicKey.N) != 0 || pub.E != a.PublicKey.E {
		t.Fatalf("public key mismatch after round trip")
	}

	privStr, err := EncodePrivateKey(a)
	if err != nil {
		t.Fatalf("encode private: %v", err)
	}
	priv, err := ParsePrivateKey(privStr)
	if err != nil {
		t.Fatalf("parse private: %v", err)
	}
	if !priv.Equal(a) {
		t.Fatalf("private key mismatch after round trip")
	}
}

func TestParsePEMKeys(t *testing.T) {
	t.Parallel()
	a, _, _ := testKeys(t)

	spki, err := x509.MarshalPKIXPublicKey(&a.PublicKey)
	if err != nil {
		t.Fatalf("marshal spki: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki})
	if _, err := ParsePublicKey(string(pubPEM)); err != nil {
		t.Fatalf("parse pem public: %v", err)
	}

	pkcs1 := x509.MarshalPKCS1PrivateKey(a)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: pkcs1})
	priv, err := ParsePrivateKey(string(privPEM))
	if err != nil {
		t.Fatalf("parse pem pkcs1: %v", err)
	}
	if !priv.Equal(a) {
		t.Fatalf("pkcs1 key mismatch")
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	a, b, _ := testKeys(t)

	fa1, err := Fingerprint(&a.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fa2, _ := Fingerprint(&a.PublicKey)
	fb, _ := Fingerprint(&b.PublicKey)
	if fa1 != fa2 {
		t.Fatalf("fingerprint not deterministic")
	}
	if fa1 == fb {
		t.Fatalf("distinct keys share a fingerprint")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := ParsePublicKey("   "); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := ParsePrivateKey("-----BEGIN nonsense"); err == nil {
		t.Fatal("expected error for broken pem")
	}
}
