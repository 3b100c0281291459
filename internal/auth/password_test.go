package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	h, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$") {
		t.Fatalf("unexpected encoding: %s", h)
	}
	if !VerifyPassword(h, "correct horse battery staple") {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword(h, "correct horse battery stapler") {
		t.Fatal("wrong password accepted")
	}
}

func TestHashPasswordSaltsEveryHash(t *testing.T) {
	a, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
	if !VerifyPassword(a, "same input") || !VerifyPassword(b, "same input") {
		t.Fatal("both hashes should verify")
	}
}

func TestVerifyPasswordRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not phc", "plaintext-password"},
		{"wrong algorithm", "$argon2i$v=19$m=65536,t=2,p=2$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"wrong version", "$argon2id$v=18$m=65536,t=2,p=2$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"bad params", "$argon2id$v=19$m=lots,t=2,p=2$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"bad salt encoding", "$argon2id$v=19$m=65536,t=2,p=2$!!!$aGFzaGhhc2g"},
		{"missing fields", "$argon2id$v=19$m=65536,t=2,p=2$c2FsdHNhbHQ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if VerifyPassword(tc.encoded, "whatever") {
				t.Fatalf("accepted malformed record %q", tc.encoded)
			}
		})
	}
}

func TestOpaqueTokenDigest(t *testing.T) {
	raw, digest, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if raw == "" || digest == "" || raw == digest {
		t.Fatalf("bad token pair raw=%q digest=%q", raw, digest)
	}
	if HashToken(raw) != digest {
		t.Fatal("digest does not match HashToken of the raw form")
	}

	raw2, digest2, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("mint second: %v", err)
	}
	if raw2 == raw || digest2 == digest {
		t.Fatal("tokens must be unique")
	}
}
