package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "s3cret-pass" {
		t.Fatalf("expected opaque hash, got %q", hash)
	}
	if !CheckPassword("s3cret-pass", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("s3cret-pass", "not-a-hash") {
		t.Fatalf("expected malformed hash to fail")
	}
}

func TestHashPasswordRejectsOverlong(t *testing.T) {
	if _, err := HashPassword(strings.Repeat("a", MaxPasswordBytes+1)); err == nil {
		t.Fatalf("expected overlong password to fail")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"callback42", true},
		{"short1", false},
		{"onlyletters", false},
		{"1234567890", false},
		{strings.Repeat("a1", 40), false},
	}
	for _, tt := range tests {
		err := ValidatePassword(tt.password)
		if tt.ok && err != nil {
			t.Fatalf("ValidatePassword(%q) unexpected error: %v", tt.password, err)
		}
		if !tt.ok && err == nil {
			t.Fatalf("ValidatePassword(%q) expected error", tt.password)
		}
	}
}
