package auth

import (
	"errors"
	"net/url"
	"testing"
)

func TestCredentialsFromQuery(t *testing.T) {
	t.Run("all present", func(t *testing.T) {
		creds, err := CredentialsFromQuery(url.Values{"id": {"A"}, "token": {"T"}, "key": {"peerjs"}})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		want := Credentials{ID: "A", Token: "T", Key: "peerjs"}
		if creds != want {
			t.Fatalf("creds=%+v, want %+v", creds, want)
		}
	})

	for name, q := range map[string]url.Values{
		"missing id":    {"token": {"T"}, "key": {"k"}},
		"empty token":   {"id": {"A"}, "token": {""}, "key": {"k"}},
		"missing key":   {"id": {"A"}, "token": {"T"}},
		"nothing given": {},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := CredentialsFromQuery(q); !errors.Is(err, ErrMissingCredentials) {
				t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
			}
		})
	}
}

func TestNewKeyVerifier(t *testing.T) {
	t.Run("no keys accepts any", func(t *testing.T) {
		v := NewKeyVerifier(nil)
		if err := v.VerifyKey("anything"); err != nil {
			t.Fatalf("err=%v", err)
		}
		if err := v.VerifyKey(""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("err=%v, want %v", err, ErrInvalidKey)
		}
	})

	t.Run("allow list", func(t *testing.T) {
		v := NewKeyVerifier([]string{"peerjs", "", "staging"})
		for _, key := range []string{"peerjs", "staging"} {
			if err := v.VerifyKey(key); err != nil {
				t.Fatalf("VerifyKey(%q) err=%v", key, err)
			}
		}
		for _, key := range []string{"", "peerj", "peerjs2", "PEERJS"} {
			if err := v.VerifyKey(key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("VerifyKey(%q) err=%v, want %v", key, err, ErrInvalidKey)
			}
		}
	})
}
