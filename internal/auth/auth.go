// Package auth extracts PeerJS connection credentials and checks realm keys.
package auth

import (
	"errors"
	"net/url"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidKey         = errors.New("invalid key")
)

// Credentials identify a client connection: the peer id, the session token
// that must match on reconnect, and the realm key.
type Credentials struct {
	ID    string
	Token string
	Key   string
}

func (c Credentials) Valid() bool {
	return c.ID != "" && c.Token != "" && c.Key != ""
}

// CredentialsFromQuery reads id, token and key from the upgrade request's
// query string. It returns ErrMissingCredentials, along with whatever was
// present, when any of them is empty.
func CredentialsFromQuery(q url.Values) (Credentials, error) {
	creds := Credentials{
		ID:    q.Get("id"),
		Token: q.Get("token"),
		Key:   q.Get("key"),
	}
	if !creds.Valid() {
		return creds, ErrMissingCredentials
	}
	return creds, nil
}

// KeyVerifier decides which realm keys may be used.
type KeyVerifier interface {
	VerifyKey(key string) error
}

// AllowAnyKey accepts every non-empty key.
type AllowAnyKey struct{}

func (AllowAnyKey) VerifyKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// NewKeyVerifier returns a verifier for the configured keys. With no keys
// configured every key is accepted and realms are created on demand.
func NewKeyVerifier(keys []string) KeyVerifier {
	if len(keys) == 0 {
		return AllowAnyKey{}
	}
	return NewKeyAllowList(keys)
}
