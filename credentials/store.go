// Package credentials persists the API session (access token, refresh token and
// cached user profile) behind a minimal key-value contract.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known keys. They mirror the keys the web front end keeps in local storage
// so that a file store can be shared with other tooling.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Store is the key-value persistence surface the client needs. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Credentials is the token pair of one authenticated session
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Load reads the token pair. Missing keys yield empty strings.
func Load(store Store) (Credentials, error) {
	access, _, err := store.Get(KeyAccessToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read access token: %w", err)
	}
	refresh, _, err := store.Get(KeyRefreshToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read refresh token: %w", err)
	}
	return Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

// Save writes the access token and, when non-empty, the refresh token.
// An empty refresh token keeps the stored one, since servers may skip rotation.
func Save(store Store, creds Credentials) error {
	if err := store.Set(KeyAccessToken, creds.AccessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if creds.RefreshToken == "" {
		return nil
	}
	if err := store.Set(KeyRefreshToken, creds.RefreshToken); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// Clear removes the token pair and the cached user profile. Every key is
// attempted even when an earlier removal fails.
func Clear(store Store) error {
	var errs []error
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyUser} {
		if err := store.Remove(key); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// SaveUser caches the user profile as JSON
func SaveUser(store Store, user any) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user profile: %w", err)
	}
	return store.Set(KeyUser, string(raw))
}

// LoadUser decodes the cached user profile into dst. ok is false when no
// profile is stored.
func LoadUser(store Store, dst any) (ok bool, err error) {
	raw, found, err := store.Get(KeyUser)
	if err != nil || !found || raw == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("failed to decode user profile: %w", err)
	}
	return true, nil
}
