// Package oauthflow implements C2: per-flow-type OAuth acquisition and
// refresh against provider endpoints, grounded on the teacher's
// internal/auth/qwen (device-code) and internal/auth/iflow (authorization-
// code + local callback listener) packages.
package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// PKCEPair holds a PKCE code verifier and its S256 challenge (spec §4.2).
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a cryptographically random 32-byte verifier,
// base64url-encoded, and its SHA-256 S256 challenge.
func NewPKCEPair() (PKCEPair, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCEPair{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCEPair{Verifier: verifier, Challenge: challenge}, nil
}
