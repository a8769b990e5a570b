// Package pkce generates Proof Key for Code Exchange verifiers and their S256
// challenges (RFC 7636).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Method is the only challenge method this package produces.
const Method = "S256"

// verifierBytes is the number of random bytes behind a verifier.
// Rendered as lowercase hex this gives a 56 character verifier, inside the
// 43..128 range required by RFC 7636.
const verifierBytes = 28

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// Verifier is the client secret of a PKCE handshake.
type Verifier string

// Challenge is the one-way derived form of a Verifier sent to the provider.
type Challenge string

// Pair is a verifier together with its challenge.
type Pair struct {
	Verifier  Verifier
	Challenge Challenge
	Method    string
}

// GenerateVerifier returns a fresh verifier drawn from crypto/rand.
// An error means the secure random source is unavailable; callers must abort
// the login rather than fall back to anything weaker.
func GenerateVerifier() (Verifier, error) {
	b := make([]byte, verifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: read random: %w", err)
	}
	return Verifier(hex.EncodeToString(b)), nil
}

// DeriveChallenge computes BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(v Verifier) Challenge {
	sum := sha256.Sum256([]byte(v))
	return Challenge(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// New generates a verifier and derives its challenge.
func New() (Pair, error) {
	v, err := GenerateVerifier()
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: v, Challenge: DeriveChallenge(v), Method: Method}, nil
}

// Valid reports whether v has an RFC 7636 compliant length and alphabet.
func (v Verifier) Valid() bool {
	if len(v) < minVerifierLen || len(v) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		if !unreserved(v[i]) {
			return false
		}
	}
	return true
}

func (v Verifier) String() string { return string(v) }

func (c Challenge) String() string { return string(c) }

func unreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
