package auth

import (
	"time"
)

// State is a position in the login handshake.
type State int

const (
	Anonymous State = iota
	// AwaitingCallback: the browser was sent to the provider and holds a
	// verifier slot.
	AwaitingCallback
	// Exchanging: a callback code is being redeemed with the backend.
	Exchanging
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case AwaitingCallback:
		return "awaiting_callback"
	case Exchanging:
		return "exchanging"
	case Authenticated:
		return "authenticated"
	}
	return "invalid"
}

// DefaultCookieName is the default name of the verifier slot cookie.
const DefaultCookieName = "ffv"

// DefaultVerifierTTL bounds how long a started login may wait for its
// callback.
const DefaultVerifierTTL = 10 * time.Minute

// slot is the verifier slot stored in a secure cookie. There is one per
// browser; starting a new login overwrites it.
type slot struct {
	Verifier  string    `cbor:"1,keyasint"`
	ExpiresAt time.Time `cbor:"2,keyasint"`
}
