package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds how much attacker-controlled data is decoded.
const maxCookieLen = 8192

// KeySize is the key length for the default AEAD (XChaCha20-Poly1305).
const KeySize = chacha20poly1305.KeySize

// Keys is a keyring of sealing keys indexed by key ID.
type Keys map[string][]byte

// ParseKeys parses "id:hexkey" entries, e.g. from configuration.
func ParseKeys(entries []string) (Keys, error) {
	keys := Keys{}
	for _, e := range entries {
		id, hexKey, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: key entry must be id:hex", ErrCookieConfig)
		}
		k, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
		keys[id] = k
	}
	return keys, nil
}

// Codec seals and opens byte strings with an AEAD.
//
// Format: keyID "." base64url(nonce || ciphertext)
//
// keyID selects the sealing key; every key in Keys is accepted when opening,
// which allows rotation.
type Codec struct {
	keyID   string
	keys    Keys
	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCodec validates the keyring and returns a Codec. newAEAD defaults to
// chacha20poly1305.NewX.
func NewCodec(keyID string, keys Keys, newAEAD func(key []byte) (cipher.AEAD, error)) (*Codec, error) {
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not in keyring", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &Codec{keyID: keyID, keys: keys, newAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (c *Codec) Seal(plain, aad []byte) (string, error) {
	aead, err := c.newAEAD(c.keys[c.keyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	value := c.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed)
	if len(value) > maxCookieLen {
		return "", fmt.Errorf("%w: sealed value is %d bytes", ErrCookieInvalid, len(value))
	}
	return value, nil
}

// Open decrypts a value produced by Seal.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := c.keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// CookieOption configures a SecureCookie.
type CookieOption func(*cookieConfig)

type cookieConfig struct {
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	newAEAD  func([]byte) (cipher.AEAD, error)
}

// WithPath sets the cookie path. Default "/".
func WithPath(path string) CookieOption {
	return func(c *cookieConfig) { c.path = path }
}

// WithDomain sets the cookie domain. Default host-only.
func WithDomain(domain string) CookieOption {
	return func(c *cookieConfig) { c.domain = domain }
}

// WithSecure sets the Secure attribute. Default true; only local plain-HTTP
// development should turn it off.
func WithSecure(secure bool) CookieOption {
	return func(c *cookieConfig) { c.secure = secure }
}

// WithSameSite sets the SameSite attribute. Default Lax, which lets the
// cookie ride along on the top-level redirect back from the provider.
func WithSameSite(s http.SameSite) CookieOption {
	return func(c *cookieConfig) { c.sameSite = s }
}

// WithAEAD replaces the default XChaCha20-Poly1305 AEAD.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) CookieOption {
	return func(c *cookieConfig) { c.newAEAD = f }
}

// SecureCookie stores a CBOR-encoded T in a sealed, HTTP-only cookie.
// The value is never readable by scripts or by the user agent.
type SecureCookie[T any] struct {
	name  string
	cfg   cookieConfig
	codec *Codec
}

// NewSecureCookie returns a SecureCookie named name sealed with keys[keyID].
func NewSecureCookie[T any](name, keyID string, keys Keys, opts ...CookieOption) (*SecureCookie[T], error) {
	cfg := cookieConfig{path: "/", secure: true, sameSite: http.SameSiteLaxMode}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.path == "" {
		cfg.path = "/"
	}
	codec, err := NewCodec(keyID, keys, cfg.newAEAD)
	if err != nil {
		return nil, err
	}
	return &SecureCookie[T]{name: name, cfg: cfg, codec: codec}, nil
}

// Name returns the cookie name.
func (sc *SecureCookie[T]) Name() string {
	return sc.name
}

// aad binds the sealed value to the cookie's name and scope.
func (sc *SecureCookie[T]) aad() []byte {
	secure := "f"
	if sc.cfg.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.cfg.domain + ":" + sc.cfg.path + ":" + secure)
}

// Encode seals v into a cookie living maxAge seconds.
func (sc *SecureCookie[T]) Encode(v T, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	c := sc.base()
	c.Value = val
	c.MaxAge = maxAge
	c.Expires = time.Now().Add(time.Duration(maxAge) * time.Second)
	return c, nil
}

// Decode opens a cookie produced by Encode.
func (sc *SecureCookie[T]) Decode(c *http.Cookie) (T, error) {
	var v T
	if c == nil {
		return v, ErrCookieFormat
	}
	plain, err := sc.codec.Open(c.Value, sc.aad())
	if err != nil {
		return v, err
	}
	if err := cbor.Unmarshal(plain, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCookieFormat, err)
	}
	return v, nil
}

// Read decodes the cookie from r. A missing cookie yields http.ErrNoCookie.
func (sc *SecureCookie[T]) Read(r *http.Request) (T, error) {
	c, err := r.Cookie(sc.name)
	if err != nil {
		var zero T
		return zero, err
	}
	return sc.Decode(c)
}

// Clear returns a cookie that deletes this cookie in the user agent.
func (sc *SecureCookie[T]) Clear() *http.Cookie {
	c := sc.base()
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (sc *SecureCookie[T]) base() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.cfg.path,
		Domain:   sc.cfg.domain,
		Secure:   sc.cfg.secure,
		HttpOnly: true,
		SameSite: sc.cfg.sameSite,
	}
}
