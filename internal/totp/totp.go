// Package totp implements RFC 6238 time-based one-time passwords plus the
// single-use recovery codes backing them, with best-effort network clock
// synchronization so codes stay valid on machines with a drifting clock.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// Digits is the code length authenticator apps expect.
	Digits = 6
	// Period is the code validity window in seconds.
	Period = 30
	// DefaultSecretLength is the secret size in bytes before base32 encoding.
	DefaultSecretLength = 20
)

// Engine generates and verifies TOTP codes. The clock offset is learned
// asynchronously at construction; the engine is fully usable before the
// probe completes (offset zero).
type Engine struct {
	issuer string
	offset atomic.Int64 // seconds to add to local time
	now    func() time.Time
}

// New creates an engine and kicks off clock synchronization in the
// background. Synchronization failure is non-fatal and never blocks code
// generation or verification.
func New(issuer string) *Engine {
	e := &Engine{issuer: issuer, now: time.Now}
	go e.syncClock()
	return e
}

// NewWithClock returns an engine on the given clock with no network
// synchronization. Intended for tests and deterministic tooling.
func NewWithClock(issuer string, now func() time.Time) *Engine {
	return &Engine{issuer: issuer, now: now}
}

// GenerateSecret returns a base32-encoded secret of length random bytes.
// Zero or negative length selects the default of 20 bytes.
func (e *Engine) GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = DefaultSecretLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(buf), nil
}

// decodeSecret tolerates lowercase input, stray spaces, and missing '='
// padding, all common when a secret is typed back in by hand.
func decodeSecret(secret string) ([]byte, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(secret) {
		if (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return nil, fmt.Errorf("empty secret")
	}
	if pad := len(s) % 8; pad != 0 {
		s += strings.Repeat("=", 8-pad)
	}
	return base32.StdEncoding.DecodeString(s)
}

// CodeAt computes the code for an explicit counter value: HMAC-SHA1 over the
// big-endian counter, dynamic truncation by the low nibble of the last
// digest byte, modulo 10^6, zero-padded.
func (e *Engine) CodeAt(secret string, counter uint64) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	digest := mac.Sum(nil)

	off := digest[len(digest)-1] & 0x0F
	code := (uint32(digest[off])&0x7F)<<24 |
		uint32(digest[off+1])<<16 |
		uint32(digest[off+2])<<8 |
		uint32(digest[off+3])
	code %= 1_000_000
	return fmt.Sprintf("%06d", code), nil
}

// Code computes the code for the current (offset-adjusted) time step.
func (e *Engine) Code(secret string) (string, error) {
	return e.CodeAt(secret, e.CurrentCounter())
}

// Verify accepts code if it matches any counter in
// [current-window, current+window]. Callers should widen the window to 2
// when RemainingSeconds() <= 3 to tolerate input latency across a period
// boundary.
func (e *Engine) Verify(secret, code string, window int) bool {
	code = strings.TrimSpace(code)
	if len(code) != Digits || secret == "" {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	current := int64(e.CurrentCounter())
	for i := -window; i <= window; i++ {
		counter := current + int64(i)
		if counter < 0 {
			continue
		}
		expected, err := e.CodeAt(secret, uint64(counter))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// CurrentCounter returns floor((now+offset)/30).
func (e *Engine) CurrentCounter() uint64 {
	return uint64((e.now().Unix() + e.offset.Load()) / Period)
}

// RemainingSeconds returns how long the current code stays valid.
func (e *Engine) RemainingSeconds() int {
	return Period - int((e.now().Unix()+e.offset.Load())%Period)
}

// Offset returns the learned clock offset in seconds.
func (e *Engine) Offset() int64 {
	return e.offset.Load()
}

// ProvisioningURI renders the otpauth URI authenticator apps scan. The
// format is fixed for compatibility; do not reorder parameters.
func (e *Engine) ProvisioningURI(username, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=%d&period=%d",
		e.issuer, username, secret, e.issuer, Digits, Period)
}
