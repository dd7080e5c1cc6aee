package totp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Recovery code alphabet: uppercase letters and digits minus the visually
// ambiguous 0/O/1/I/L.
const recoveryAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	// DefaultRecoveryCount is how many codes one enrollment issues.
	DefaultRecoveryCount = 8
	// DefaultRecoveryLength is code length before grouping dashes.
	DefaultRecoveryLength = 10
)

// GenerateRecoveryCodes produces count single-use codes of length random
// alphabet characters, grouped by 4 with dashes for readability
// (e.g. "X7KP-M2QR-9T"). Zero or negative arguments select the defaults.
func GenerateRecoveryCodes(count, length int) ([]string, error) {
	if count <= 0 {
		count = DefaultRecoveryCount
	}
	if length <= 0 {
		length = DefaultRecoveryLength
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw, err := randomFromAlphabet(length)
		if err != nil {
			return nil, err
		}
		codes = append(codes, groupCode(raw))
	}
	return codes, nil
}

// randomFromAlphabet samples uniformly by masking random bytes and
// rejecting indexes past the alphabet end.
func randomFromAlphabet(length int) (string, error) {
	const mask = 31 // smallest power-of-two mask covering the 31-char alphabet
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate recovery code: %w", err)
		}
		for _, b := range buf {
			idx := int(b & mask)
			if idx < len(recoveryAlphabet) {
				out = append(out, recoveryAlphabet[idx])
				if len(out) == length {
					break
				}
			}
		}
	}
	return string(out), nil
}

func groupCode(code string) string {
	var groups []string
	for i := 0; i < len(code); i += 4 {
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		groups = append(groups, code[i:end])
	}
	return strings.Join(groups, "-")
}

// NormalizeRecoveryCode strips everything but letters and digits and
// uppercases, so "x7kp-m2qr-9t" and "X7KP M2QR 9T" hash identically.
func NormalizeRecoveryCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashRecoveryCode returns the SHA-256 hex digest of the normalized code.
// Storage keeps only hashes; the plaintext is shown to the user once.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

// VerifyRecoveryCode checks input against a list of stored hashes and, on
// match, returns the matched hash so the caller can delete exactly that
// entry. Deleting by hash rather than by value preserves single-use
// semantics.
func VerifyRecoveryCode(input string, hashed []string) (bool, string) {
	if NormalizeRecoveryCode(input) == "" {
		return false, ""
	}
	inputHash := HashRecoveryCode(input)
	for _, h := range hashed {
		if h == inputHash {
			return true, h
		}
	}
	return false, ""
}
