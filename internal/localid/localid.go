// Package localid provides generation and validation of client-local record identifiers.
//
// Records created while offline are keyed by a local-only identifier of the
// form local_<epoch-ms>_<random>, where the random suffix is 5-7 base36
// characters. The identifier is replaced in meaning (not in value) once the
// server assigns an authoritative id.
package localid

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// localIDRegex matches local_<epoch-ms>_<5-7 char base36 suffix>.
var localIDRegex = regexp.MustCompile(`^local_\d+_[a-z0-9]{5,7}$`)

// New generates a new local record identifier.
func New() string {
	return NewAt(time.Now())
}

// NewAt generates a local record identifier with an explicit timestamp.
// Exposed for deterministic tests.
func NewAt(ts time.Time) string {
	return fmt.Sprintf("local_%d_%s", ts.UnixMilli(), randomSuffix())
}

// randomSuffix returns a 5-7 character base36 string.
// Entropy comes from a UUID v4 rather than a seeded PRNG so that
// concurrently created records never collide.
func randomSuffix() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:8])
	s := strings.ToLower(n.Text(36))
	if len(s) > 7 {
		s = s[len(s)-7:]
	}
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}

// IsValid checks if a string is a valid local record identifier.
func IsValid(s string) bool {
	return localIDRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid local identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid local id format: %q", s)
	}
	return nil
}

// Timestamp extracts the creation timestamp embedded in a local id.
// Returns the zero time for invalid ids.
func Timestamp(s string) time.Time {
	if !IsValid(s) {
		return time.Time{}
	}
	parts := strings.Split(s, "_")
	ms := new(big.Int)
	if _, ok := ms.SetString(parts[1], 10); !ok {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64())
}
