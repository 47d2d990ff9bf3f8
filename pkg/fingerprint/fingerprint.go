// Package fingerprint derives the deterministic device id stamped into
// upstream user-agent headers. The upstream only parses the id as an opaque
// UUID-shaped string, so the derivation hashes a stable per-credential seed
// instead of identifying the real machine.
package fingerprint

import (
	"crypto/sha256"
	"strings"

	"github.com/google/uuid"

	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

// seedPrefix matches the seed construction used by the Kiro desktop client.
const seedPrefix = "KotlinNativeAPI/"

// IsValidMachineID reports whether s has the syntactic UUID v4 form:
// 36 characters, five hex groups of 8-4-4-4-12.
func IsValidMachineID(s string) bool {
	if len(s) != 36 {
		return false
	}
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return false
	}
	lengths := [5]int{8, 4, 4, 4, 12}
	for i, part := range parts {
		if len(part) != lengths[i] {
			return false
		}
		for _, c := range part {
			if !isHexDigit(c) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// FromCredential derives the device id for a credential. Selection order:
// a well-formed explicit machine id wins, then a fingerprint seeded from a
// valid profile ARN, then one seeded from the refresh token. Returns ""
// when the credential carries nothing to derive from.
func FromCredential(cred *types.Credential) string {
	if cred.MachineID != "" && IsValidMachineID(cred.MachineID) {
		return cred.MachineID
	}
	if isValidProfileARN(cred.ProfileARN) {
		return UUIDFromSeed(seedPrefix + cred.ProfileARN)
	}
	if cred.RefreshToken != "" {
		return UUIDFromSeed(seedPrefix + cred.RefreshToken)
	}
	return ""
}

func isValidProfileARN(arn string) bool {
	return arn != "" && strings.HasPrefix(arn, "arn:aws") && strings.Contains(arn, "profile/")
}

// UUIDFromSeed builds a deterministic UUID-shaped string from a seed:
// SHA-256 of the seed, first 16 bytes, standard hex-and-dash formatting.
// The version/variant bits are intentionally not forced; changing that
// would change every previously derived fingerprint.
func UUIDFromSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// Unreachable: FromBytes only fails on length != 16.
		return ""
	}
	return id.String()
}
