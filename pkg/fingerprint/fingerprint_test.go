package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

func TestIsValidMachineID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"valid UUID v4", "b3981d12-4d61-418c-9b77-461db82a7cc4", true},
		{"uppercase hex", "B3981D12-4D61-418C-9B77-461DB82A7CC4", true},
		{"too short", "b3981d12", false},
		{"trailing garbage", "b3981d12-4d61-418c-9b77-461db82a7cc4-extra", false},
		{"missing dashes", "b3981d124d61418c9b77461db82a7cc4", false},
		{"non-hex character", "b3981d12-4d61-418c-9b7x-461db82a7cc4", false},
		{"wrong group lengths", "b3981d1-24d61-418c-9b77-461db82a7cc4", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidMachineID(tt.input))
		})
	}
}

func TestUUIDFromSeed(t *testing.T) {
	got := UUIDFromSeed("test")
	require.Len(t, got, 36)
	assert.True(t, IsValidMachineID(got), "seeded UUID must pass the v4 syntactic validator")

	// Deterministic: equal inputs yield equal outputs.
	assert.Equal(t, got, UUIDFromSeed("test"))

	// Distinct seeds yield distinct ids.
	assert.NotEqual(t, got, UUIDFromSeed("test2"))
}

func TestFromCredentialExplicitMachineID(t *testing.T) {
	cred := &types.Credential{MachineID: "b3981d12-4d61-418c-9b77-461db82a7cc4"}
	assert.Equal(t, "b3981d12-4d61-418c-9b77-461db82a7cc4", FromCredential(cred))
}

func TestFromCredentialInvalidMachineIDFallsBack(t *testing.T) {
	// The legacy 64-hex-char format is no longer accepted; derivation must
	// fall back to the profile ARN seed.
	cred := &types.Credential{
		MachineID:  strings.Repeat("a", 64),
		ProfileARN: "arn:aws:sso::123456789:profile/test",
	}
	got := FromCredential(cred)
	require.NotEmpty(t, got)
	assert.True(t, IsValidMachineID(got))
}

func TestFromCredentialProfileARN(t *testing.T) {
	cred := &types.Credential{ProfileARN: "arn:aws:sso::123456789:profile/test"}
	got := FromCredential(cred)
	require.NotEmpty(t, got)
	assert.True(t, IsValidMachineID(got))
}

func TestFromCredentialMalformedProfileARN(t *testing.T) {
	// An ARN without the profile/ segment must not be used as a seed.
	cred := &types.Credential{
		ProfileARN:   "arn:aws:sso::123456789",
		RefreshToken: "some_refresh_token",
	}
	assert.Equal(t, UUIDFromSeed("KotlinNativeAPI/some_refresh_token"), FromCredential(cred))
}

func TestFromCredentialRefreshToken(t *testing.T) {
	cred := &types.Credential{RefreshToken: "test_refresh_token"}
	got := FromCredential(cred)
	require.NotEmpty(t, got)
	assert.True(t, IsValidMachineID(got))
}

func TestFromCredentialEmpty(t *testing.T) {
	assert.Empty(t, FromCredential(&types.Credential{}))
}

func TestFromCredentialMachineIDWinsOverProfileARN(t *testing.T) {
	cred := &types.Credential{
		ProfileARN: "arn:aws:sso::123456789:profile/test",
		MachineID:  "b3981d12-4d61-418c-9b77-461db82a7cc4",
	}
	assert.Equal(t, "b3981d12-4d61-418c-9b77-461db82a7cc4", FromCredential(cred))
}
