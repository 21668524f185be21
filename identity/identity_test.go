package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylink/crypto/signkey"
)

func TestDeriveAddress(t *testing.T) {
	pair, err := signkey.New()
	require.NoError(t, err)

	addr := DeriveAddress(pair.Pub)
	assert.True(t, IsAddress(addr))
	assert.Len(t, addr, 2+2*AddressBytes)

	// Deterministic for the same key, distinct for another key.
	assert.Equal(t, addr, DeriveAddress(pair.Pub))
	other, err := signkey.New()
	require.NoError(t, err)
	assert.NotEqual(t, addr, DeriveAddress(other.Pub))
}

func TestIsAddress(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		valid bool
	}{
		{"Valid lowercase", "0x0123456789abcdef0123456789abcdef01234567", true},
		{"Valid mixed case", "0x0123456789ABCDEF0123456789abcdef01234567", true},
		{"Missing prefix", "0123456789abcdef0123456789abcdef01234567", false},
		{"Too short", "0x0123456789abcdef", false},
		{"Not hex", "0xzz23456789abcdef0123456789abcdef01234567", false},
		{"Handle", "@alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsAddress(tt.in))
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t,
		"0x0123456789abcdef0123456789abcdef01234567",
		NormalizeAddress("0x0123456789ABCDEF0123456789abcdef01234567"))
}
