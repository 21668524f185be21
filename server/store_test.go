package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateShortIDSkipsHeldIDs(t *testing.T) {
	counter := int64(999998)
	taken := map[string]bool{"999999": true, "000000": true}
	var claimed []string

	id, err := allocateShortID(
		func() (int64, error) {
			counter++
			return counter, nil
		},
		func(shortID string) (bool, error) {
			claimed = append(claimed, shortID)
			return !taken[shortID], nil
		},
	)
	require.NoError(t, err)

	// The counter wraps past held ids instead of rebinding them.
	assert.Equal(t, "000001", id)
	assert.Equal(t, []string{"999999", "000000", "000001"}, claimed)
}

func TestAllocateShortIDZeroPads(t *testing.T) {
	id, err := allocateShortID(
		func() (int64, error) { return 7, nil },
		func(string) (bool, error) { return true, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "000007", id)
}

func TestAllocateShortIDExhaustion(t *testing.T) {
	counter := int64(0)
	_, err := allocateShortID(
		func() (int64, error) {
			counter++
			return counter, nil
		},
		func(string) (bool, error) { return false, nil },
	)
	assert.ErrorIs(t, err, ErrShortIDsExhausted)
}
