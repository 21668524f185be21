package signkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	pair, err := New()
	assert.NoError(t, err)

	tests := []struct {
		name string
		msg  []byte
	}{
		{"Valid message", []byte("test message")},
		{"Empty message", []byte("")},
		{"Binary message", []byte{0x00, 0xff, 0x10, 0x42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Sign(pair.Priv, tt.msg)
			assert.NoError(t, err)
			assert.NotNil(t, sig)

			assert.NoError(t, Verify(pair.Pub, tt.msg, sig))

			// Wrong message must not verify
			assert.Error(t, Verify(pair.Pub, []byte("wrong message"), sig))

			// Wrong key must not verify
			other, err := New()
			assert.NoError(t, err)
			assert.Error(t, Verify(other.Pub, tt.msg, sig))
		})
	}
}

func TestSignerMatchesRawSign(t *testing.T) {
	pair, err := New()
	assert.NoError(t, err)

	signer := NewSigner(pair)
	msg := []byte("auth challenge")

	sig, err := signer.Sign(msg)
	assert.NoError(t, err)
	assert.NoError(t, Verify(signer.PublicKey(), msg, sig))
}

func TestPublicDerivation(t *testing.T) {
	pair, err := New()
	assert.NoError(t, err)

	pub, err := pair.Priv.Public()
	assert.NoError(t, err)
	assert.Equal(t, []byte(pair.Pub), []byte(pub))
}
