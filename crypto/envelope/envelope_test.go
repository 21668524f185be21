package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"Short message", []byte("hello")},
		{"Empty message", []byte{}},
		{"Binary message", []byte{0x00, 0x01, 0xfe, 0xff}},
		{"Long message", make([]byte, 64*1024)},
	}

	recipient, err := NewPair()
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Seal(tt.plaintext, recipient.Pub)
			require.NoError(t, err)

			plaintext, err := Open(env, recipient.Priv)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, plaintext)
		})
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	recipient, err := NewPair()
	require.NoError(t, err)
	other, err := NewPair()
	require.NoError(t, err)

	env, err := Seal([]byte("secret"), recipient.Pub)
	require.NoError(t, err)

	_, err = Open(env, other.Priv)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestTamperedEnvelopeFails(t *testing.T) {
	recipient, err := NewPair()
	require.NoError(t, err)

	env, err := Seal([]byte("secret"), recipient.Pub)
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0x01
	_, err = Open(env, recipient.Priv)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSealNeverRepeats(t *testing.T) {
	recipient, err := NewPair()
	require.NoError(t, err)

	env1, err := Seal([]byte("same plaintext"), recipient.Pub)
	require.NoError(t, err)
	env2, err := Seal([]byte("same plaintext"), recipient.Pub)
	require.NoError(t, err)

	assert.NotEqual(t, env1.EphemeralPublicKey, env2.EphemeralPublicKey)
	assert.NotEqual(t, env1.Nonce, env2.Nonce)
	assert.NotEqual(t, env1.Ciphertext, env2.Ciphertext)
}

func TestSealRejectsBadKey(t *testing.T) {
	_, err := Seal([]byte("x"), PublicKey("too short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestJSONWrappers(t *testing.T) {
	type payload struct {
		Amount string `json:"amount"`
		Memo   string `json:"memo"`
	}

	recipient, err := NewPair()
	require.NoError(t, err)

	in := payload{Amount: "25.00", Memo: "lunch"}
	env, err := SealJSON(in, recipient.Pub)
	require.NoError(t, err)

	var out payload
	require.NoError(t, OpenJSON(env, recipient.Priv, &out))
	assert.Equal(t, in, out)
}

func TestOpenJSONMalformedPayload(t *testing.T) {
	recipient, err := NewPair()
	require.NoError(t, err)

	env, err := Seal([]byte("not json"), recipient.Pub)
	require.NoError(t, err)

	var out struct{ Amount string }
	err = OpenJSON(env, recipient.Priv, &out)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEnvelopeWireEncoding(t *testing.T) {
	recipient, err := NewPair()
	require.NoError(t, err)

	env, err := Seal([]byte("wire"), recipient.Pub)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	plaintext, err := Open(&decoded, recipient.Priv)
	require.NoError(t, err)
	assert.Equal(t, []byte("wire"), plaintext)
}
