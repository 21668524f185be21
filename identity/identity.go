// Package identity defines the resolvable public profile of a wallet holder
// and the derivation of the routable address from the signing key.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"paylink/crypto/signkey"
)

// AddressBytes is the number of hash bytes kept in a routable address.
const AddressBytes = 20

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Identity is an address-anchored public profile. Handle and ShortID are
// relay-assigned and mutable; only Address is guaranteed unique. Payloads
// are only ever encrypted to EncryptionPublicKey after it has been resolved
// through an Address — never to a handle or short id directly.
type Identity struct {
	Address             string `json:"address"`
	Handle              string `json:"handle,omitempty"`
	ShortID             string `json:"shortId,omitempty"`
	EncryptionPublicKey []byte `json:"encryptionPublicKey"`
	Online              bool   `json:"online"`
}

// DeriveAddress maps a signing public key to its routable address:
// 0x + hex of the last 20 bytes of SHA-256 of the key.
func DeriveAddress(pub signkey.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[len(sum)-AddressBytes:])
}

// IsAddress reports whether s has the routable address shape.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lowercases the hex portion so addresses compare stably.
func NormalizeAddress(s string) string {
	return "0x" + strings.ToLower(strings.TrimPrefix(s, "0x"))
}
