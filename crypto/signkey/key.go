// Package signkey holds the device's long-lived signing identity: an
// edwards25519 key pair used to authenticate to the relay via Schnorr
// signatures. The routable address is derived from the public key.
package signkey

import (
	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
)

type (
	// PrivateKey is a 32-byte marshalled scalar.
	PrivateKey []byte
	// PublicKey is a 32-byte marshalled point.
	PublicKey []byte

	Pair struct {
		Priv PrivateKey
		Pub  PublicKey
	}
)

var (
	Suite = suites.MustFind("Ed25519")
)

// New generates a fresh signing key pair.
func New() (*Pair, error) {
	privScalar := Suite.Scalar().Pick(Suite.RandomStream())
	priv, err := privScalar.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pub, err := Suite.Point().Mul(privScalar, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Pair{Priv: priv, Pub: pub}, nil
}

func (privB PrivateKey) ToScalar() (kyber.Scalar, error) {
	privK := Suite.Scalar()
	if err := privK.UnmarshalBinary(privB); err != nil {
		return nil, err
	}
	return privK, nil
}

func (pubB PublicKey) ToPoint() (kyber.Point, error) {
	pubK := Suite.Point()
	if err := pubK.UnmarshalBinary(pubB); err != nil {
		return nil, err
	}
	return pubK, nil
}

func (privB PrivateKey) Public() (PublicKey, error) {
	privK, err := privB.ToScalar()
	if err != nil {
		return nil, err
	}
	return Suite.Point().Mul(privK, nil).MarshalBinary()
}

// Sign produces a Schnorr signature over msg.
func Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	privScalar, err := priv.ToScalar()
	if err != nil {
		return nil, err
	}
	return schnorr.Sign(Suite, privScalar, msg)
}

// Verify checks a Schnorr signature over msg.
func Verify(pub PublicKey, msg, sig []byte) error {
	pubPoint, err := pub.ToPoint()
	if err != nil {
		return err
	}
	return schnorr.Verify(Suite, pubPoint, msg, sig)
}

// Signer is the signing capability handed to the relay connection. It keeps
// the private key out of the connection's reach.
type Signer struct {
	priv PrivateKey
	pub  PublicKey
}

func NewSigner(pair *Pair) *Signer {
	return &Signer{priv: pair.Priv, pub: pair.Pub}
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return Sign(s.priv, msg)
}

func (s *Signer) PublicKey() PublicKey {
	return s.pub
}
