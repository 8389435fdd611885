package ident

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
)

// PrivateKey and PublicKey are the ECDSA P-256 key types used for every
// detached signature in the protocol (publisher message signatures,
// subscriber subscription signatures).
type PrivateKey = ecdsa.PrivateKey
type PublicKey = ecdsa.PublicKey

// GenerateKeypair returns a fresh ECDSA P-256 keypair.
func GenerateKeypair() (*PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// PublicOf returns the public half of priv, the form every Verify call
// takes.
func PublicOf(priv *PrivateKey) *PublicKey {
	return &priv.PublicKey
}

// IdentityID derives the 160-bit node identifier for a keypair, the
// identifier participants use as publisherID/subscriberID: hash of the
// uncompressed public key point.
func IdentityID(pub *PublicKey) ID {
	return NewID(elliptic.Marshal(pub.Curve, pub.X, pub.Y))
}
