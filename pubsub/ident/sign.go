package ident

import (
	"crypto/rand"
	"errors"

	"github.com/veraison/go-cose"
)

// ErrVerifyFailed reports a failed signature verification; callers only
// need to know "signature invalid" and must not retry.
var ErrVerifyFailed = errors.New("ident: signature verification failed")

// Sign produces a detached ES256 signature over payload (the canonical
// CBOR encoding of an object with its signature field omitted). The COSE
// Sign1 envelope is constructed only to drive the signer; only the
// resulting Signature bytes are kept, the payload itself lives in the
// object's own fields.
func Sign(priv *PrivateKey, payload []byte) ([]byte, error) {
	msg := cose.NewSign1Message()
	msg.Payload = payload
	if msg.Headers.Protected == nil {
		msg.Headers.Protected = make(cose.ProtectedHeader)
	}
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = cose.AlgorithmES256

	signer, err := cose.NewSigner(cose.AlgorithmES256, priv)
	if err != nil {
		return nil, err
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	return msg.Signature, nil
}

// Verify checks a detached ES256 signature produced by Sign against
// payload and the claimed public key.
func Verify(pub *PublicKey, payload, signature []byte) bool {
	if len(signature) == 0 {
		return false
	}
	msg := cose.NewSign1Message()
	msg.Payload = payload
	msg.Signature = signature
	if msg.Headers.Protected == nil {
		msg.Headers.Protected = make(cose.ProtectedHeader)
	}
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = cose.AlgorithmES256

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return false
	}
	return msg.Verify(nil, verifier) == nil
}
