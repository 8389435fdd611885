package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	priv, err := GenerateKeypair()
	require.NoError(t, err)

	payload := []byte("a canonical payload")
	sig, err := Sign(priv, payload)
	require.NoError(t, err)

	assert.True(t, Verify(PublicOf(priv), payload, sig))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	priv, err := GenerateKeypair()
	require.NoError(t, err)

	sig, err := Sign(priv, []byte("original"))
	require.NoError(t, err)

	assert.False(t, Verify(PublicOf(priv), []byte("tampered"), sig))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	priv, err := GenerateKeypair()
	require.NoError(t, err)
	other, err := GenerateKeypair()
	require.NoError(t, err)

	payload := []byte("payload")
	sig, err := Sign(priv, payload)
	require.NoError(t, err)

	assert.False(t, Verify(PublicOf(other), payload, sig))
}

func TestIdentityID_Deterministic(t *testing.T) {
	priv, err := GenerateKeypair()
	require.NoError(t, err)

	a := IdentityID(PublicOf(priv))
	b := IdentityID(PublicOf(priv))
	assert.Equal(t, a, b)
}
