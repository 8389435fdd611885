package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

func TestCoordinatorSnapshot_ValidateAndExpiry(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	snap := NewCoordinatorSnapshot(topicID, 5, nil, []ident.ID{ident.NewID([]byte("a"))}, nil, 1000)

	assert.NoError(t, snap.Validate())
	assert.False(t, snap.IsExpired(1000))
	assert.True(t, snap.IsExpired(snap.ExpiresAt()))
}

func TestCoordinatorSnapshot_ValidateDetectsTamperedID(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	snap := NewCoordinatorSnapshot(topicID, 5, nil, nil, nil, 1000)
	snap.Version = 6

	assert.ErrorIs(t, snap.Validate(), ErrSnapshotIDMismatch)
}

func TestCoordinatorSnapshot_MarshalUnmarshalRoundTrip(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	prev := ident.NewID([]byte("prev"))
	snap := NewCoordinatorSnapshot(topicID, 5, []ident.ID{ident.NewID([]byte("s1"))}, []ident.ID{ident.NewID([]byte("m1"))}, &prev, 1000)

	data, err := snap.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalCoordinatorSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, out)
}
