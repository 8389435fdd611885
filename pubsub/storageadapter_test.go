package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht/memstore"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

func newTestAdapter() *StorageAdapter {
	return NewStorageAdapter(memstore.New(), nil)
}

func TestStorageAdapter_CoordinatorRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter()
	topicID := ident.NewID([]byte("topic"))

	_, ok, err := adapter.LoadCoordinator(ctx, topicID)
	require.NoError(t, err)
	assert.False(t, ok)

	c := NewCoordinatorObject(topicID, 100)
	require.NoError(t, adapter.StoreCoordinator(ctx, c))

	loaded, ok, err := adapter.LoadCoordinator(ctx, topicID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, loaded)
}

func TestStorageAdapter_CompareAndSwap_ConflictReturnsCurrent(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter()
	topicID := ident.NewID([]byte("topic"))

	c := NewCoordinatorObject(topicID, 100)
	outcome, err := adapter.StoreCoordinatorWithVersionCheck(ctx, c, 0)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	updated := c.UpdateMessages(ident.NewID([]byte("coll")), 200)
	outcome, err = adapter.StoreCoordinatorWithVersionCheck(ctx, updated, 5)
	require.NoError(t, err)
	assert.True(t, outcome.Conflict)
	require.NotNil(t, outcome.CurrentCoordinator)
	assert.Equal(t, c, *outcome.CurrentCoordinator)
}

func TestStorageAdapter_MessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter()
	priv, err := ident.GenerateKeypair()
	require.NoError(t, err)

	m := NewMessage(ident.NewID([]byte("t")), ident.IdentityID(ident.PublicOf(priv)), 1, []byte("x"), 100, 2000)
	require.NoError(t, m.Sign(priv))
	require.NoError(t, adapter.StoreMessage(ctx, m))

	loaded, ok, err := adapter.LoadMessage(ctx, m.MessageID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m, loaded)
}

func TestStorageAdapter_LoadSnapshotChain_DetectsCycle(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter()
	topicID := ident.NewID([]byte("topic"))

	s1 := NewCoordinatorSnapshot(topicID, 1, nil, nil, nil, 100)
	s2 := NewCoordinatorSnapshot(topicID, 2, nil, nil, &s1.SnapshotID, 200)
	cyclic := s1
	cyclic.PreviousCoordinator = &s2.SnapshotID

	require.NoError(t, adapter.StoreSnapshot(ctx, cyclic))
	require.NoError(t, adapter.StoreSnapshot(ctx, s2))

	_, err := adapter.LoadSnapshotChain(ctx, cyclic.SnapshotID, SnapshotChainDepth)
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestStorageAdapter_LoadSnapshotChain_WalksToEnd(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter()
	topicID := ident.NewID([]byte("topic"))

	root := NewCoordinatorSnapshot(topicID, 1, nil, nil, nil, 100)
	mid := NewCoordinatorSnapshot(topicID, 2, nil, nil, &root.SnapshotID, 200)
	head := NewCoordinatorSnapshot(topicID, 3, nil, nil, &mid.SnapshotID, 300)

	require.NoError(t, adapter.StoreSnapshot(ctx, root))
	require.NoError(t, adapter.StoreSnapshot(ctx, mid))
	require.NoError(t, adapter.StoreSnapshot(ctx, head))

	chain, err := adapter.LoadSnapshotChain(ctx, head.SnapshotID, SnapshotChainDepth)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []uint64{3, 2, 1}, []uint64{chain[0].Version, chain[1].Version, chain[2].Version})
}
