package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

func TestCoordinatorObject_UpdateMessagesBumpsVersion(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)

	collID := ident.NewID([]byte("coll1"))
	updated := c.UpdateMessages(collID, 200)

	assert.Equal(t, uint64(1), updated.Version)
	require.NotNil(t, updated.CurrentMessages)
	assert.Equal(t, collID, *updated.CurrentMessages)
	assert.Empty(t, updated.MessageHistory)
}

func TestCoordinatorObject_UpdateMessagesTwiceMovesPriorToHistory(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)

	collA := ident.NewID([]byte("collA"))
	collB := ident.NewID([]byte("collB"))

	c = c.UpdateMessages(collA, 200)
	c = c.UpdateMessages(collB, 300)

	assert.Equal(t, uint64(2), c.Version)
	assert.Equal(t, []ident.ID{collA}, c.MessageHistory)
	assert.Equal(t, collB, *c.CurrentMessages)
}

func TestCoordinatorObject_UpdateBothSingleVersionBump(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)

	subID := ident.NewID([]byte("sub1"))
	msgID := ident.NewID([]byte("msg1"))
	updated := c.UpdateBoth(subID, msgID, 200)

	assert.Equal(t, uint64(1), updated.Version)
	assert.Equal(t, subID, *updated.CurrentSubscribers)
	assert.Equal(t, msgID, *updated.CurrentMessages)
}

func TestCoordinatorObject_NeedsPruning(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)
	assert.False(t, c.NeedsPruning(100))
	assert.True(t, c.NeedsPruning(2000))

	for i := 0; i < CoordinatorPruneHistoryLen+1; i++ {
		c.MessageHistory = append(c.MessageHistory, ident.NewID([]byte{byte(i)}))
	}
	assert.True(t, c.NeedsPruning(100))
}

func TestCoordinatorObject_Prune_KeepsTail(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)
	for i := 0; i < 15; i++ {
		c.MessageHistory = append(c.MessageHistory, ident.NewID([]byte{byte(i)}))
	}

	pruned, snap := c.Prune(500)
	assert.Len(t, pruned.MessageHistory, CoordinatorKeepHistoryLen)
	assert.Equal(t, c.MessageHistory[5:], pruned.MessageHistory)
	assert.Equal(t, c.MessageHistory[:5], snap.MessageHistory)
	require.NotNil(t, pruned.PreviousCoordinator)
	assert.Equal(t, snap.SnapshotID, *pruned.PreviousCoordinator)
}

func TestCoordinatorObject_Merge_VersionMonotonicAndUnion(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	base := NewCoordinatorObject(topicID, 100)

	collA := ident.NewID([]byte("collA"))
	collB := ident.NewID([]byte("collB"))

	a := base.UpdateMessages(collA, 200)
	b := base.UpdateMessages(collB, 200)

	merged := a.Merge(b, 300)

	assert.Equal(t, uint64(2), merged.Version)
	assert.ElementsMatch(t, []ident.ID{collA, collB}, append(merged.MessageHistory, *merged.CurrentMessages))
}

func TestCoordinatorObject_Merge_FailedStateDominates(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	a := NewCoordinatorObject(topicID, 100)
	b := NewCoordinatorObject(topicID, 100).UpdateState(StateFailed, 100)

	merged := a.Merge(b, 200)
	assert.Equal(t, StateFailed, merged.State)
}

func TestCoordinatorObject_Validate(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)
	assert.NoError(t, c.Validate())

	c.CoordinatorID = ident.NewID([]byte("wrong"))
	assert.ErrorIs(t, c.Validate(), ErrCoordinatorIDMismatch)
}

func TestCoordinatorObject_ValidateAllowsOversizedHistoryPrePrune(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100)
	for i := 0; i < CoordinatorPruneHistoryLen+5; i++ {
		c.MessageHistory = append(c.MessageHistory, ident.NewID([]byte{byte(i)}))
	}
	assert.NoError(t, c.Validate())
}

func TestCoordinatorObject_MarshalUnmarshalRoundTrip(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	c := NewCoordinatorObject(topicID, 100).UpdateMessages(ident.NewID([]byte("coll")), 200)

	data, err := c.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalCoordinatorObject(data)
	require.NoError(t, err)
	assert.Equal(t, c, out)
}
