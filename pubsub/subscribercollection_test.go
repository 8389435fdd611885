package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

func TestCoordinatorSlot_Deterministic(t *testing.T) {
	topicID := ident.NewID([]byte("topic"))
	subID := ident.NewID([]byte("subscriber"))

	a := CoordinatorSlot(topicID, subID, 20)
	b := CoordinatorSlot(topicID, subID, 20)
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(20))
}

func TestSubscriberCollection_AddSubscriberReplacesExisting(t *testing.T) {
	subID := ident.NewID([]byte("sub"))
	c := NewSubscriberCollection(100)
	c = c.AddSubscriber(SubscriberMeta{SubscriberID: subID, ExpiresAt: 1000})
	c = c.AddSubscriber(SubscriberMeta{SubscriberID: subID, ExpiresAt: 2000})

	require.Len(t, c.Subscribers, 1)
	assert.Equal(t, int64(2000), c.Subscribers[0].ExpiresAt)
}

func TestSubscriberCollection_Merge_KeepsGreaterSubscribedAt(t *testing.T) {
	subID := ident.NewID([]byte("sub"))
	a := NewSubscriberCollection(100).AddSubscriber(SubscriberMeta{SubscriberID: subID, SubscribedAt: 10})
	b := NewSubscriberCollection(100).AddSubscriber(SubscriberMeta{SubscriberID: subID, SubscribedAt: 20})

	merged := a.Merge(b)
	require.Len(t, merged.Subscribers, 1)
	assert.Equal(t, int64(20), merged.Subscribers[0].SubscribedAt)
}

func TestSubscriberCollection_Renew(t *testing.T) {
	subID := ident.NewID([]byte("sub"))
	c := NewSubscriberCollection(100).AddSubscriber(SubscriberMeta{SubscriberID: subID, ExpiresAt: 1000})

	renewed := c.Renew(subID, 5000, []byte("newsig"))
	meta, ok := renewed.GetSubscriber(subID)
	require.True(t, ok)
	assert.Equal(t, int64(5000), meta.ExpiresAt)
	assert.Equal(t, []byte("newsig"), meta.Signature)
}

func TestSubscriberCollection_VerifyAll(t *testing.T) {
	priv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	pub := ident.PublicOf(priv)
	subID := ident.IdentityID(pub)

	payload := subscriptionSignable(subID, 3, 100, 200)
	sig, err := ident.Sign(priv, payload)
	require.NoError(t, err)

	c := NewSubscriberCollection(100).AddSubscriber(SubscriberMeta{
		SubscriberID:    subID,
		CoordinatorSlot: 3,
		SubscribedAt:    100,
		ExpiresAt:       200,
		Signature:       sig,
	})

	bad := c.VerifyAll(func(id ident.ID) (*ident.PublicKey, bool) {
		if id == subID {
			return pub, true
		}
		return nil, false
	})
	assert.Empty(t, bad)
}

func TestSubscriberCollection_VerifyAll_FlagsBadSignature(t *testing.T) {
	priv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	pub := ident.PublicOf(priv)
	subID := ident.IdentityID(pub)

	c := NewSubscriberCollection(100).AddSubscriber(SubscriberMeta{
		SubscriberID:    subID,
		CoordinatorSlot: 3,
		SubscribedAt:    100,
		ExpiresAt:       200,
		Signature:       []byte("not a real signature"),
	})

	bad := c.VerifyAll(func(id ident.ID) (*ident.PublicKey, bool) { return pub, true })
	assert.Equal(t, []ident.ID{subID}, bad)
}

func TestSubscriberCollection_MarshalUnmarshalRoundTrip(t *testing.T) {
	subID := ident.NewID([]byte("sub"))
	c := NewSubscriberCollection(100).AddSubscriber(SubscriberMeta{SubscriberID: subID, ExpiresAt: 1000})

	data, err := c.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalSubscriberCollection(data)
	require.NoError(t, err)
	assert.Equal(t, c, out)
}
