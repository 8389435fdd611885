package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht/memstore"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// TestPublish_PushDeliversToAssignedInitiator: a successful publish
// fires push delivery to every active subscriber this node is the
// assigned initiator for.
func TestPublish_PushDeliversToAssignedInitiator(t *testing.T) {
	ctx := context.Background()
	transport := memstore.New()
	storage := NewStorageAdapter(transport, nil)

	pubPriv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	publisherIdentity := ident.IdentityID(ident.PublicOf(pubPriv))
	pub := NewPublisher(storage, pubPriv, nil)
	pub.SetK(1)

	// Single seeded node: the publisher itself, so assign() always
	// names this node as the initiator for every subscriber.
	transport.SeedNodes([]ident.ID{publisherIdentity})

	subPriv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	subscriberIdentity := ident.IdentityID(ident.PublicOf(subPriv))
	sub := NewSubscriber(storage, subPriv, 1, nil)

	topicID := ident.NewID([]byte("push-topic"))
	_, err = sub.Subscribe(ctx, topicID, time.Hour, func(Message) {})
	require.NoError(t, err)

	res, err := pub.Publish(ctx, topicID, []byte("hello"), time.Hour)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		return len(transport.SentMessages()) == 1
	}, time.Second, time.Millisecond, "push delivery should fire exactly once")

	sent := transport.SentMessages()[0]
	assert.Equal(t, subscriberIdentity, sent.Target)

	env, err := UnmarshalPushEnvelope(sent.Envelope)
	require.NoError(t, err)
	assert.Equal(t, PushEnvelopeType, env.Type)
	assert.Equal(t, topicID, env.TopicID)
	assert.Equal(t, res.MessageID, env.Message.MessageID)
}

// TestPublish_PushSkipsUnassignedInitiator confirms a node NOT picked by
// assign() for a given subscriber does not push to it, even though it
// still ran push delivery (findNode succeeded, just this node lost the
// partition).
func TestPublish_PushSkipsUnassignedInitiator(t *testing.T) {
	ctx := context.Background()
	transport := memstore.New()
	storage := NewStorageAdapter(transport, nil)

	pubPriv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	publisherIdentity := ident.IdentityID(ident.PublicOf(pubPriv))
	pub := NewPublisher(storage, pubPriv, nil)
	pub.SetK(1)

	// Seed a node list that never includes the publisher, so assign()
	// never names this node as the initiator.
	other := ident.NewID([]byte("some-other-node"))
	require.NotEqual(t, publisherIdentity, other)
	transport.SeedNodes([]ident.ID{other})

	subPriv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	sub := NewSubscriber(storage, subPriv, 1, nil)

	topicID := ident.NewID([]byte("push-topic-skip"))
	_, err = sub.Subscribe(ctx, topicID, time.Hour, func(Message) {})
	require.NoError(t, err)

	res, err := pub.Publish(ctx, topicID, []byte("hello"), time.Hour)
	require.NoError(t, err)
	require.True(t, res.Success)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, transport.SentMessages())
}

// TestBatchPublisher_PushDeliversBatchToAssignedInitiator confirms the
// batch-flush success path fires the same push-delivery hook, once per
// queued message.
func TestBatchPublisher_PushDeliversBatchToAssignedInitiator(t *testing.T) {
	ctx := context.Background()
	transport := memstore.New()
	storage := NewStorageAdapter(transport, nil)

	pubPriv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	publisherIdentity := ident.IdentityID(ident.PublicOf(pubPriv))
	pub := NewPublisher(storage, pubPriv, nil)
	pub.SetK(1)
	transport.SeedNodes([]ident.ID{publisherIdentity})
	batch := NewBatchPublisher(pub, 3, time.Hour)

	subPriv, err := ident.GenerateKeypair()
	require.NoError(t, err)
	sub := NewSubscriber(storage, subPriv, 1, nil)

	topicID := ident.NewID([]byte("push-batch-topic"))
	_, err = sub.Subscribe(ctx, topicID, time.Hour, func(Message) {})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = batch.Publish(ctx, topicID, []byte{byte(i)}, time.Hour)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(transport.SentMessages()) == 3
	}, time.Second, time.Millisecond, "every batched message should be pushed")
}
