package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
	"go.uber.org/zap"
)

// TopicInfo is a point-in-time snapshot returned by Client.GetTopicInfo.
type TopicInfo struct {
	TopicID          ident.ID
	CoordinatorState CoordinatorState
	Version          uint64
	Subscribed       bool
	LastSeenVersion  uint64
	QueueDepth       int
}

// ClientStats is returned by Client.GetStats.
type ClientStats struct {
	MessagesPublished    uint64
	MessagesDelivered    uint64
	PushMessagesReceived uint64
	DedupHits            uint64
	ActiveSubscriptions  int
}

// Client aggregates Publisher and Subscriber behind a topic-keyed event
// surface, plus the dedup cache and push-delivery hook shared across
// both polling and push. Each Client owns its sequence map, subscription
// map, batch queues, dedup cache, and polling loop; nothing is shared
// across instances.
type Client struct {
	storage    *StorageAdapter
	transport  dht.Transport
	publisher  *Publisher
	batch      *BatchPublisher
	subscriber *Subscriber
	log        *zap.SugaredLogger
	identity   ident.ID
	k          uint32

	mu       sync.Mutex
	handlers map[ident.ID]func(Message)
	dedup    map[ident.ID]int64 // messageID -> receivedAt (ms)
	stats    ClientStats

	dedupWindow time.Duration

	pollStop    chan struct{}
	pollStopped chan struct{}
	pollMu      sync.Mutex
	polling     bool
}

// NewClient wires a Publisher and Subscriber over a single transport
// and identity keypair. Trailing Option values override batching and
// dedup-cache tunables (WithBatchSize, WithBatchTime, WithDedupWindow);
// unset ones keep the package defaults.
func NewClient(transport dht.Transport, priv *ident.PrivateKey, k uint32, log *zap.SugaredLogger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if k == 0 {
		k = DefaultK
	}
	o := newClientOptions()
	for _, opt := range opts {
		opt(o)
	}
	storage := NewStorageAdapter(transport, log)
	pub := NewPublisher(storage, priv, log)
	pub.SetK(k)
	return &Client{
		storage:     storage,
		transport:   transport,
		publisher:   pub,
		batch:       NewBatchPublisher(pub, o.batchSize, o.batchTime),
		subscriber:  NewSubscriber(storage, priv, k, log),
		log:         log,
		identity:    ident.IdentityID(ident.PublicOf(priv)),
		k:           k,
		handlers:    make(map[ident.ID]func(Message)),
		dedup:       make(map[ident.ID]int64),
		dedupWindow: o.dedupWindow,
	}
}

// On registers (or replaces) the delivery handler for topicID.
func (c *Client) On(topicID ident.ID, handler func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topicID] = handler
}

// Publish signs, stores, and commits a single message.
func (c *Client) Publish(ctx context.Context, topicID ident.ID, data []byte, ttl time.Duration) (PublishResult, error) {
	res, err := c.publisher.Publish(ctx, topicID, data, ttl)
	if err == nil {
		c.mu.Lock()
		c.stats.MessagesPublished++
		c.mu.Unlock()
	}
	return res, err
}

// BatchPublish enqueues a message for the next coalesced flush on its
// topic.
func (c *Client) BatchPublish(ctx context.Context, topicID ident.ID, data []byte, ttl time.Duration) (PublishResult, error) {
	res, err := c.batch.Publish(ctx, topicID, data, ttl)
	if err == nil {
		c.mu.Lock()
		c.stats.MessagesPublished++
		c.mu.Unlock()
	}
	return res, err
}

// Subscribe subscribes to topicID and registers handler as its delivery
// target. Historical backfill is delivered through the dedup-and-deliver
// path, same as poll/push.
func (c *Client) Subscribe(ctx context.Context, topicID ident.ID, ttl time.Duration, handler func(Message)) (SubscribeResult, error) {
	c.On(topicID, handler)
	res, err := c.subscriber.Subscribe(ctx, topicID, ttl, func(m Message) {
		c.deliver(topicID, m)
	})
	if err == nil {
		c.mu.Lock()
		c.stats.ActiveSubscriptions++
		c.mu.Unlock()
	}
	return res, err
}

// Unsubscribe drops the local subscription and handler for topicID.
func (c *Client) Unsubscribe(ctx context.Context, topicID ident.ID) error {
	if err := c.subscriber.Unsubscribe(ctx, topicID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.handlers, topicID)
	if c.stats.ActiveSubscriptions > 0 {
		c.stats.ActiveSubscriptions--
	}
	c.mu.Unlock()
	return nil
}

// Renew extends a subscription's TTL.
func (c *Client) Renew(ctx context.Context, topicID ident.ID, additionalTTL time.Duration) (int64, error) {
	return c.subscriber.Renew(ctx, topicID, additionalTTL)
}

// Poll advances one topic's subscription cursor and delivers new
// messages through the dedup-and-deliver path.
func (c *Client) Poll(ctx context.Context, topicID ident.ID) (PollResult, error) {
	res, err := c.subscriber.Poll(ctx, topicID)
	if err != nil {
		return res, err
	}
	for _, m := range res.NewMessages {
		c.deliver(topicID, m)
	}
	return res, nil
}

// PollAll polls every topic this client is currently subscribed to.
func (c *Client) PollAll(ctx context.Context) map[ident.ID]error {
	c.subscriber.mu.Lock()
	topics := make([]ident.ID, 0, len(c.subscriber.subs))
	for t := range c.subscriber.subs {
		topics = append(topics, t)
	}
	c.subscriber.mu.Unlock()

	errs := make(map[ident.ID]error)
	for _, t := range topics {
		if _, err := c.Poll(ctx, t); err != nil {
			errs[t] = err
		}
	}
	return errs
}

// StartPolling runs PollAll on interval until StopPolling is called or
// the client is shut down; safe to run concurrently with push delivery
// thanks to the dedup cache.
func (c *Client) StartPolling(ctx context.Context, interval time.Duration) {
	c.pollMu.Lock()
	if c.polling {
		c.pollMu.Unlock()
		return
	}
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	c.polling = true
	c.pollStop = make(chan struct{})
	c.pollStopped = make(chan struct{})
	stop := c.pollStop
	stopped := c.pollStopped
	c.pollMu.Unlock()

	go func() {
		defer close(stopped)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.PollAll(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopPolling cancels the automatic polling timer started by
// StartPolling.
func (c *Client) StopPolling() {
	c.pollMu.Lock()
	if !c.polling {
		c.pollMu.Unlock()
		return
	}
	c.polling = false
	stop, stopped := c.pollStop, c.pollStopped
	c.pollMu.Unlock()

	close(stop)
	<-stopped
}

// OnPushMessage is the push-notification hook a Transport delivers
// messages through: unsubscribed topics are ignored, the rest go through
// the dedup-and-deliver path.
func (c *Client) OnPushMessage(topicID ident.ID, m Message) {
	c.mu.Lock()
	_, subscribed := c.handlers[topicID]
	c.mu.Unlock()
	if !subscribed {
		return
	}
	c.mu.Lock()
	c.stats.PushMessagesReceived++
	c.mu.Unlock()
	c.deliver(topicID, m)
}

// deliver applies the dedup cache before invoking the registered
// handler, then evicts the cache if it has grown past DedupEvictAbove
// entries. Handler panics are caught and logged; they never interrupt
// the dispatch loop or rewind a subscription cursor.
func (c *Client) deliver(topicID ident.ID, m Message) {
	c.mu.Lock()
	now := nowMillis()
	if receivedAt, ok := c.dedup[m.MessageID]; ok && now-receivedAt < c.dedupWindow.Milliseconds() {
		c.stats.DedupHits++
		c.mu.Unlock()
		return
	}
	c.dedup[m.MessageID] = now
	if len(c.dedup) > DedupEvictAbove {
		c.evictDedupLocked(now)
	}
	handler, ok := c.handlers[topicID]
	c.stats.MessagesDelivered++
	c.mu.Unlock()

	if ok {
		c.invokeHandler(topicID, m, handler)
	}
}

func (c *Client) invokeHandler(topicID ident.ID, m Message, handler func(Message)) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("handler panicked", "topic", topicID, "message", m.MessageID, "panic", r)
		}
	}()
	handler(m)
}

// evictDedupLocked drops every dedup entry older than c.dedupWindow.
// Callers must hold c.mu.
func (c *Client) evictDedupLocked(now int64) {
	for id, receivedAt := range c.dedup {
		if now-receivedAt >= c.dedupWindow.Milliseconds() {
			delete(c.dedup, id)
		}
	}
}

// GetTopicInfo returns a point-in-time view of a topic's coordinator
// plus this client's local subscription state.
func (c *Client) GetTopicInfo(ctx context.Context, topicID ident.ID) (TopicInfo, error) {
	coord, ok, err := c.storage.LoadCoordinator(ctx, topicID)
	if err != nil {
		return TopicInfo{}, err
	}
	info := TopicInfo{TopicID: topicID, QueueDepth: c.batch.QueueDepth(topicID)}
	if ok {
		info.CoordinatorState = coord.State
		info.Version = coord.Version
	}

	c.subscriber.mu.Lock()
	sub, subscribed := c.subscriber.subs[topicID]
	c.subscriber.mu.Unlock()
	if subscribed {
		info.Subscribed = true
		info.LastSeenVersion = sub.LastSeenVersion
	}
	return info, nil
}

// GetStats returns this client's cumulative counters.
func (c *Client) GetStats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Shutdown stops polling, unsubscribes from every registered topic, and
// clears the cache and handler registrations. Best-effort: individual
// unsubscribe failures are logged and do not abort the sequence.
func (c *Client) Shutdown(ctx context.Context) error {
	c.StopPolling()

	c.subscriber.mu.Lock()
	topics := make([]ident.ID, 0, len(c.subscriber.subs))
	for t := range c.subscriber.subs {
		topics = append(topics, t)
	}
	c.subscriber.mu.Unlock()

	var firstErr error
	for _, t := range topics {
		if err := c.Unsubscribe(ctx, t); err != nil {
			c.log.Warnw("shutdown: unsubscribe failed", "topic", t, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	c.mu.Lock()
	c.handlers = make(map[ident.ID]func(Message))
	c.dedup = make(map[ident.ID]int64)
	c.mu.Unlock()

	return firstErr
}
