package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// BatchPublisher coalesces publishes to the same topic into a single
// coordinator update. It wraps a Publisher and adds per-topic queues
// plus a flush timer (one cancel-and-reschedule timer handle per topic);
// the underlying per-message signing and message-store-first rule is
// unchanged from Publish.
type BatchPublisher struct {
	pub       *Publisher
	batchSize int
	batchTime time.Duration

	mu     sync.Mutex
	queues map[ident.ID]*topicQueue
}

type pendingPublish struct {
	msg    Message
	result chan batchOutcome
}

type batchOutcome struct {
	version uint64
	err     error
}

type topicQueue struct {
	mu       sync.Mutex
	pending  []pendingPublish
	timer    *time.Timer
	flushing bool
}

func NewBatchPublisher(pub *Publisher, batchSize int, batchTime time.Duration) *BatchPublisher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchTime <= 0 {
		batchTime = DefaultBatchTime
	}
	return &BatchPublisher{
		pub:       pub,
		batchSize: batchSize,
		batchTime: batchTime,
		queues:    make(map[ident.ID]*topicQueue),
	}
}

// QueueDepth reports how many publishes are currently queued for
// topicID, awaiting the next flush. The queue is unbounded; this is the
// caller-visible signal a backpressure policy can build on.
func (b *BatchPublisher) QueueDepth(topicID ident.ID) int {
	b.mu.Lock()
	q, ok := b.queues[topicID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (b *BatchPublisher) queueFor(topicID ident.ID) *topicQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topicID]
	if !ok {
		q = &topicQueue{}
		b.queues[topicID] = q
	}
	return q
}

// Publish signs and stores data immediately (the message-store-first
// rule applies regardless of batching mode), then enqueues the stored
// message for the topic's next coordinator flush, blocking until that
// flush resolves this message's outcome.
func (b *BatchPublisher) Publish(ctx context.Context, topicID ident.ID, data []byte, ttl time.Duration) (PublishResult, error) {
	nowMS := nowMillis()
	seq, err := b.pub.nextSequence(ctx, topicID)
	if err != nil {
		return PublishResult{}, err
	}
	msg := NewMessage(topicID, b.pub.identity, seq, data, nowMS, nowMS+ttl.Milliseconds())
	if err := msg.Sign(b.pub.priv); err != nil {
		return PublishResult{}, err
	}
	if err := b.pub.storage.StoreMessage(ctx, msg); err != nil {
		return PublishResult{}, err
	}

	resultCh := make(chan batchOutcome, 1)
	q := b.queueFor(topicID)

	q.mu.Lock()
	q.pending = append(q.pending, pendingPublish{msg: msg, result: resultCh})
	shouldFlushNow := len(q.pending) >= b.batchSize
	if len(q.pending) == 1 && !shouldFlushNow {
		q.timer = time.AfterFunc(b.batchTime, func() { b.flush(context.Background(), topicID, q) })
	}
	q.mu.Unlock()

	if shouldFlushNow {
		go b.flush(ctx, topicID, q)
	}

	select {
	case out := <-resultCh:
		if out.err != nil {
			return PublishResult{}, out.err
		}
		return PublishResult{Success: true, MessageID: msg.MessageID, Version: out.version, Attempts: 1}, nil
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}
}

// flush drains q's current queue in one coordinator update. The flushing
// flag prevents re-entrant flushes; anything queued while a flush is in
// progress is picked up by a follow-up flush scheduled right after this
// one completes.
func (b *BatchPublisher) flush(ctx context.Context, topicID ident.ID, q *topicQueue) {
	q.mu.Lock()
	if q.flushing || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	batch := q.pending
	q.pending = nil
	q.flushing = true
	q.mu.Unlock()

	version, err := b.flushBatch(ctx, topicID, batch)

	q.mu.Lock()
	q.flushing = false
	more := len(q.pending) > 0
	q.mu.Unlock()

	for _, p := range batch {
		p.result <- batchOutcome{version: version, err: err}
	}

	if more {
		go b.flush(context.Background(), topicID, q)
	}
}

func (b *BatchPublisher) flushBatch(ctx context.Context, topicID ident.ID, batch []pendingPublish) (uint64, error) {
	metas := make([]MessageMeta, len(batch))
	for i, p := range batch {
		metas[i] = messageMetaOf(p.msg)
	}

	backoff := PublishInitialBackoff
	attempts := 0
	for {
		attempts++
		version, done, err := b.attemptBatchOnce(ctx, topicID, metas, batch)
		if err == nil && done {
			return version, nil
		}
		if attempts >= PublishCatastrophicAfter {
			if recoverErr := b.pub.catastrophicRecovery(ctx, topicID); recoverErr != nil {
				return 0, recoverErr
			}
			attempts = 0
			backoff = PublishInitialBackoff
			continue
		}
		if sleepErr := sleepBackoff(ctx, backoff); sleepErr != nil {
			return 0, sleepErr
		}
		backoff *= 2
		if backoff > PublishMaxBackoff {
			backoff = PublishMaxBackoff
		}
	}
}

func (b *BatchPublisher) attemptBatchOnce(ctx context.Context, topicID ident.ID, metas []MessageMeta, batch []pendingPublish) (uint64, bool, error) {
	c, ok, err := b.pub.storage.LoadCoordinatorResilient(ctx, topicID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		c = NewCoordinatorObject(topicID, nowMillis())
	}

	for i := range metas {
		metas[i].AddedInVersion = c.Version + 1
	}

	coll := NewMessageCollection(nowMillis())
	if c.CurrentMessages != nil {
		loaded, ok, err := b.pub.storage.LoadMessageCollection(ctx, *c.CurrentMessages)
		if err != nil {
			return 0, false, err
		}
		if ok {
			coll = loaded
		}
	}
	newColl := coll.AddMessages(metas)
	if err := b.pub.storage.StoreMessageCollection(ctx, newColl); err != nil {
		return 0, false, err
	}

	base := c
	if base.NeedsPruning(estimatedSize(base)) {
		pruned, snap := base.Prune(nowMillis())
		if err := b.pub.storage.StoreSnapshot(ctx, snap); err != nil {
			return 0, false, err
		}
		base = pruned
	}

	updated := base.UpdateMessages(newColl.CollectionID(), nowMillis())
	outcome, err := b.pub.storage.StoreCoordinatorWithVersionCheck(ctx, updated, c.Version)
	if err != nil {
		return 0, false, err
	}
	if outcome.Success {
		b.pub.deliverPushBatch(topicID, messagesOf(batch), updated)
		return updated.Version, true, nil
	}

	return b.mergeBatchAndRetryOnce(ctx, topicID, updated, newColl, metas, batch, outcome)
}

// mergeBatchAndRetryOnce is the batch form of
// Publisher.mergeAndRetryOnce: on conflict it unions their-collection
// messages into ours before re-CAS. The batch's entries are revised
// upward to the version the merged coordinator will commit past, so a
// subscriber already at the remote version still sees them as new;
// addedInVersion is never decreased.
func (b *BatchPublisher) mergeBatchAndRetryOnce(ctx context.Context, topicID ident.ID, ours CoordinatorObject, ourColl MessageCollection, metas []MessageMeta, batch []pendingPublish, outcome CASOutcome) (uint64, bool, error) {
	var remote CoordinatorObject
	if outcome.CurrentCoordinator != nil {
		remote = *outcome.CurrentCoordinator
	} else {
		loaded, ok, err := b.pub.storage.LoadCoordinatorResilient(ctx, topicID)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, ErrTopicNotFound
		}
		remote = loaded
	}

	ourColl = reviseAddedInVersion(ourColl, metas, remote.Version+1)

	merged := ourColl
	if remote.CurrentMessages != nil && *remote.CurrentMessages != ourColl.CollectionID() {
		theirColl, ok, err := b.pub.storage.LoadMessageCollection(ctx, *remote.CurrentMessages)
		if err != nil {
			return 0, false, err
		}
		if ok {
			merged = ourColl.Merge(theirColl)
		}
	}
	if err := b.pub.storage.StoreMessageCollection(ctx, merged); err != nil {
		return 0, false, err
	}

	cMerged := ours.UpdateMessages(merged.CollectionID(), nowMillis()).Merge(remote, nowMillis())
	if mergedID := merged.CollectionID(); cMerged.CurrentMessages == nil || *cMerged.CurrentMessages != mergedID {
		cMerged.MessageHistory = removeID(unionIDs(cMerged.MessageHistory, nil, cMerged.CurrentMessages), &mergedID)
		cMerged.CurrentMessages = idPtr(mergedID)
	}
	retryOutcome, err := b.pub.storage.StoreCoordinatorWithVersionCheck(ctx, cMerged, remote.Version)
	if err != nil {
		return 0, false, err
	}
	if retryOutcome.Success {
		b.pub.deliverPushBatch(topicID, messagesOf(batch), cMerged)
		return cMerged.Version, true, nil
	}

	latest := remote
	if retryOutcome.CurrentCoordinator != nil {
		latest = *retryOutcome.CurrentCoordinator
	}
	if latest.CurrentMessages != nil {
		latestColl, ok, err := b.pub.storage.LoadMessageCollection(ctx, *latest.CurrentMessages)
		if err == nil && ok {
			allPresent := true
			for _, p := range batch {
				if !latestColl.HasMessage(p.msg.MessageID) {
					allPresent = false
					break
				}
			}
			if allPresent {
				b.pub.deliverPushBatch(topicID, messagesOf(batch), latest)
				return latest.Version, true, nil
			}
		}
	}
	return 0, false, ErrCASConflict
}

// reviseAddedInVersion returns a collection in which every entry named
// by metas carries at least version as its AddedInVersion. Entries
// outside the batch, and entries already at a higher version, are left
// untouched.
func reviseAddedInVersion(coll MessageCollection, metas []MessageMeta, version uint64) MessageCollection {
	inBatch := make(map[ident.ID]bool, len(metas))
	for _, m := range metas {
		inBatch[m.MessageID] = true
	}
	out := coll.clone()
	for i := range out {
		if inBatch[out[i].MessageID] && out[i].AddedInVersion < version {
			out[i].AddedInVersion = version
		}
	}
	return MessageCollection{Messages: out, CreatedAt: coll.CreatedAt}
}

// messagesOf extracts the stored Message for every queued publish in a
// batch, in enqueue order, for the push-delivery hook.
func messagesOf(batch []pendingPublish) []Message {
	out := make([]Message, len(batch))
	for i, p := range batch {
		out[i] = p.msg
	}
	return out
}
