package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PublishResult is the return value of Publisher.Publish.
type PublishResult struct {
	Success   bool
	MessageID ident.ID
	Version   uint64
	Attempts  int
}

// Publisher drives the publish flow for one local identity: sign, store
// the message, then commit a coordinator update under CAS with
// merge-on-conflict and catastrophic recovery. The per-(publisher,topic)
// sequence counter is guarded by mu; everything else is carried through
// the DHT.
type Publisher struct {
	storage  *StorageAdapter
	log      *zap.SugaredLogger
	priv     *ident.PrivateKey
	identity ident.ID
	k        uint32

	mu        sync.Mutex
	sequences map[ident.ID]uint64 // topicID -> next sequence to assign
}

func NewPublisher(storage *StorageAdapter, priv *ident.PrivateKey, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{
		storage:   storage,
		log:       log,
		priv:      priv,
		identity:  ident.IdentityID(ident.PublicOf(priv)),
		k:         DefaultK,
		sequences: make(map[ident.ID]uint64),
	}
}

// SetK overrides the findNode fan-out used by push delivery (default
// DefaultK); zero is ignored. NewClient calls this with its own
// configured k so push delivery and coordinator-slot assignment agree.
func (p *Publisher) SetK(k uint32) {
	if k > 0 {
		p.k = k
	}
}

// nextSequence assigns the next per-(publisher,topic) sequence. It
// bootstraps from the maximum sequence this publisher has in the topic's
// current MessageCollection: without persisted local state, a restarted
// process must not repeat a sequence it already used, so the first call
// for a topic always consults the DHT before minting sequence 1.
func (p *Publisher) nextSequence(ctx context.Context, topicID ident.ID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq, ok := p.sequences[topicID]; ok {
		seq++
		p.sequences[topicID] = seq
		return seq, nil
	}

	seq, err := p.bootstrapSequence(ctx, topicID)
	if err != nil {
		return 0, err
	}
	p.sequences[topicID] = seq
	return seq, nil
}

func (p *Publisher) bootstrapSequence(ctx context.Context, topicID ident.ID) (uint64, error) {
	c, ok, err := p.storage.LoadCoordinator(ctx, topicID)
	if err != nil || !ok || c.CurrentMessages == nil {
		return 1, nil
	}
	coll, ok, err := p.storage.LoadMessageCollection(ctx, *c.CurrentMessages)
	if err != nil || !ok {
		return 1, nil
	}
	var max uint64
	for _, m := range coll.GetByPublisher(p.identity) {
		if m.PublisherSequence > max {
			max = m.PublisherSequence
		}
	}
	return max + 1, nil
}

// Publish signs and stores a single message, then commits it to the
// topic's coordinator, retrying until it lands or recovery fails. A
// failure to sign or store the message itself is returned at once; after
// that, only catastrophic failure or cancellation of ctx propagates.
func (p *Publisher) Publish(ctx context.Context, topicID ident.ID, data []byte, ttl time.Duration) (PublishResult, error) {
	nowMS := nowMillis()
	seq, err := p.nextSequence(ctx, topicID)
	if err != nil {
		return PublishResult{}, err
	}

	msg := NewMessage(topicID, p.identity, seq, data, nowMS, nowMS+ttl.Milliseconds())
	if err := msg.Sign(p.priv); err != nil {
		return PublishResult{}, fmt.Errorf("pubsub: sign message: %w", err)
	}

	if err := p.storage.StoreMessage(ctx, msg); err != nil {
		return PublishResult{}, err
	}

	return p.publishStored(ctx, topicID, msg)
}

// publishStored runs the coordinator-commit retry loop for a message
// that is already durably stored. It never returns a transport or
// conflict error directly; only catastrophic failure or cancellation of
// ctx propagates. traceID is attached to the log line of every failed
// attempt belonging to this single Publish call.
func (p *Publisher) publishStored(ctx context.Context, topicID ident.ID, msg Message) (PublishResult, error) {
	traceID := uuid.NewString()
	backoff := PublishInitialBackoff
	attempts := 0

	for {
		attempts++
		version, done, err := p.attemptOnce(ctx, topicID, msg)
		if err == nil && done {
			return PublishResult{Success: true, MessageID: msg.MessageID, Version: version, Attempts: attempts}, nil
		}
		if err != nil {
			p.log.Warnw("publish attempt failed", "trace", traceID, "topic", topicID, "message", msg.MessageID, "attempt", attempts, "err", err)
		}

		if attempts >= PublishCatastrophicAfter {
			if recoverErr := p.catastrophicRecovery(ctx, topicID); recoverErr != nil {
				return PublishResult{MessageID: msg.MessageID, Attempts: attempts}, fmt.Errorf("%w: %w", ErrCatastrophicFailure, recoverErr)
			}
			attempts = 0
			backoff = PublishInitialBackoff
			continue
		}

		if err := sleepBackoff(ctx, backoff); err != nil {
			return PublishResult{}, err
		}
		backoff *= 2
		if backoff > PublishMaxBackoff {
			backoff = PublishMaxBackoff
		}
	}
}

// attemptOnce performs exactly one commit pass: load, update, CAS, and
// on conflict a single merge-and-retry-CAS. It reports (version, true,
// nil) on success or idempotent completion, and (0, false, err) when the
// caller should back off and loop again.
func (p *Publisher) attemptOnce(ctx context.Context, topicID ident.ID, msg Message) (uint64, bool, error) {
	c, ok, err := p.storage.LoadCoordinatorResilient(ctx, topicID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		c = NewCoordinatorObject(topicID, nowMillis())
	}

	candidate := msg
	candidate.AddedInVersion = c.Version + 1

	coll := NewMessageCollection(nowMillis())
	if c.CurrentMessages != nil {
		loaded, ok, err := p.storage.LoadMessageCollection(ctx, *c.CurrentMessages)
		if err != nil {
			return 0, false, err
		}
		if ok {
			coll = loaded
		}
	}
	newColl := coll.AddMessage(messageMetaOf(candidate))
	if err := p.storage.StoreMessageCollection(ctx, newColl); err != nil {
		return 0, false, err
	}

	base := c
	if base.NeedsPruning(estimatedSize(base)) {
		pruned, snap := base.Prune(nowMillis())
		if err := p.storage.StoreSnapshot(ctx, snap); err != nil {
			return 0, false, err
		}
		base = pruned
	}

	updated := base.UpdateMessages(newColl.CollectionID(), nowMillis())
	outcome, err := p.storage.StoreCoordinatorWithVersionCheck(ctx, updated, c.Version)
	if err != nil {
		return 0, false, err
	}
	if outcome.Success {
		p.deliverPush(topicID, candidate, updated)
		return updated.Version, true, nil
	}

	return p.mergeAndRetryOnce(ctx, topicID, updated, newColl, candidate, outcome)
}

// mergeAndRetryOnce merges the losing proposal with the coordinator
// observed at conflict time and attempts one more CAS against that
// observed version.
func (p *Publisher) mergeAndRetryOnce(ctx context.Context, topicID ident.ID, ours CoordinatorObject, ourColl MessageCollection, msg Message, outcome CASOutcome) (uint64, bool, error) {
	var remote CoordinatorObject
	if outcome.CurrentCoordinator != nil {
		remote = *outcome.CurrentCoordinator
	} else {
		loaded, ok, err := p.storage.LoadCoordinatorResilient(ctx, topicID)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, ErrTopicNotFound
		}
		remote = loaded
	}

	merged := ourColl
	if remote.CurrentMessages != nil && *remote.CurrentMessages != ourColl.CollectionID() {
		theirColl, ok, err := p.storage.LoadMessageCollection(ctx, *remote.CurrentMessages)
		if err != nil {
			return 0, false, err
		}
		if ok {
			merged = ourColl.Merge(theirColl)
		}
	}
	if err := p.storage.StoreMessageCollection(ctx, merged); err != nil {
		return 0, false, err
	}

	cMerged := ours.UpdateMessages(merged.CollectionID(), nowMillis()).Merge(remote, nowMillis())
	// merged already holds remote's current entries plus ours, so the
	// merged coordinator points at it even when Merge preferred remote's
	// pointer; otherwise our message would be left only in history.
	if mergedID := merged.CollectionID(); cMerged.CurrentMessages == nil || *cMerged.CurrentMessages != mergedID {
		cMerged.MessageHistory = removeID(unionIDs(cMerged.MessageHistory, nil, cMerged.CurrentMessages), &mergedID)
		cMerged.CurrentMessages = idPtr(mergedID)
	}
	retryOutcome, err := p.storage.StoreCoordinatorWithVersionCheck(ctx, cMerged, remote.Version)
	if err != nil {
		return 0, false, err
	}
	if retryOutcome.Success {
		p.deliverPush(topicID, msg, cMerged)
		return cMerged.Version, true, nil
	}

	// Still conflicting: if our message already made it into the latest
	// collection via someone else's merge, the publish is complete;
	// otherwise fall back to a full retry of the outer loop.
	latest := remote
	if retryOutcome.CurrentCoordinator != nil {
		latest = *retryOutcome.CurrentCoordinator
	}
	if latest.CurrentMessages != nil {
		latestColl, ok, err := p.storage.LoadMessageCollection(ctx, *latest.CurrentMessages)
		if err == nil && ok && latestColl.HasMessage(msg.MessageID) {
			p.deliverPush(topicID, msg, latest)
			return latest.Version, true, nil
		}
	}
	return 0, false, ErrCASConflict
}

// catastrophicRecovery marks the coordinator RECOVERING, revalidates the
// reloaded value structurally, checks its referenced collections are
// loadable, and restores ACTIVE. The revalidation is single-node; it
// does not poll multiple k-closest replicas for a majority view.
func (p *Publisher) catastrophicRecovery(ctx context.Context, topicID ident.ID) error {
	c, ok, err := p.storage.LoadCoordinatorResilient(ctx, topicID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	recovering := c.UpdateState(StateRecovering, nowMillis())
	if err := p.storage.StoreCoordinator(ctx, recovering); err != nil {
		return err
	}

	if err := recovering.Validate(); err != nil {
		p.markFailed(ctx, recovering)
		return err
	}
	if c.CurrentMessages != nil {
		if _, ok, err := p.storage.LoadMessageCollection(ctx, *c.CurrentMessages); err != nil || !ok {
			p.markFailed(ctx, recovering)
			if err != nil {
				return err
			}
			return ErrNotFound
		}
	}
	if c.CurrentSubscribers != nil {
		if _, ok, err := p.storage.LoadSubscriberCollection(ctx, *c.CurrentSubscribers); err != nil || !ok {
			p.markFailed(ctx, recovering)
			if err != nil {
				return err
			}
			return ErrNotFound
		}
	}

	active := recovering.UpdateState(StateActive, nowMillis())
	return p.storage.StoreCoordinator(ctx, active)
}

func (p *Publisher) markFailed(ctx context.Context, c CoordinatorObject) {
	failed := c.UpdateState(StateFailed, nowMillis())
	if err := p.storage.StoreCoordinator(ctx, failed); err != nil {
		p.log.Errorw("failed to persist FAILED coordinator state", "topic", c.TopicID, "err", err)
	}
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func messageMetaOf(m Message) MessageMeta {
	return MessageMeta{
		MessageID:         m.MessageID,
		PublisherID:       m.PublisherID,
		PublisherSequence: m.PublisherSequence,
		AddedInVersion:    m.AddedInVersion,
		ExpiresAt:         m.ExpiresAt,
	}
}

// estimatedSize is a cheap proxy for the serialized-size pruning
// trigger: 32 bytes per history entry plus a fixed overhead, avoiding a
// full CBOR marshal on every publish attempt just to check a threshold.
func estimatedSize(c CoordinatorObject) int {
	const perEntry = 32
	const overhead = 128
	return overhead + perEntry*(len(c.SubscriberHistory)+len(c.MessageHistory))
}
