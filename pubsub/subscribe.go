package pubsub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
	"go.uber.org/zap"
)

// Subscription is the locally-tracked state for one active subscribe:
// the cursor a caller's poll advances.
type Subscription struct {
	TopicID         ident.ID
	SubscriberID    ident.ID
	CoordinatorSlot uint32
	SubscribedAt    int64
	ExpiresAt       int64
	LastSeenVersion uint64
}

// SubscribeResult is the return value of Subscriber.Subscribe.
type SubscribeResult struct {
	Success            bool
	CoordinatorSlot    uint32
	HistoricalMessages []Message
}

// PollResult is the return value of Subscriber.Poll.
type PollResult struct {
	NewMessages    []Message
	CurrentVersion uint64
}

// Subscriber drives the subscribe/backfill/poll/renew/unsubscribe
// lifecycle for one local identity. Subscribe establishes a cursor into
// the topic's version stream; Poll advances it by delta or, after a
// version gap, by a full replay.
type Subscriber struct {
	storage  *StorageAdapter
	log      *zap.SugaredLogger
	priv     *ident.PrivateKey
	identity ident.ID
	k        uint32

	mu   sync.Mutex
	subs map[ident.ID]*Subscription
}

func NewSubscriber(storage *StorageAdapter, priv *ident.PrivateKey, k uint32, log *zap.SugaredLogger) *Subscriber {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if k == 0 {
		k = DefaultK
	}
	return &Subscriber{
		storage:  storage,
		log:      log,
		priv:     priv,
		identity: ident.IdentityID(ident.PublicOf(priv)),
		k:        k,
		subs:     make(map[ident.ID]*Subscription),
	}
}

// Subscribe signs a subscription record, registers it in the topic's
// SubscriberCollection, commits the coordinator update, and backfills
// the topic's non-expired history through handler.
func (s *Subscriber) Subscribe(ctx context.Context, topicID ident.ID, ttl time.Duration, handler func(Message)) (SubscribeResult, error) {
	nowMS := nowMillis()
	slot := CoordinatorSlot(topicID, s.identity, s.k)
	expiresAt := nowMS + ttl.Milliseconds()

	payload := subscriptionSignable(s.identity, slot, nowMS, expiresAt)
	sig, err := ident.Sign(s.priv, payload)
	if err != nil {
		return SubscribeResult{}, fmt.Errorf("pubsub: sign subscription: %w", err)
	}
	record := SubscriberMeta{
		SubscriberID:    s.identity,
		CoordinatorSlot: slot,
		SubscribedAt:    nowMS,
		ExpiresAt:       expiresAt,
		Signature:       sig,
	}

	c, ok, err := s.storage.LoadCoordinatorResilient(ctx, topicID)
	if err != nil {
		return SubscribeResult{}, err
	}
	if !ok {
		c = NewCoordinatorObject(topicID, nowMS)
	}

	subColl := NewSubscriberCollection(nowMS)
	if c.CurrentSubscribers != nil {
		loaded, ok, err := s.storage.LoadSubscriberCollection(ctx, *c.CurrentSubscribers)
		if err != nil {
			return SubscribeResult{}, err
		}
		if ok {
			subColl = loaded
		}
	}
	newSubColl := subColl.AddSubscriber(record)
	if err := s.storage.StoreSubscriberCollection(ctx, newSubColl); err != nil {
		return SubscribeResult{}, err
	}

	updated := c.UpdateSubscribers(newSubColl.CollectionID(), nowMillis())
	finalVersion, err := s.casOrMergeOnce(ctx, topicID, c, updated)
	if err != nil {
		return SubscribeResult{}, err
	}

	historical, err := s.backfill(ctx, finalVersion.current)
	if err != nil {
		return SubscribeResult{}, err
	}
	for _, m := range historical {
		handler(m)
	}

	s.mu.Lock()
	s.subs[topicID] = &Subscription{
		TopicID:         topicID,
		SubscriberID:    s.identity,
		CoordinatorSlot: slot,
		SubscribedAt:    nowMS,
		ExpiresAt:       expiresAt,
		LastSeenVersion: finalVersion.current.Version,
	}
	s.mu.Unlock()

	return SubscribeResult{Success: true, CoordinatorSlot: slot, HistoricalMessages: historical}, nil
}

// casState is the outcome of a CAS-or-merge-once attempt: the
// coordinator value now in effect, whichever path reached it.
type casState struct {
	current CoordinatorObject
}

// casOrMergeOnce is "CAS; on conflict, merge once and store": the
// tolerant, non-looping conflict policy used by Subscribe, Renew and
// Unsubscribe. Subscription state is less critical than message
// integrity, so these paths do not loop indefinitely.
func (s *Subscriber) casOrMergeOnce(ctx context.Context, topicID ident.ID, base, updated CoordinatorObject) (casState, error) {
	outcome, err := s.storage.StoreCoordinatorWithVersionCheck(ctx, updated, base.Version)
	if err != nil {
		return casState{}, err
	}
	if outcome.Success {
		return casState{current: updated}, nil
	}

	var remote CoordinatorObject
	if outcome.CurrentCoordinator != nil {
		remote = *outcome.CurrentCoordinator
	} else {
		loaded, ok, err := s.storage.LoadCoordinatorResilient(ctx, topicID)
		if err != nil {
			return casState{}, err
		}
		if !ok {
			return casState{}, ErrTopicNotFound
		}
		remote = loaded
	}

	merged := updated.Merge(remote, nowMillis())
	mergeOutcome, err := s.storage.StoreCoordinatorWithVersionCheck(ctx, merged, remote.Version)
	if err != nil {
		return casState{}, err
	}
	if !mergeOutcome.Success {
		return casState{}, ErrCASConflict
	}
	return casState{current: merged}, nil
}

// backfill loads the topic's current MessageCollection (if any),
// filters non-expired entries, loads the actual Messages in parallel,
// and returns them sorted ascending by publishedAt.
func (s *Subscriber) backfill(ctx context.Context, c CoordinatorObject) ([]Message, error) {
	if c.CurrentMessages == nil {
		return nil, nil
	}
	coll, ok, err := s.storage.LoadMessageCollection(ctx, *c.CurrentMessages)
	if err != nil || !ok {
		return nil, err
	}
	nowMS := nowMillis()
	live := coll.RemoveExpired(nowMS)

	return s.loadAndSort(ctx, live.Messages)
}

// loadAndSort loads every message referenced by metas in parallel and
// returns them sorted ascending by publishedAt. Not-found entries are
// skipped.
func (s *Subscriber) loadAndSort(ctx context.Context, metas []MessageMeta) ([]Message, error) {
	out := make([]Message, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	for i, meta := range metas {
		i, meta := i, meta
		g.Go(func() error {
			m, ok, err := s.storage.LoadMessage(gctx, meta.MessageID)
			if err != nil {
				return err
			}
			if ok {
				out[i] = m
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	filtered := out[:0]
	for _, m := range out {
		if !m.MessageID.IsZero() {
			filtered = append(filtered, m)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].PublishedAt < filtered[j].PublishedAt })
	return filtered, nil
}

// Poll checks the topic's coordinator version against the subscription
// cursor and delivers accordingly: no-update, normal delta, or gap
// recovery when the version advanced by more than one.
func (s *Subscriber) Poll(ctx context.Context, topicID ident.ID) (PollResult, error) {
	s.mu.Lock()
	sub, ok := s.subs[topicID]
	s.mu.Unlock()
	if !ok {
		return PollResult{}, ErrNotSubscribed
	}

	c, ok, err := s.storage.LoadCoordinator(ctx, topicID)
	if err != nil {
		return PollResult{}, err
	}
	if !ok {
		return PollResult{}, ErrTopicNotFound
	}

	if c.Version == sub.LastSeenVersion {
		return PollResult{CurrentVersion: c.Version}, nil
	}

	var delivered []Message
	if c.Version == sub.LastSeenVersion+1 {
		delivered, err = s.deltaSince(ctx, c, sub.LastSeenVersion)
	} else {
		delivered, err = s.requestFullUpdate(ctx, c, sub.LastSeenVersion)
	}
	if err != nil {
		return PollResult{}, err
	}

	s.mu.Lock()
	sub.LastSeenVersion = c.Version
	s.mu.Unlock()

	return PollResult{NewMessages: delivered, CurrentVersion: c.Version}, nil
}

func (s *Subscriber) deltaSince(ctx context.Context, c CoordinatorObject, lastSeenVersion uint64) ([]Message, error) {
	if c.CurrentMessages == nil {
		return nil, nil
	}
	coll, ok, err := s.storage.LoadMessageCollection(ctx, *c.CurrentMessages)
	if err != nil || !ok {
		return nil, err
	}
	nowMS := nowMillis()
	var live []MessageMeta
	for _, m := range coll.GetMessagesSince(lastSeenVersion) {
		if m.ExpiresAt > nowMS {
			live = append(live, m)
		}
	}
	return s.loadAndSort(ctx, live)
}

// requestFullUpdate is the version-gap reload: it replays every message
// with addedInVersion > lastSeenVersion from the current collection,
// rather than attempting to reconstruct the skipped intermediate
// collections. The client's dedup cache absorbs any overlap with
// messages already delivered via push.
func (s *Subscriber) requestFullUpdate(ctx context.Context, c CoordinatorObject, lastSeenVersion uint64) ([]Message, error) {
	return s.deltaSince(ctx, c, lastSeenVersion)
}

// Renew extends a subscription: a fresh signed record with extended
// expiry, stored and pointed to by the coordinator.
func (s *Subscriber) Renew(ctx context.Context, topicID ident.ID, additionalTTL time.Duration) (int64, error) {
	s.mu.Lock()
	sub, ok := s.subs[topicID]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotSubscribed
	}

	newExpiresAt := sub.ExpiresAt + additionalTTL.Milliseconds()
	payload := subscriptionSignable(s.identity, sub.CoordinatorSlot, sub.SubscribedAt, newExpiresAt)
	sig, err := ident.Sign(s.priv, payload)
	if err != nil {
		return 0, err
	}

	c, ok, err := s.storage.LoadCoordinatorResilient(ctx, topicID)
	if err != nil {
		return 0, err
	}
	if !ok || c.CurrentSubscribers == nil {
		return 0, ErrTopicNotFound
	}
	subColl, ok, err := s.storage.LoadSubscriberCollection(ctx, *c.CurrentSubscribers)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrTopicNotFound
	}

	renewed := subColl.Renew(s.identity, newExpiresAt, sig)
	if err := s.storage.StoreSubscriberCollection(ctx, renewed); err != nil {
		return 0, err
	}

	updated := c.UpdateSubscribers(renewed.CollectionID(), nowMillis())
	if _, err := s.casOrMergeOnce(ctx, topicID, c, updated); err != nil {
		return 0, err
	}

	s.mu.Lock()
	sub.ExpiresAt = newExpiresAt
	s.mu.Unlock()

	return newExpiresAt, nil
}

// Unsubscribe removes this identity from the topic's subscriber
// collection; idempotent when the coordinator or collection is already
// absent.
func (s *Subscriber) Unsubscribe(ctx context.Context, topicID ident.ID) error {
	c, ok, err := s.storage.LoadCoordinatorResilient(ctx, topicID)
	if err != nil {
		return err
	}
	if ok && c.CurrentSubscribers != nil {
		subColl, collOk, err := s.storage.LoadSubscriberCollection(ctx, *c.CurrentSubscribers)
		if err != nil {
			return err
		}
		if collOk {
			newColl := subColl.RemoveSubscriber(s.identity)
			if err := s.storage.StoreSubscriberCollection(ctx, newColl); err != nil {
				return err
			}
			updated := c.UpdateSubscribers(newColl.CollectionID(), nowMillis())
			if _, err := s.casOrMergeOnce(ctx, topicID, c, updated); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	delete(s.subs, topicID)
	s.mu.Unlock()
	return nil
}
