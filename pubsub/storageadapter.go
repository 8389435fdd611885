package pubsub

import (
	"context"
	"fmt"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
	"go.uber.org/zap"
)

// StorageAdapter maps the typed data model onto DHT key/value operations
// via a dht.Transport. Coordinators are validated before they are
// stored; messages, collections and snapshots are stored as given,
// without validation. Loads return (zero-value, false, nil) on not-found
// rather than an error.
type StorageAdapter struct {
	transport dht.Transport
	log       *zap.SugaredLogger
}

func NewStorageAdapter(transport dht.Transport, log *zap.SugaredLogger) *StorageAdapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StorageAdapter{transport: transport, log: log}
}

func (a *StorageAdapter) SupportsCAS() bool { return a.transport.SupportsCAS() }

// --- Coordinator ---

// LoadCoordinator ALWAYS performs a fresh network fetch; coordinators
// are mutable, so they must never be served from a local cache.
func (a *StorageAdapter) LoadCoordinator(ctx context.Context, topicID ident.ID) (CoordinatorObject, bool, error) {
	key := dht.CoordinatorKey(CoordinatorIDFor(topicID))
	data, err := a.transport.GetFromNetwork(ctx, key)
	if err != nil {
		return CoordinatorObject{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if data == nil {
		return CoordinatorObject{}, false, nil
	}
	c, err := UnmarshalCoordinatorObject(data)
	if err != nil {
		return CoordinatorObject{}, false, err
	}
	return c, true, nil
}

// LoadCoordinatorResilient performs a network fetch; on transport
// failure it triggers routing-table cleanup on the DHT and then reads
// once from the local replica as a stale-but-usable fallback.
func (a *StorageAdapter) LoadCoordinatorResilient(ctx context.Context, topicID ident.ID) (CoordinatorObject, bool, error) {
	c, ok, err := a.LoadCoordinator(ctx, topicID)
	if err == nil {
		return c, ok, nil
	}
	a.log.Warnw("loadCoordinatorResilient: network fetch failed, falling back to local replica", "topic", topicID, "err", err)
	a.transport.TriggerRoutingCleanup(ctx)

	key := dht.CoordinatorKey(CoordinatorIDFor(topicID))
	data, getErr := a.transport.Get(ctx, key)
	if getErr != nil {
		return CoordinatorObject{}, false, fmt.Errorf("%w: %w", ErrTransport, getErr)
	}
	if data == nil {
		return CoordinatorObject{}, false, nil
	}
	c, unmarshalErr := UnmarshalCoordinatorObject(data)
	if unmarshalErr != nil {
		return CoordinatorObject{}, false, unmarshalErr
	}
	return c, true, nil
}

func (a *StorageAdapter) StoreCoordinator(ctx context.Context, c CoordinatorObject) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	key := dht.CoordinatorKey(c.CoordinatorID)
	if err := a.transport.Store(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// CASOutcome is the typed result of StoreCoordinatorWithVersionCheck.
type CASOutcome struct {
	Success            bool
	Conflict           bool
	CurrentVersion     uint64
	CurrentCoordinator *CoordinatorObject
}

// StoreCoordinatorWithVersionCheck stores newCoord only if the stored
// coordinator's version still equals expectedVersion: atomic when the
// transport has a native CAS primitive, emulated (best-effort)
// read-then-write otherwise.
func (a *StorageAdapter) StoreCoordinatorWithVersionCheck(ctx context.Context, newCoord CoordinatorObject, expectedVersion uint64) (CASOutcome, error) {
	if err := newCoord.Validate(); err != nil {
		return CASOutcome{}, err
	}
	data, err := newCoord.Marshal()
	if err != nil {
		return CASOutcome{}, err
	}

	key := dht.CoordinatorKey(newCoord.CoordinatorID)
	res, err := a.transport.CompareAndSwapCoordinator(ctx, key, data, expectedVersion)
	if err != nil {
		return CASOutcome{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	out := CASOutcome{Success: res.Success, Conflict: res.Conflict, CurrentVersion: res.CurrentVersion}
	if res.Conflict && res.CurrentValue != nil {
		cur, unmarshalErr := UnmarshalCoordinatorObject(res.CurrentValue)
		if unmarshalErr == nil {
			out.CurrentCoordinator = &cur
		}
	}
	return out, nil
}

// --- Messages ---

func (a *StorageAdapter) StoreMessage(ctx context.Context, m Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	key := dht.MessageKey(m.MessageID)
	if err := a.transport.Store(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (a *StorageAdapter) LoadMessage(ctx context.Context, messageID ident.ID) (Message, bool, error) {
	data, err := a.transport.Get(ctx, dht.MessageKey(messageID))
	if err != nil {
		return Message{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if data == nil {
		return Message{}, false, nil
	}
	m, err := UnmarshalMessage(data)
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// LoadMessages loads every id in ids, skipping (without error) any that
// are not found. Parallelism is the caller's responsibility (Subscriber
// backfill uses errgroup, see subscribe.go).
func (a *StorageAdapter) LoadMessages(ctx context.Context, ids []ident.ID) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m, ok, err := a.LoadMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- MessageCollection ---

func (a *StorageAdapter) StoreMessageCollection(ctx context.Context, c MessageCollection) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	key := dht.MessageCollectionKey(c.CollectionID())
	if err := a.transport.Store(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// LoadMessageCollection always performs a network fetch: collections are
// content-addressed but the adapter has no reason to believe a stale
// local replica is safe for the version-chain logic that consumes them.
func (a *StorageAdapter) LoadMessageCollection(ctx context.Context, collectionID ident.ID) (MessageCollection, bool, error) {
	data, err := a.transport.GetFromNetwork(ctx, dht.MessageCollectionKey(collectionID))
	if err != nil {
		return MessageCollection{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if data == nil {
		return MessageCollection{}, false, nil
	}
	c, err := UnmarshalMessageCollection(data)
	if err != nil {
		return MessageCollection{}, false, err
	}
	return c, true, nil
}

// --- SubscriberCollection ---

func (a *StorageAdapter) StoreSubscriberCollection(ctx context.Context, c SubscriberCollection) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	key := dht.SubscriberCollectionKey(c.CollectionID())
	if err := a.transport.Store(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (a *StorageAdapter) LoadSubscriberCollection(ctx context.Context, collectionID ident.ID) (SubscriberCollection, bool, error) {
	data, err := a.transport.GetFromNetwork(ctx, dht.SubscriberCollectionKey(collectionID))
	if err != nil {
		return SubscriberCollection{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if data == nil {
		return SubscriberCollection{}, false, nil
	}
	c, err := UnmarshalSubscriberCollection(data)
	if err != nil {
		return SubscriberCollection{}, false, err
	}
	return c, true, nil
}

// --- Snapshot ---

func (a *StorageAdapter) StoreSnapshot(ctx context.Context, s CoordinatorSnapshot) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := a.transport.Store(ctx, dht.SnapshotKey(s.SnapshotID), data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (a *StorageAdapter) LoadSnapshot(ctx context.Context, snapshotID ident.ID) (CoordinatorSnapshot, bool, error) {
	data, err := a.transport.Get(ctx, dht.SnapshotKey(snapshotID))
	if err != nil {
		return CoordinatorSnapshot{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if data == nil {
		return CoordinatorSnapshot{}, false, nil
	}
	s, err := UnmarshalCoordinatorSnapshot(data)
	if err != nil {
		return CoordinatorSnapshot{}, false, err
	}
	return s, true, nil
}

// LoadSnapshotChain walks previousCoordinator links starting at startID,
// up to maxDepth hops, with a cycle guard.
func (a *StorageAdapter) LoadSnapshotChain(ctx context.Context, startID ident.ID, maxDepth int) ([]CoordinatorSnapshot, error) {
	var chain []CoordinatorSnapshot
	seen := make(map[ident.ID]bool)
	cur := startID
	for i := 0; i < maxDepth; i++ {
		if seen[cur] {
			return chain, ErrCycleDetected
		}
		seen[cur] = true

		snap, ok, err := a.LoadSnapshot(ctx, cur)
		if err != nil {
			return chain, err
		}
		if !ok {
			return chain, nil
		}
		chain = append(chain, snap)
		if snap.PreviousCoordinator == nil {
			return chain, nil
		}
		cur = *snap.PreviousCoordinator
	}
	return chain, ErrSnapshotDepth
}
