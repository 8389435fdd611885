// Package dht defines the external DHT transport contract pubsub depends
// on, and the DHT key schema. The Kademlia DHT itself (routing,
// replication, peer connectivity, bootstrap, NAT traversal) lives behind
// this boundary; the package only fixes the surface pubsub talks across.
package dht

import (
	"context"
	"fmt"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// CASResult is the outcome of a compare-and-swap attempt on a
// coordinator key.
type CASResult struct {
	Success        bool
	Conflict       bool
	CurrentVersion uint64
	CurrentValue   []byte // present when Conflict is true and the transport can supply it cheaply
}

// Transport is the contract the underlying DHT layer must satisfy. Every
// method that can fail due to a network partition returns an error;
// "not found" is represented by (nil, nil) rather than an error.
type Transport interface {
	// Store writes value at key unconditionally, replicated at the
	// transport's own replication factor.
	Store(ctx context.Context, key string, value []byte) error

	// Get returns a local-replica read of key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetFromNetwork forces a network fetch, bypassing any local
	// replica cache. Used for coordinators and collections, which are
	// mutable and therefore must never be served from a stale local
	// cache.
	GetFromNetwork(ctx context.Context, key string) ([]byte, error)

	// CompareAndSwapCoordinator stores newValue at key only if the
	// currently stored coordinator's version equals expectedVersion.
	// Implementations SHOULD use a native atomic primitive; SupportsCAS
	// reports whether this one does.
	CompareAndSwapCoordinator(ctx context.Context, key string, newValue []byte, expectedVersion uint64) (CASResult, error)

	// SupportsCAS reports whether CompareAndSwapCoordinator is backed
	// by a true atomic primitive (true) or emulated via read-then-write
	// (false). Emulated CAS can lose updates under true concurrency and
	// must be treated by callers as best-effort.
	SupportsCAS() bool

	// FindNode returns the k closest known node IDs to target.
	FindNode(ctx context.Context, target ident.ID, k int) ([]ident.ID, error)

	// SendMessage attempts best-effort direct delivery of envelope to
	// targetNode; failure is not propagated as a publish/subscribe
	// error (push delivery is always supplementary to polling).
	SendMessage(ctx context.Context, targetNode ident.ID, envelope []byte) error

	// TriggerRoutingCleanup asks the transport to prune its routing
	// table / connection pool after an observed failure, before a
	// caller falls back to a stale local read.
	TriggerRoutingCleanup(ctx context.Context)
}

// Key schema. The exact strings are part of the wire contract.

func CoordinatorKey(coordinatorID ident.ID) string {
	return fmt.Sprintf("coordinator:%s", coordinatorID)
}

func MessageCollectionKey(collectionID ident.ID) string {
	return fmt.Sprintf("msgcoll:%s", collectionID)
}

func SubscriberCollectionKey(collectionID ident.ID) string {
	return fmt.Sprintf("subcoll:%s", collectionID)
}

func MessageKey(messageID ident.ID) string {
	return fmt.Sprintf("msg:%s", messageID)
}

func SnapshotKey(snapshotID ident.ID) string {
	return fmt.Sprintf("snapshot:%s", snapshotID)
}
