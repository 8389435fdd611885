// Package memstore is an in-memory Transport used for tests and for
// deployments whose underlying DHT has no native compare-and-swap
// primitive. Its CAS is emulated by a read-then-write under a mutex and
// is therefore NOT safe against genuinely concurrent writers issued from
// different processes, only against goroutines sharing this struct.
// Callers must treat it as best-effort.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

type Store struct {
	mu       sync.Mutex
	values   map[string][]byte
	nodes    []ident.ID
	cleanups int
	sent     []SentMessage
}

func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

// SeedNodes sets the fixed node list FindNode ranks by XOR distance and
// returns the k closest of.
func (s *Store) SeedNodes(nodes []ident.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
}

func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) GetFromNetwork(ctx context.Context, key string) ([]byte, error) {
	return s.Get(ctx, key)
}

// versionOnly decodes just the "version" field out of a CBOR-encoded
// CoordinatorObject. memstore deliberately does not import package
// pubsub (which imports package dht, and would form an import cycle);
// decoding only the one field it needs keeps the two packages
// independent.
type versionOnly struct {
	Version uint64 `cbor:"version"`
}

func extractVersion(blob []byte) (uint64, error) {
	var v versionOnly
	if err := cbor.Unmarshal(blob, &v); err != nil {
		return 0, err
	}
	return v.Version, nil
}

func (s *Store) SupportsCAS() bool { return false }

func (s *Store) CompareAndSwapCoordinator(ctx context.Context, key string, newValue []byte, expectedVersion uint64) (dht.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.values[key]
	if !ok {
		if expectedVersion != 0 {
			return dht.CASResult{Conflict: true, CurrentVersion: 0}, nil
		}
		cp := make([]byte, len(newValue))
		copy(cp, newValue)
		s.values[key] = cp
		return dht.CASResult{Success: true, CurrentVersion: expectedVersion}, nil
	}

	currentVersion, err := extractVersion(current)
	if err != nil {
		return dht.CASResult{}, err
	}
	if currentVersion != expectedVersion {
		return dht.CASResult{Conflict: true, CurrentVersion: currentVersion, CurrentValue: current}, nil
	}

	cp := make([]byte, len(newValue))
	copy(cp, newValue)
	s.values[key] = cp
	return dht.CASResult{Success: true, CurrentVersion: expectedVersion}, nil
}

// FindNode returns up to k of the seeded nodes ordered by Kademlia XOR
// distance to target. Node IDs round-trip through ident.ToKRPC/FromKRPC
// at the point a real anacrolix/dht/v2-backed transport would hand node
// IDs to, and receive them back from, the underlying Kademlia client.
func (s *Store) FindNode(ctx context.Context, target ident.ID, k int) ([]ident.ID, error) {
	s.mu.Lock()
	nodes := make([]ident.ID, len(s.nodes))
	copy(nodes, s.nodes)
	s.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool {
		return closerTo(target, nodes[i], nodes[j])
	})

	if k > len(nodes) {
		k = len(nodes)
	}
	out := make([]ident.ID, k)
	for i := 0; i < k; i++ {
		out[i] = ident.FromKRPC(ident.ToKRPC(nodes[i]))
	}
	return out, nil
}

// closerTo reports whether a is closer to target than b under the
// standard Kademlia XOR metric.
func closerTo(target, a, b ident.ID) bool {
	ta, ka, kb := ident.ToKRPC(target), ident.ToKRPC(a), ident.ToKRPC(b)
	for i := range ta {
		da := ta[i] ^ ka[i]
		db := ta[i] ^ kb[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// SentMessage records one SendMessage call, for tests that assert on
// push-delivery behavior.
type SentMessage struct {
	Target   ident.ID
	Envelope []byte
}

// SendMessage is a best-effort delivery with no real peer to deliver to;
// it just records the attempt so tests can assert on it.
func (s *Store) SendMessage(ctx context.Context, targetNode ident.ID, envelope []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(envelope))
	copy(cp, envelope)
	s.sent = append(s.sent, SentMessage{Target: targetNode, Envelope: cp})
	return nil
}

// SentMessages returns every envelope SendMessage has recorded, in call
// order.
func (s *Store) SentMessages() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Store) TriggerRoutingCleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
}

func (s *Store) CleanupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

var _ dht.Transport = (*Store)(nil)
