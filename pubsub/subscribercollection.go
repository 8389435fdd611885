package pubsub

import (
	"encoding/binary"
	"sort"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// SubscriberMeta is one entry in a SubscriberCollection.
type SubscriberMeta struct {
	SubscriberID    ident.ID `cbor:"subscriberID"`
	CoordinatorSlot uint32   `cbor:"coordinatorSlot"`
	SubscribedAt    int64    `cbor:"subscribedAt"`
	ExpiresAt       int64    `cbor:"expiresAt"`
	Signature       []byte   `cbor:"signature"`
}

// SubscriberCollection is an immutable, content-addressed set of
// subscriber metadata for one topic.
type SubscriberCollection struct {
	Subscribers []SubscriberMeta `cbor:"subscribers"`
	CreatedAt   int64            `cbor:"createdAt"`
}

func NewSubscriberCollection(createdAt int64) SubscriberCollection {
	return SubscriberCollection{CreatedAt: createdAt}
}

func (c SubscriberCollection) clone() []SubscriberMeta {
	out := make([]SubscriberMeta, len(c.Subscribers))
	copy(out, c.Subscribers)
	return out
}

// CoordinatorSlot computes the deterministic k-way slot assignment:
// the first four bytes of hash(topicID, subscriberID) as a big-endian
// uint32, mod k. Every peer computes the same slot for the same pair.
func CoordinatorSlot(topicID, subscriberID ident.ID, k uint32) uint32 {
	h := ident.NewID(ident.Join(topicID.Bytes(), subscriberID.Bytes()))
	first4 := binary.BigEndian.Uint32(h[:4])
	return first4 % k
}

func (c SubscriberCollection) ExpiresAt() int64 {
	if len(c.Subscribers) == 0 {
		return c.CreatedAt + int64(GracePeriod/1e6)
	}
	max := c.Subscribers[0].ExpiresAt
	for _, s := range c.Subscribers[1:] {
		if s.ExpiresAt > max {
			max = s.ExpiresAt
		}
	}
	return max + int64(GracePeriod/1e6)
}

func (c SubscriberCollection) CollectionID() ident.ID {
	ids := make([]string, len(c.Subscribers))
	for i, s := range c.Subscribers {
		ids[i] = s.SubscriberID.String()
	}
	sort.Strings(ids)

	joined := []byte("subcoll")
	for _, id := range ids {
		joined = append(joined, ':')
		joined = append(joined, id...)
	}
	var createdAtBuf [8]byte
	binary.BigEndian.PutUint64(createdAtBuf[:], uint64(c.CreatedAt))
	joined = append(joined, ':')
	joined = append(joined, createdAtBuf[:]...)

	return ident.NewID(joined)
}

func (c SubscriberCollection) HasSubscriber(id ident.ID) bool {
	_, ok := c.GetSubscriber(id)
	return ok
}

func (c SubscriberCollection) GetSubscriber(id ident.ID) (SubscriberMeta, bool) {
	for _, s := range c.Subscribers {
		if s.SubscriberID == id {
			return s, true
		}
	}
	return SubscriberMeta{}, false
}

func (c SubscriberCollection) GetByCoordinatorSlot(slot uint32) []SubscriberMeta {
	var out []SubscriberMeta
	for _, s := range c.Subscribers {
		if s.CoordinatorSlot == slot {
			out = append(out, s)
		}
	}
	return out
}

// AddSubscriber returns a new collection with meta added or, if the
// subscriber is already present, replaced (re-subscribing refreshes the
// entry rather than duplicating it).
func (c SubscriberCollection) AddSubscriber(meta SubscriberMeta) SubscriberCollection {
	out := make([]SubscriberMeta, 0, len(c.Subscribers)+1)
	replaced := false
	for _, s := range c.Subscribers {
		if s.SubscriberID == meta.SubscriberID {
			out = append(out, meta)
			replaced = true
			continue
		}
		out = append(out, s)
	}
	if !replaced {
		out = append(out, meta)
	}
	return SubscriberCollection{Subscribers: out, CreatedAt: c.CreatedAt}
}

func (c SubscriberCollection) RemoveSubscriber(id ident.ID) SubscriberCollection {
	out := make([]SubscriberMeta, 0, len(c.Subscribers))
	for _, s := range c.Subscribers {
		if s.SubscriberID != id {
			out = append(out, s)
		}
	}
	return SubscriberCollection{Subscribers: out, CreatedAt: c.CreatedAt}
}

func (c SubscriberCollection) RemoveExpired(nowMS int64) SubscriberCollection {
	out := make([]SubscriberMeta, 0, len(c.Subscribers))
	for _, s := range c.Subscribers {
		if s.ExpiresAt > nowMS {
			out = append(out, s)
		}
	}
	return SubscriberCollection{Subscribers: out, CreatedAt: c.CreatedAt}
}

// Renew returns a new collection with id's entry given a fresh expiry
// and signature.
func (c SubscriberCollection) Renew(id ident.ID, newExpiresAt int64, newSignature []byte) SubscriberCollection {
	out := c.clone()
	for i, s := range out {
		if s.SubscriberID == id {
			out[i].ExpiresAt = newExpiresAt
			out[i].Signature = newSignature
		}
	}
	return SubscriberCollection{Subscribers: out, CreatedAt: c.CreatedAt}
}

// Merge unions by subscriberID, keeping the entry with the greater
// SubscribedAt on duplicates.
func (c SubscriberCollection) Merge(other SubscriberCollection) SubscriberCollection {
	byID := make(map[ident.ID]SubscriberMeta, len(c.Subscribers)+len(other.Subscribers))
	order := make([]ident.ID, 0, len(c.Subscribers)+len(other.Subscribers))
	for _, s := range c.Subscribers {
		byID[s.SubscriberID] = s
		order = append(order, s.SubscriberID)
	}
	for _, s := range other.Subscribers {
		cur, ok := byID[s.SubscriberID]
		if !ok {
			byID[s.SubscriberID] = s
			order = append(order, s.SubscriberID)
			continue
		}
		if s.SubscribedAt > cur.SubscribedAt {
			byID[s.SubscriberID] = s
		}
	}
	out := make([]SubscriberMeta, 0, len(order))
	seen := make(map[ident.ID]bool, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, byID[id])
	}
	return SubscriberCollection{Subscribers: out, CreatedAt: c.CreatedAt}
}

// VerifyAll checks every subscriber's signature against the key returned
// by lookup, returning the IDs whose signature failed to verify.
func (c SubscriberCollection) VerifyAll(lookup func(ident.ID) (*ident.PublicKey, bool)) []ident.ID {
	var bad []ident.ID
	for _, s := range c.Subscribers {
		pub, ok := lookup(s.SubscriberID)
		if !ok {
			bad = append(bad, s.SubscriberID)
			continue
		}
		payload := subscriptionSignable(s.SubscriberID, s.CoordinatorSlot, s.SubscribedAt, s.ExpiresAt)
		if !ident.Verify(pub, payload, s.Signature) {
			bad = append(bad, s.SubscriberID)
		}
	}
	return bad
}

// subscriptionSignable is the canonical byte string a subscription
// record is signed over: every field except the signature.
func subscriptionSignable(subscriberID ident.ID, slot uint32, subscribedAt, expiresAt int64) []byte {
	type signable struct {
		SubscriberID    ident.ID `cbor:"subscriberID"`
		CoordinatorSlot uint32   `cbor:"coordinatorSlot"`
		SubscribedAt    int64    `cbor:"subscribedAt"`
		ExpiresAt       int64    `cbor:"expiresAt"`
	}
	b, _ := codec.Marshal(signable{subscriberID, slot, subscribedAt, expiresAt})
	return b
}

func (c SubscriberCollection) Marshal() ([]byte, error) {
	return codec.Marshal(c)
}

func UnmarshalSubscriberCollection(data []byte) (SubscriberCollection, error) {
	var c SubscriberCollection
	err := codec.Unmarshal(data, &c)
	return c, err
}
