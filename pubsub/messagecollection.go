package pubsub

import (
	"encoding/binary"
	"sort"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// MessageMeta is the compact metadata record a MessageCollection stores
// for one message: enough to compute deltas and gaps without fetching the
// message payload itself.
type MessageMeta struct {
	MessageID         ident.ID `cbor:"messageID"`
	PublisherID       ident.ID `cbor:"publisherID"`
	PublisherSequence uint64   `cbor:"publisherSequence"`
	AddedInVersion    uint64   `cbor:"addedInVersion"`
	ExpiresAt         int64    `cbor:"expiresAt"`
}

// MessageCollection is an immutable, content-addressed set of message
// metadata for one topic. Every mutating-looking method returns a new
// value; nothing here ever rewrites receiver state.
type MessageCollection struct {
	Messages  []MessageMeta `cbor:"messages"`
	CreatedAt int64         `cbor:"createdAt"`
}

// NewMessageCollection returns an empty collection created at createdAt
// (milliseconds since epoch).
func NewMessageCollection(createdAt int64) MessageCollection {
	return MessageCollection{CreatedAt: createdAt}
}

func (c MessageCollection) clone() []MessageMeta {
	out := make([]MessageMeta, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// ExpiresAt is max(entry.expiresAt) + GracePeriod, or CreatedAt +
// GracePeriod for an empty collection.
func (c MessageCollection) ExpiresAt() int64 {
	if len(c.Messages) == 0 {
		return c.CreatedAt + int64(GracePeriod/1e6)
	}
	max := c.Messages[0].ExpiresAt
	for _, m := range c.Messages[1:] {
		if m.ExpiresAt > max {
			max = m.ExpiresAt
		}
	}
	return max + int64(GracePeriod/1e6)
}

// CollectionID is hash("msgcoll" joined with the sorted messageIDs and
// createdAt). Identical content created at different times yields
// different IDs, keeping the key space versioned.
func (c MessageCollection) CollectionID() ident.ID {
	ids := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		ids[i] = m.MessageID.String()
	}
	sort.Strings(ids)

	joined := []byte("msgcoll")
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

// HasMessage reports whether id is already present.
func (c MessageCollection) HasMessage(id ident.ID) bool {
	for _, m := range c.Messages {
		if m.MessageID == id {
			return true
		}
	}
	return false
}

// Size returns the number of message-metadata entries.
func (c MessageCollection) Size() int {
	return len(c.Messages)
}

// AddMessage returns a new collection with meta appended, unless meta's
// ID is already present (idempotent add).
func (c MessageCollection) AddMessage(meta MessageMeta) MessageCollection {
	if c.HasMessage(meta.MessageID) {
		return c
	}
	out := c.clone()
	out = append(out, meta)
	return MessageCollection{Messages: out, CreatedAt: c.CreatedAt}
}

// AddMessages appends every not-yet-present meta, preserving call order
// for newly added entries.
func (c MessageCollection) AddMessages(metas []MessageMeta) MessageCollection {
	out := c.clone()
	seen := make(map[ident.ID]bool, len(out))
	for _, m := range out {
		seen[m.MessageID] = true
	}
	for _, meta := range metas {
		if seen[meta.MessageID] {
			continue
		}
		seen[meta.MessageID] = true
		out = append(out, meta)
	}
	return MessageCollection{Messages: out, CreatedAt: c.CreatedAt}
}

// RemoveExpired returns a new collection with every entry whose
// ExpiresAt has passed nowMS removed.
func (c MessageCollection) RemoveExpired(nowMS int64) MessageCollection {
	out := make([]MessageMeta, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.ExpiresAt > nowMS {
			out = append(out, m)
		}
	}
	return MessageCollection{Messages: out, CreatedAt: c.CreatedAt}
}

// Merge returns the set union of c and other by messageID, keeping c's
// createdAt (the caller picks which side's timestamp to propagate;
// Publish always calls ours.Merge(theirs), so ours wins).
func (c MessageCollection) Merge(other MessageCollection) MessageCollection {
	out := c.clone()
	seen := make(map[ident.ID]bool, len(out))
	for _, m := range out {
		seen[m.MessageID] = true
	}
	for _, m := range other.Messages {
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		out = append(out, m)
	}
	return MessageCollection{Messages: out, CreatedAt: c.CreatedAt}
}

// GetMessagesSince returns every entry with AddedInVersion > version,
// the set a subscriber at that version still needs delivered.
func (c MessageCollection) GetMessagesSince(version uint64) []MessageMeta {
	var out []MessageMeta
	for _, m := range c.Messages {
		if m.AddedInVersion > version {
			out = append(out, m)
		}
	}
	return out
}

// GetByPublisher returns every entry authored by publisherID.
func (c MessageCollection) GetByPublisher(publisherID ident.ID) []MessageMeta {
	var out []MessageMeta
	for _, m := range c.Messages {
		if m.PublisherID == publisherID {
			out = append(out, m)
		}
	}
	return out
}

// DetectSequenceGaps returns, per publisher, the sorted sequence numbers
// missing between that publisher's minimum and maximum observed sequence
// in this collection.
func (c MessageCollection) DetectSequenceGaps() map[ident.ID][]uint64 {
	byPublisher := make(map[ident.ID][]uint64)
	for _, m := range c.Messages {
		byPublisher[m.PublisherID] = append(byPublisher[m.PublisherID], m.PublisherSequence)
	}

	gaps := make(map[ident.ID][]uint64)
	for pub, seqs := range byPublisher {
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		present := make(map[uint64]bool, len(seqs))
		for _, s := range seqs {
			present[s] = true
		}
		min, max := seqs[0], seqs[len(seqs)-1]
		var missing []uint64
		for s := min; s < max; s++ {
			if !present[s] {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			gaps[pub] = missing
		}
	}
	return gaps
}

func (c MessageCollection) Marshal() ([]byte, error) {
	return codec.Marshal(c)
}

func UnmarshalMessageCollection(data []byte) (MessageCollection, error) {
	var c MessageCollection
	err := codec.Unmarshal(data, &c)
	return c, err
}
