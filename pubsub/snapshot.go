package pubsub

import (
	"encoding/binary"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// CoordinatorSnapshot is an immutable, pruned-history fragment forming a
// singly linked chain, newest first, read only during deep-history
// merges.
type CoordinatorSnapshot struct {
	SnapshotID          ident.ID   `cbor:"snapshotID"`
	TopicID             ident.ID   `cbor:"topicID"`
	Version             uint64     `cbor:"version"`
	SubscriberHistory   []ident.ID `cbor:"subscriberHistory"`
	MessageHistory      []ident.ID `cbor:"messageHistory"`
	PreviousCoordinator *ident.ID  `cbor:"previousCoordinator"`
	CreatedAt           int64      `cbor:"createdAt"`
}

// NewCoordinatorSnapshot builds a snapshot and derives its SnapshotID.
func NewCoordinatorSnapshot(topicID ident.ID, version uint64, subscriberHistory, messageHistory []ident.ID, previous *ident.ID, createdAt int64) CoordinatorSnapshot {
	s := CoordinatorSnapshot{
		TopicID:             topicID,
		Version:             version,
		SubscriberHistory:   subscriberHistory,
		MessageHistory:      messageHistory,
		PreviousCoordinator: previous,
		CreatedAt:           createdAt,
	}
	s.SnapshotID = s.deriveID()
	return s
}

func (s CoordinatorSnapshot) deriveID() ident.ID {
	var verBuf, tsBuf [8]byte
	binary.BigEndian.PutUint64(verBuf[:], s.Version)
	binary.BigEndian.PutUint64(tsBuf[:], uint64(s.CreatedAt))
	return ident.NewID(ident.Join([]byte("snapshot"), s.TopicID.Bytes(), verBuf[:], tsBuf[:]))
}

// ExpiresAt is CreatedAt + SnapshotTTL. Snapshots are conflict-resolution
// aids, not archival.
func (s CoordinatorSnapshot) ExpiresAt() int64 {
	return s.CreatedAt + int64(SnapshotTTL/1e6)
}

func (s CoordinatorSnapshot) IsExpired(nowMS int64) bool {
	return nowMS >= s.ExpiresAt()
}

func (s CoordinatorSnapshot) Validate() error {
	if s.SnapshotID != s.deriveID() {
		return ErrSnapshotIDMismatch
	}
	return nil
}

func (s CoordinatorSnapshot) Marshal() ([]byte, error) {
	return codec.Marshal(s)
}

func UnmarshalCoordinatorSnapshot(data []byte) (CoordinatorSnapshot, error) {
	var s CoordinatorSnapshot
	err := codec.Unmarshal(data, &s)
	return s, err
}
