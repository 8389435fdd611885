package pubsub

import (
	"encoding/binary"
	"fmt"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// Message is a single signed, immutable publication record.
type Message struct {
	MessageID         ident.ID `cbor:"messageID"`
	TopicID           ident.ID `cbor:"topicID"`
	PublisherID       ident.ID `cbor:"publisherID"`
	PublisherSequence uint64   `cbor:"publisherSequence"`
	AddedInVersion    uint64   `cbor:"addedInVersion"`
	Data              []byte   `cbor:"data"`
	PublishedAt       int64    `cbor:"publishedAt"`
	ExpiresAt         int64    `cbor:"expiresAt"`
	Signature         []byte   `cbor:"signature"`
}

// messageSignable is the field subset the detached signature covers:
// every field except Signature itself.
type messageSignable struct {
	MessageID         ident.ID `cbor:"messageID"`
	TopicID           ident.ID `cbor:"topicID"`
	PublisherID       ident.ID `cbor:"publisherID"`
	PublisherSequence uint64   `cbor:"publisherSequence"`
	AddedInVersion    uint64   `cbor:"addedInVersion"`
	Data              []byte   `cbor:"data"`
	PublishedAt       int64    `cbor:"publishedAt"`
	ExpiresAt         int64    `cbor:"expiresAt"`
}

// NewMessage constructs an unsigned Message. MessageID is
// hash(topicID, publisherID, publisherSequence, publishedAt) and is
// derived immediately since it depends only on caller-supplied fields.
// The caller must still call Sign before the message is valid.
func NewMessage(topicID, publisherID ident.ID, publisherSequence uint64, data []byte, publishedAt, expiresAt int64) Message {
	m := Message{
		TopicID:           topicID,
		PublisherID:       publisherID,
		PublisherSequence: publisherSequence,
		AddedInVersion:    0,
		Data:              data,
		PublishedAt:       publishedAt,
		ExpiresAt:         expiresAt,
	}
	m.MessageID = m.deriveMessageID()
	return m
}

func (m Message) deriveMessageID() ident.ID {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], m.PublisherSequence)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(m.PublishedAt))
	return ident.NewID(ident.Join(m.TopicID.Bytes(), m.PublisherID.Bytes(), seqBuf[:], tsBuf[:]))
}

func (m Message) signableBytes() ([]byte, error) {
	s := messageSignable{
		MessageID:         m.MessageID,
		TopicID:           m.TopicID,
		PublisherID:       m.PublisherID,
		PublisherSequence: m.PublisherSequence,
		AddedInVersion:    m.AddedInVersion,
		Data:              m.Data,
		PublishedAt:       m.PublishedAt,
		ExpiresAt:         m.ExpiresAt,
	}
	return codec.Marshal(s)
}

// Sign fills Signature with a detached signature over the canonical
// encoding of every field except Signature.
func (m *Message) Sign(priv *ident.PrivateKey) error {
	payload, err := m.signableBytes()
	if err != nil {
		return err
	}
	sig, err := ident.Sign(priv, payload)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify reports whether Signature verifies against pub over this
// message's canonical fields.
func (m Message) Verify(pub *ident.PublicKey) bool {
	payload, err := m.signableBytes()
	if err != nil {
		return false
	}
	return ident.Verify(pub, payload, m.Signature)
}

// IsExpired reports whether the message has passed its expiry at now
// (milliseconds since the Unix epoch).
func (m Message) IsExpired(nowMS int64) bool {
	return nowMS >= m.ExpiresAt
}

// Validate checks structural invariants and signature: messageID
// derivation, publishedAt <= expiresAt, and a verified signature.
func (m Message) Validate(pub *ident.PublicKey) error {
	if m.MessageID != m.deriveMessageID() {
		return fmt.Errorf("%w: got %s want %s", ErrMessageIDMismatch, m.MessageID, m.deriveMessageID())
	}
	if m.PublishedAt > m.ExpiresAt {
		return ErrMessageTimeOrder
	}
	if len(m.Signature) == 0 {
		return ErrSignatureMissing
	}
	if !m.Verify(pub) {
		return ErrSignatureInvalid
	}
	return nil
}

// Marshal/Unmarshal give Message the same CBOR round-trip contract as
// every other DHT-stored object.
func (m Message) Marshal() ([]byte, error) {
	return codec.Marshal(m)
}

func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	err := codec.Unmarshal(data, &m)
	return m, err
}
