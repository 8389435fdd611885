package pubsub

import "errors"

// Validation errors: invalid object shape or content-ID mismatch. Never
// retried; always surfaced to the caller.
var (
	ErrMessageIDMismatch     = errors.New("pubsub: messageID does not match its derived content hash")
	ErrMessageTimeOrder      = errors.New("pubsub: publishedAt is after expiresAt")
	ErrCollectionIDMismatch  = errors.New("pubsub: collectionID does not match its derived content hash")
	ErrCoordinatorIDMismatch = errors.New("pubsub: coordinatorID does not match hash(topicID)")
	ErrInvalidState          = errors.New("pubsub: coordinator is in an invalid state")
	ErrSnapshotIDMismatch    = errors.New("pubsub: snapshotID does not match its derived content hash")
)

// Signature errors: returned by Message.Validate. The storage adapter's
// load paths do not verify signatures.
var (
	ErrSignatureInvalid    = errors.New("pubsub: signature verification failed")
	ErrSignatureMissing    = errors.New("pubsub: object has no signature")
	ErrUnknownPublisherKey = errors.New("pubsub: no public key known for publisher")
)

// Transport errors: DHT store/get/CAS failure. Retried within Publish's
// coordinator-commit loop; Subscribe, Renew and Unsubscribe return them
// to the caller.
var (
	ErrTransport     = errors.New("pubsub: dht transport error")
	ErrNotFound      = errors.New("pubsub: object not found in dht")
	ErrCycleDetected = errors.New("pubsub: cycle detected while walking snapshot chain")
	ErrSnapshotDepth = errors.New("pubsub: snapshot chain exceeded maximum walk depth")
)

// Concurrency: a CAS conflict is not an error per se, but callers that
// exhaust their retry policy surface it as one.
var ErrCASConflict = errors.New("pubsub: coordinator compare-and-swap conflict")

// Catastrophic: publish exceeded the retry threshold and recovery failed.
// Terminal; coordinator state moves to FAILED.
var ErrCatastrophicFailure = errors.New("pubsub: catastrophic publish failure, coordinator marked FAILED")

// Subscription lifecycle errors.
var (
	ErrNotSubscribed = errors.New("pubsub: not subscribed to topic")
	ErrTopicNotFound = errors.New("pubsub: topic has no coordinator")
)
