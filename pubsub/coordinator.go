package pubsub

import (
	"time"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// CoordinatorState is the closed ACTIVE/RECOVERING/FAILED enum. Every
// write path below declares which transitions it may perform; FAILED is
// terminal.
type CoordinatorState uint8

const (
	StateActive CoordinatorState = iota
	StateRecovering
	StateFailed
)

func (s CoordinatorState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateRecovering:
		return "RECOVERING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CoordinatorObject is the mutable per-topic head. It is never mutated
// in place: every operation below returns a new value, and durability/
// consistency comes from the storage adapter's CAS on the coordinator's
// DHT key, not from in-process locking.
type CoordinatorObject struct {
	TopicID       ident.ID `cbor:"topicID"`
	CoordinatorID ident.ID `cbor:"coordinatorID"`
	Version       uint64   `cbor:"version"`

	CurrentSubscribers *ident.ID `cbor:"currentSubscribers"`
	CurrentMessages    *ident.ID `cbor:"currentMessages"`

	SubscriberHistory []ident.ID `cbor:"subscriberHistory"`
	MessageHistory    []ident.ID `cbor:"messageHistory"`

	PreviousCoordinator *ident.ID `cbor:"previousCoordinator"`

	State CoordinatorState `cbor:"state"`

	CreatedAt    int64 `cbor:"createdAt"`
	LastModified int64 `cbor:"lastModified"`
}

// CoordinatorIDFor derives the fixed DHT key identity for a topic:
// coordinatorID == hash(topicID).
func CoordinatorIDFor(topicID ident.ID) ident.ID {
	return ident.NewID(topicID.Bytes())
}

// NewCoordinatorObject returns the initial, empty, ACTIVE coordinator
// for a topic, created on first publish or subscribe.
func NewCoordinatorObject(topicID ident.ID, nowMS int64) CoordinatorObject {
	return CoordinatorObject{
		TopicID:       topicID,
		CoordinatorID: CoordinatorIDFor(topicID),
		Version:       0,
		State:         StateActive,
		CreatedAt:     nowMS,
		LastModified:  nowMS,
	}
}

func cloneIDSlice(s []ident.ID) []ident.ID {
	out := make([]ident.ID, len(s))
	copy(out, s)
	return out
}

func idPtr(id ident.ID) *ident.ID { return &id }

// UpdateSubscribers moves CurrentSubscribers into history and sets id as
// the new current pointer. Version increments by exactly 1.
func (c CoordinatorObject) UpdateSubscribers(id ident.ID, nowMS int64) CoordinatorObject {
	out := c
	hist := cloneIDSlice(c.SubscriberHistory)
	if c.CurrentSubscribers != nil {
		hist = append(hist, *c.CurrentSubscribers)
	}
	out.SubscriberHistory = hist
	out.CurrentSubscribers = idPtr(id)
	out.Version = c.Version + 1
	out.LastModified = nowMS
	return out
}

// UpdateMessages is the symmetric counterpart to UpdateSubscribers.
func (c CoordinatorObject) UpdateMessages(id ident.ID, nowMS int64) CoordinatorObject {
	out := c
	hist := cloneIDSlice(c.MessageHistory)
	if c.CurrentMessages != nil {
		hist = append(hist, *c.CurrentMessages)
	}
	out.MessageHistory = hist
	out.CurrentMessages = idPtr(id)
	out.Version = c.Version + 1
	out.LastModified = nowMS
	return out
}

// UpdateBoth performs both moves in a single version increment.
func (c CoordinatorObject) UpdateBoth(subID, msgID ident.ID, nowMS int64) CoordinatorObject {
	out := c
	subHist := cloneIDSlice(c.SubscriberHistory)
	if c.CurrentSubscribers != nil {
		subHist = append(subHist, *c.CurrentSubscribers)
	}
	msgHist := cloneIDSlice(c.MessageHistory)
	if c.CurrentMessages != nil {
		msgHist = append(msgHist, *c.CurrentMessages)
	}
	out.SubscriberHistory = subHist
	out.MessageHistory = msgHist
	out.CurrentSubscribers = idPtr(subID)
	out.CurrentMessages = idPtr(msgID)
	out.Version = c.Version + 1
	out.LastModified = nowMS
	return out
}

// UpdateState transitions State without touching Version. Legal
// transitions: ACTIVE->RECOVERING, RECOVERING->ACTIVE,
// RECOVERING->FAILED. FAILED is terminal.
func (c CoordinatorObject) UpdateState(newState CoordinatorState, nowMS int64) CoordinatorObject {
	out := c
	out.State = newState
	out.LastModified = nowMS
	return out
}

// NeedsPruning reports whether the serialized-size or history-length
// prune threshold has been exceeded.
func (c CoordinatorObject) NeedsPruning(serializedSize int) bool {
	if serializedSize > CoordinatorPruneSizeBytes {
		return true
	}
	if len(c.SubscriberHistory) > CoordinatorPruneHistoryLen || len(c.MessageHistory) > CoordinatorPruneHistoryLen {
		return true
	}
	return false
}

// Prune keeps the most recent CoordinatorKeepHistoryLen entries in each
// history, pushing the removed prefix into a new CoordinatorSnapshot
// linked onto the existing snapshot chain. Version is unchanged.
func (c CoordinatorObject) Prune(nowMS int64) (CoordinatorObject, CoordinatorSnapshot) {
	keepSub, prunedSub := splitKeepTail(c.SubscriberHistory, CoordinatorKeepHistoryLen)
	keepMsg, prunedMsg := splitKeepTail(c.MessageHistory, CoordinatorKeepHistoryLen)

	snap := NewCoordinatorSnapshot(c.TopicID, c.Version, prunedSub, prunedMsg, c.PreviousCoordinator, nowMS)

	out := c
	out.SubscriberHistory = keepSub
	out.MessageHistory = keepMsg
	out.PreviousCoordinator = idPtr(snap.SnapshotID)
	out.LastModified = nowMS
	return out, snap
}

// splitKeepTail returns (last n entries, everything before that).
func splitKeepTail(s []ident.ID, n int) (kept, pruned []ident.ID) {
	if len(s) <= n {
		return cloneIDSlice(s), nil
	}
	cut := len(s) - n
	pruned = cloneIDSlice(s[:cut])
	kept = cloneIDSlice(s[cut:])
	return kept, pruned
}

func unionIDs(a, b []ident.ID, extra ...*ident.ID) []ident.ID {
	seen := make(map[ident.ID]bool, len(a)+len(b))
	var out []ident.ID
	add := func(id ident.ID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range a {
		add(id)
	}
	for _, id := range b {
		add(id)
	}
	for _, p := range extra {
		if p != nil {
			add(*p)
		}
	}
	return out
}

// dominantState: FAILED dominates RECOVERING dominates ACTIVE.
func dominantState(a, b CoordinatorState) CoordinatorState {
	if a == StateFailed || b == StateFailed {
		return StateFailed
	}
	if a == StateRecovering || b == StateRecovering {
		return StateRecovering
	}
	return StateActive
}

// Merge resolves two concurrently-diverged proposals for the same
// coordinator. The caller (A, the local/retrying proposal) merges in B
// (the current remote value observed after a CAS conflict). The result
// is commutative and idempotent in the history union and monotonic in
// version, by construction.
func (a CoordinatorObject) Merge(b CoordinatorObject, nowMS int64) CoordinatorObject {
	subHistory := unionIDs(a.SubscriberHistory, b.SubscriberHistory, a.CurrentSubscribers, b.CurrentSubscribers)
	msgHistory := unionIDs(a.MessageHistory, b.MessageHistory, a.CurrentMessages, b.CurrentMessages)

	var currentSubscribers *ident.ID
	if b.Version >= a.Version {
		if b.CurrentSubscribers != nil {
			currentSubscribers = b.CurrentSubscribers
		} else {
			currentSubscribers = a.CurrentSubscribers
		}
	} else {
		currentSubscribers = a.CurrentSubscribers
	}

	var currentMessages *ident.ID
	if b.Version >= a.Version {
		if b.CurrentMessages != nil {
			currentMessages = b.CurrentMessages
		} else {
			currentMessages = a.CurrentMessages
		}
	} else {
		currentMessages = a.CurrentMessages
	}

	// The "current" pointer stays in currentX, so it must not also
	// appear duplicated in historyX from the union above;
	// historyX is a record of *past* pointers only.
	subHistory = removeID(subHistory, currentSubscribers)
	msgHistory = removeID(msgHistory, currentMessages)

	var previous *ident.ID
	if b.Version > a.Version {
		previous = b.PreviousCoordinator
	} else {
		previous = a.PreviousCoordinator
	}

	createdAt := a.CreatedAt
	if b.CreatedAt < createdAt {
		createdAt = b.CreatedAt
	}

	version := a.Version
	if b.Version > version {
		version = b.Version
	}

	return CoordinatorObject{
		TopicID:             a.TopicID,
		CoordinatorID:       a.CoordinatorID,
		Version:             version + 1,
		CurrentSubscribers:  currentSubscribers,
		CurrentMessages:     currentMessages,
		SubscriberHistory:   subHistory,
		MessageHistory:      msgHistory,
		PreviousCoordinator: previous,
		State:               dominantState(a.State, b.State),
		CreatedAt:           createdAt,
		LastModified:        nowMS,
	}
}

func removeID(s []ident.ID, target *ident.ID) []ident.ID {
	if target == nil {
		return s
	}
	out := make([]ident.ID, 0, len(s))
	for _, id := range s {
		if id != *target {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks structural invariants: coordinatorID == hash(topicID)
// and createdAt <= lastModified.
func (c CoordinatorObject) Validate() error {
	if c.CoordinatorID != CoordinatorIDFor(c.TopicID) {
		return ErrCoordinatorIDMismatch
	}
	if c.CreatedAt > c.LastModified {
		return ErrInvalidState
	}
	return nil
}

func (c CoordinatorObject) Marshal() ([]byte, error) {
	return codec.Marshal(c)
}

func UnmarshalCoordinatorObject(data []byte) (CoordinatorObject, error) {
	var c CoordinatorObject
	err := codec.Unmarshal(data, &c)
	return c, err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
