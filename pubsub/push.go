package pubsub

import (
	"context"

	"github.com/YZ-social/yz.network-sub001/pubsub/dht"
	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// PushEnvelopeType is the envelope discriminator a Transport's event
// callback checks before dispatching to Client.OnPushMessage.
const PushEnvelopeType = "pubsub_push"

// PushEnvelope is the wire format SendMessage carries. Decoding one and
// calling Client.OnPushMessage with its TopicID/Message is the receiving
// transport's job; UnmarshalPushEnvelope is the decode half of that
// contract for transports and tests that want it.
type PushEnvelope struct {
	Type     string   `cbor:"type"`
	TopicID  ident.ID `cbor:"topicID"`
	Message  Message  `cbor:"message"`
	PushedAt int64    `cbor:"pushedAt"`
}

func (e PushEnvelope) Marshal() ([]byte, error) {
	return codec.Marshal(e)
}

func UnmarshalPushEnvelope(data []byte) (PushEnvelope, error) {
	var e PushEnvelope
	err := codec.Unmarshal(data, &e)
	return e, err
}

// deliverPush is the single-message form of deliverPushBatch.
func (p *Publisher) deliverPush(topicID ident.ID, msg Message, c CoordinatorObject) {
	p.deliverPushBatch(topicID, []Message{msg}, c)
}

// deliverPushBatch triggers push delivery fire-and-forget after a
// successful coordinator CAS. It never blocks or returns an error to the
// publish caller; push is strictly best-effort and subscribers always
// also poll.
func (p *Publisher) deliverPushBatch(topicID ident.ID, msgs []Message, c CoordinatorObject) {
	if len(msgs) == 0 || c.CurrentSubscribers == nil {
		return
	}
	subsID := *c.CurrentSubscribers
	go p.pushNow(topicID, msgs, subsID)
}

// pushNow runs against a background context: the publish call that
// triggered it has already returned by the time this runs.
func (p *Publisher) pushNow(topicID ident.ID, msgs []Message, subsCollectionID ident.ID) {
	ctx := context.Background()

	subs, ok, err := p.storage.LoadSubscriberCollection(ctx, subsCollectionID)
	if err != nil {
		p.log.Warnw("push delivery: failed to load subscriber collection", "topic", topicID, "err", err)
		return
	}
	if !ok {
		return
	}
	active := subs.RemoveExpired(nowMillis())
	if len(active.Subscribers) == 0 {
		return
	}

	initiators, err := p.storage.transport.FindNode(ctx, topicID, int(p.k))
	if err != nil {
		p.log.Warnw("push delivery: findNode failed", "topic", topicID, "err", err)
		return
	}
	if len(initiators) == 0 {
		return
	}

	for _, s := range active.Subscribers {
		if dht.AssignInitiator(s.SubscriberID, topicID, initiators) != p.identity {
			continue
		}
		for _, m := range msgs {
			env := PushEnvelope{Type: PushEnvelopeType, TopicID: topicID, Message: m, PushedAt: nowMillis()}
			data, err := env.Marshal()
			if err != nil {
				p.log.Warnw("push delivery: failed to marshal envelope", "topic", topicID, "subscriber", s.SubscriberID, "err", err)
				continue
			}
			if err := p.storage.transport.SendMessage(ctx, s.SubscriberID, data); err != nil {
				p.log.Warnw("push delivery: sendMessage failed", "topic", topicID, "subscriber", s.SubscriberID, "err", err)
			}
		}
	}
}
