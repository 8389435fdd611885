package dht

import (
	"encoding/binary"

	"github.com/YZ-social/yz.network-sub001/pubsub/ident"
)

// AssignInitiator picks, deterministically and identically for every
// peer, which member of the k-closest-to-topicID initiator set (as
// returned by Transport.FindNode) is responsible for pushing to a given
// subscriber: the first four bytes of hash(subscriberID, topicID) as a
// big-endian uint32, mod the initiator count. initiators must be
// non-empty.
func AssignInitiator(subscriberID, topicID ident.ID, initiators []ident.ID) ident.ID {
	h := ident.NewID(ident.Join(subscriberID.Bytes(), topicID.Bytes()))
	first4 := binary.BigEndian.Uint32(h[:4])
	return initiators[first4%uint32(len(initiators))]
}
