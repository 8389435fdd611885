package ident

import "github.com/anacrolix/dht/v2/krpc"

// ToKRPC converts a protocol ID to the node-ID type used by the
// underlying Kademlia DHT transport (anacrolix/dht/v2), so findNode and
// k-closest results from the DHT layer can be compared against topic and
// subscriber IDs without an intermediate hex round-trip.
func ToKRPC(id ID) krpc.ID {
	return krpc.ID(id)
}

// FromKRPC converts a DHT node ID back into a protocol ID.
func FromKRPC(k krpc.ID) ID {
	return ID(k)
}
