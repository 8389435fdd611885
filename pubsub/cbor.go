package pubsub

import (
	"github.com/fxamacker/cbor/v2"
)

// codec is the single canonical, deterministic CBOR encoder/decoder used
// for every DHT-stored object and for the signable byte string of every
// signed record. Canonical mode sorts map keys and fixes integer/float
// encodings so that two participants serializing the same struct always
// produce identical bytes.
var codec = mustCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func mustCodec() cborCodec {
	encOpts := cbor.CanonicalEncOptions()
	encMode, err := encOpts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: encMode, dec: decMode}
}

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}
