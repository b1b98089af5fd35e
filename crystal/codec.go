package crystal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes and deserializes domain objects. It is the
// format-codec collaborator: any text or binary format works as long
// as Deserialize(Serialize(v)) restores v.
type Codec interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}

var _ Codec = (*CBORCodec)(nil)

// CBORCodec is the default codec
type CBORCodec struct {
}

func (codec *CBORCodec) Serialize(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (codec *CBORCodec) Deserialize(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

var _ Crystallizer = (*CodecCrystallizer)(nil)

// CodecCrystallizer builds crystals of a single kind by running
// objects through a codec. New must allocate an empty object for
// Reconstruct to deserialize into.
type CodecCrystallizer struct {
	Kind  string
	Codec Codec
	New   func() Object
}

func (crystallizer *CodecCrystallizer) Crystallize(obj Object) (Crystal, error) {
	data, err := crystallizer.Codec.Serialize(obj)

	if err != nil {
		return Crystal{}, fmt.Errorf("could not crystallize %q: %s", obj.ObjectID(), err)
	}

	return Crystal{
		ID:   obj.ObjectID(),
		Kind: crystallizer.Kind,
		Data: data,
	}, nil
}

func (crystallizer *CodecCrystallizer) Reconstruct(crystal Crystal) (Object, error) {
	if crystal.Kind != crystallizer.Kind {
		return nil, fmt.Errorf("could not reconstruct %q: kind %q does not match %q", crystal.ID, crystal.Kind, crystallizer.Kind)
	}

	obj := crystallizer.New()

	if err := crystallizer.Codec.Deserialize(crystal.Data, obj); err != nil {
		return nil, fmt.Errorf("could not reconstruct %q: %s", crystal.ID, err)
	}

	return obj, nil
}
