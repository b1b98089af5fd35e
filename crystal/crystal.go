package crystal

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Crystal is the persisted form of a domain object: a value with no
// behavior, sufficient for the crystallizer that produced it to
// reconstruct the original object.
type Crystal struct {
	ID   string `cbor:"id"`
	Kind string `cbor:"kind"`
	Data []byte `cbor:"data"`
}

// Equal reports whether two crystals would reconstruct the same object
func (crystal Crystal) Equal(other Crystal) bool {
	return crystal.ID == other.ID &&
		crystal.Kind == other.Kind &&
		bytes.Equal(crystal.Data, other.Data)
}

// Marshal encodes a crystal for storage
func Marshal(crystal Crystal) ([]byte, error) {
	data, err := cbor.Marshal(crystal)

	if err != nil {
		return nil, fmt.Errorf("could not marshal crystal %q: %s", crystal.ID, err)
	}

	return data, nil
}

// Unmarshal decodes a stored crystal
func Unmarshal(data []byte) (Crystal, error) {
	var crystal Crystal

	if err := cbor.Unmarshal(data, &crystal); err != nil {
		return Crystal{}, fmt.Errorf("could not unmarshal crystal: %s", err)
	}

	return crystal, nil
}

// Object is the only demand the store places on a domain object: a
// stable identifier, unique within a node set.
type Object interface {
	ObjectID() string
}

// Crystallizer translates domain objects to and from their persisted
// form. It is supplied by the domain-object layer; the store treats
// both sides as opaque.
type Crystallizer interface {
	Crystallize(obj Object) (Crystal, error)
	Reconstruct(crystal Crystal) (Object, error)
}
