package cluster

import (
	"errors"

	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/storage/node"
)

var errMismatch = errors.New("node sets differ")

// ValidateSets reports whether two node sets hold exactly the same
// objects: every id in a exists in b with an equal crystal and vice
// versa. It is symmetric, and any set validates against itself.
// Cutover refuses a candidate that has not passed this check.
func ValidateSets(a, b *NodeSet) (bool, error) {
	if ok, err := contains(b, a); err != nil || !ok {
		return false, err
	}

	return contains(a, b)
}

// contains reports whether every object of inner exists, with an
// equal crystal, in outer
func contains(outer, inner *NodeSet) (bool, error) {
	err := inner.ForEach(func(id string, c crystal.Crystal) error {
		other, err := outer.Locate(id).Get(id)

		if err == node.ErrNotFound {
			return errMismatch
		}

		if err != nil {
			return err
		}

		if !c.Equal(other) {
			return errMismatch
		}

		return nil
	})

	if err == errMismatch {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
