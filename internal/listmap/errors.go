package listmap

import (
	"errors"
	"fmt"

	"github.com/matteso1/chestnut/internal/tier"
)

// MaxCapacity is the largest array, in elements, a list may occupy.
const MaxCapacity = 1 << 28

var (
	// ErrInvalidArgument is returned for a zero key or value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvariantViolation matches every *InvariantViolation.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrListFull is returned when an append would need more than
	// MaxCapacity elements.
	ErrListFull = errors.New("list is full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("list store is closed")
)

// InvariantViolation reports that the count index and the stored array
// disagree. It indicates corrupted state and is never retried.
type InvariantViolation struct {
	Key      uint64
	Count    uint64
	Capacity uint64
	Tier     tier.Tier
	Reason   string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: key %d count %d capacity %d tier %v: %s",
		v.Key, v.Count, v.Capacity, v.Tier, v.Reason)
}

// Is makes errors.Is(err, ErrInvariantViolation) hold.
func (v *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}
