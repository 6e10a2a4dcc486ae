// Package tier decides which backing array a list lives in and how that
// array changes when one more value is appended.
//
// A list starts in a Small array. When Small is full the next append
// promotes it to a Median array, and when Median is full the next append
// promotes it to Large. Large arrays start at twice the Median capacity
// and double whenever they fill. Everything here is pure; callers own
// storage and locking.
package tier

import (
	"errors"
	"fmt"
)

// Tier identifies one of the backing maps.
type Tier uint8

const (
	// None means the key has no list yet.
	None Tier = iota
	Small
	Median
	Large
)

func (t Tier) String() string {
	switch t {
	case None:
		return "none"
	case Small:
		return "small"
	case Median:
		return "median"
	case Large:
		return "large"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Tiers lists the tiers that own a backing map, in promotion order.
var Tiers = []Tier{Small, Median, Large}

// Action is what an append does to the backing array.
type Action uint8

const (
	// Create allocates the first Small array.
	Create Action = iota
	// Fill writes into the next free slot of the current array.
	Fill
	// Promote copies the values into the next tier's array.
	Promote
	// Grow doubles a full Large array in place.
	Grow
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Fill:
		return "fill"
	case Promote:
		return "promote"
	case Grow:
		return "grow"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("invalid tier policy")

// Policy holds the tier thresholds.
type Policy struct {
	Small  uint64
	Median uint64
}

// Validate requires 1 <= Small < Median.
func (p Policy) Validate() error {
	if p.Small < 1 {
		return fmt.Errorf("%w: small threshold must be at least 1", ErrInvalidPolicy)
	}
	if p.Median <= p.Small {
		return fmt.Errorf("%w: median threshold %d must exceed small threshold %d",
			ErrInvalidPolicy, p.Median, p.Small)
	}
	return nil
}

// For returns the tier selected by count.
func (p Policy) For(count uint64) Tier {
	switch {
	case count == 0:
		return None
	case count <= p.Small:
		return Small
	case count <= p.Median:
		return Median
	default:
		return Large
	}
}

// Capacity is the array size a tier is created with. Large arrays may
// have grown past it.
func (p Policy) Capacity(t Tier) uint64 {
	switch t {
	case Small:
		return p.Small
	case Median:
		return p.Median
	case Large:
		return p.Median * 2
	default:
		return 0
	}
}

// ValidCapacity reports whether an array of capacity n can belong to t.
// Large capacities are Median times a power of two, at least 2.
func (p Policy) ValidCapacity(t Tier, n uint64) bool {
	switch t {
	case Small, Median:
		return n == p.Capacity(t)
	case Large:
		if n < p.Median*2 || n%p.Median != 0 {
			return false
		}
		m := n / p.Median
		return m&(m-1) == 0
	default:
		return n == 0
	}
}

// Step is the outcome of one append.
type Step struct {
	Action   Action
	From     Tier
	To       Tier
	Capacity uint64
}

type cell struct {
	tier Tier
	full bool
}

type rule struct {
	action Action
	to     Tier
	// capacity computes the new array size from the policy and current size.
	capacity func(p Policy, current uint64) uint64
}

func keep(_ Policy, current uint64) uint64 { return current }

var transitions = map[cell]rule{
	{None, false}:   {Create, Small, func(p Policy, _ uint64) uint64 { return p.Small }},
	{Small, false}:  {Fill, Small, keep},
	{Small, true}:   {Promote, Median, func(p Policy, _ uint64) uint64 { return p.Median }},
	{Median, false}: {Fill, Median, keep},
	{Median, true}:  {Promote, Large, func(p Policy, _ uint64) uint64 { return p.Median * 2 }},
	{Large, false}:  {Fill, Large, keep},
	{Large, true}:   {Grow, Large, func(_ Policy, current uint64) uint64 { return current * 2 }},
}

// Next returns the step for appending to a list of count values held in
// an array of the given capacity in tier t. The caller is expected to have
// verified that the array matches t.
func (p Policy) Next(t Tier, count, capacity uint64) (Step, error) {
	c := cell{tier: t, full: t != None && count >= capacity}
	r, ok := transitions[c]
	if !ok {
		return Step{}, fmt.Errorf("no transition from tier %v (full=%t)", t, c.full)
	}
	return Step{
		Action:   r.action,
		From:     t,
		To:       r.to,
		Capacity: r.capacity(p, capacity),
	}, nil
}
