package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{"defaults", Policy{Small: 8, Median: 64}, true},
		{"minimal", Policy{Small: 1, Median: 2}, true},
		{"zero small", Policy{Small: 0, Median: 4}, false},
		{"equal", Policy{Small: 4, Median: 4}, false},
		{"inverted", Policy{Small: 8, Median: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			}
		})
	}
}

func TestPolicy_For(t *testing.T) {
	p := Policy{Small: 2, Median: 4}

	assert.Equal(t, None, p.For(0))
	assert.Equal(t, Small, p.For(1))
	assert.Equal(t, Small, p.For(2))
	assert.Equal(t, Median, p.For(3))
	assert.Equal(t, Median, p.For(4))
	assert.Equal(t, Large, p.For(5))
	assert.Equal(t, Large, p.For(1<<40))
}

func TestPolicy_ValidCapacity(t *testing.T) {
	p := Policy{Small: 2, Median: 4}

	assert.True(t, p.ValidCapacity(Small, 2))
	assert.False(t, p.ValidCapacity(Small, 4))
	assert.True(t, p.ValidCapacity(Median, 4))
	assert.True(t, p.ValidCapacity(Large, 8))
	assert.True(t, p.ValidCapacity(Large, 32))
	assert.False(t, p.ValidCapacity(Large, 4))
	assert.False(t, p.ValidCapacity(Large, 12))
	assert.False(t, p.ValidCapacity(Large, 10))
	assert.True(t, p.ValidCapacity(None, 0))
}

func TestPolicy_NextTable(t *testing.T) {
	p := Policy{Small: 2, Median: 4}

	tests := []struct {
		tier     Tier
		count    uint64
		capacity uint64
		want     Step
	}{
		{None, 0, 0, Step{Create, None, Small, 2}},
		{Small, 1, 2, Step{Fill, Small, Small, 2}},
		{Small, 2, 2, Step{Promote, Small, Median, 4}},
		{Median, 3, 4, Step{Fill, Median, Median, 4}},
		{Median, 4, 4, Step{Promote, Median, Large, 8}},
		{Large, 5, 8, Step{Fill, Large, Large, 8}},
		{Large, 8, 8, Step{Grow, Large, Large, 16}},
		{Large, 16, 16, Step{Grow, Large, Large, 32}},
	}
	for _, tt := range tests {
		t.Run(tt.tier.String(), func(t *testing.T) {
			got, err := p.Next(tt.tier, tt.count, tt.capacity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_NextUnknownTier(t *testing.T) {
	p := Policy{Small: 2, Median: 4}
	_, err := p.Next(Tier(9), 1, 1)
	assert.Error(t, err)
}

// Walking the table from an empty list must land every count in the tier
// For selects, with capacities that only ever grow.
func TestPolicy_WalkAgreesWithFor(t *testing.T) {
	p := Policy{Small: 3, Median: 7}

	current := None
	var capacity uint64
	for count := uint64(0); count < 500; count++ {
		step, err := p.Next(current, count, capacity)
		require.NoError(t, err)
		require.GreaterOrEqual(t, step.Capacity, capacity)

		current, capacity = step.To, step.Capacity
		require.Equal(t, p.For(count+1), current, "count %d", count+1)
		require.True(t, p.ValidCapacity(current, capacity), "count %d capacity %d", count+1, capacity)
		require.LessOrEqual(t, count+1, capacity)
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "median", Median.String())
	assert.Equal(t, "promote", Promote.String())
	assert.Equal(t, "tier(9)", Tier(9).String())
}
