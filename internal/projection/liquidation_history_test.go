package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiquidationHistory_RecentNewestFirst(t *testing.T) {
	h := NewLiquidationHistory(3)
	assert.Empty(t, h.Recent(10))

	for seq := int64(1); seq <= 5; seq++ {
		h.Add(LiquidationEntry{Sequence: seq})
	}

	recent := h.Recent(10)
	assert.Len(t, recent, 3)
	assert.Equal(t, []int64{5, 4, 3}, sequences(recent))
	assert.Equal(t, []int64{5, 4}, sequences(h.Recent(2)))
}

func TestLiquidationHistory_Reset(t *testing.T) {
	h := NewLiquidationHistory(2)
	h.Add(LiquidationEntry{Sequence: 1})
	h.Add(LiquidationEntry{Sequence: 2})
	h.Reset()

	assert.Empty(t, h.Recent(0))
	h.Add(LiquidationEntry{Sequence: 9})
	assert.Equal(t, []int64{9}, sequences(h.Recent(0)))
}

func sequences(entries []LiquidationEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Sequence
	}
	return out
}
