package coretypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorstPrice_BuySideIsMaxUint64(t *testing.T) {
	assert.Equal(t, MaxPrice, WorstPrice(Buy))
}

func TestWorstPrice_SellSideIsZero(t *testing.T) {
	assert.Equal(t, MinPrice, WorstPrice(Sell))
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusExpired, StatusRejected}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %v should be terminal", s)
	}

	nonTerminal := []OrderStatus{StatusNew, StatusPartiallyFilled}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "status %v should not be terminal", s)
	}
}
