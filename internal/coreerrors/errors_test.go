package coreerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CapturesCallerAndKind(t *testing.T) {
	err := New(CodeInvalidPrice, "price must be positive")
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidPrice, err.Code)
	assert.Equal(t, KindValidation, err.Kind)
	assert.Contains(t, err.Function, "TestNew_CapturesCallerAndKind")
	assert.Equal(t, "[INVALID_PRICE] price must be positive", err.Error())
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf(CodeInvalidQty, "qty %d below minimum %d", 0, 1)
	assert.Equal(t, "qty 0 below minimum 1", err.Message)
}

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeWalWriteFailed, "should not construct"))
}

func TestWrap_SetsCauseAndErrorStringIncludesIt(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, CodeWalWriteFailed, "append failed")
	require.NotNil(t, err)
	assert.Equal(t, cause, err.Cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestIs_MatchesCodeThroughWrappedChain(t *testing.T) {
	inner := New(CodeCorruptOrderBook, "book desync")
	outer := Wrap(inner, CodeWalWriteFailed, "recovery aborted")
	assert.True(t, Is(outer, CodeWalWriteFailed))
	assert.False(t, Is(outer, CodeCorruptOrderBook), "Is matches the outermost TradingError only, not nested causes")
}

func TestAs_FindsFirstTradingErrorInChain(t *testing.T) {
	te := New(CodeDuplicateCid, "duplicate client order id")
	var target *TradingError
	assert.True(t, As(te, &target))
	assert.Equal(t, CodeDuplicateCid, target.Code)

	assert.False(t, As(errors.New("plain error"), &target))
	assert.False(t, As(nil, &target))
}

func TestIsFatal_StructuralAndDurabilityOnly(t *testing.T) {
	assert.True(t, IsFatal(New(CodeCorruptOrderBook, "x")))
	assert.True(t, IsFatal(New(CodeWalWriteFailed, "x")))
	assert.False(t, IsFatal(New(CodeInvalidPrice, "x")))
	assert.False(t, IsFatal(errors.New("not a TradingError")))
}

func TestIsRetryable_DurabilityOnly(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeSnapshotCorrupt, "x")))
	assert.False(t, IsRetryable(New(CodeCorruptOrderBook, "x")))
	assert.False(t, IsRetryable(New(CodeInvalidPrice, "x")))
}

func TestWithDetailAndWithCause_ChainableMutators(t *testing.T) {
	cause := errors.New("root cause")
	err := New(CodeOverflow, "price*qty overflow").
		WithDetail("price", uint64(100)).
		WithCause(cause)
	assert.Equal(t, uint64(100), err.Details["price"])
	assert.Equal(t, cause, err.Cause)
}
