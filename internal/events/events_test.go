package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusdex/spotcore/internal/coretypes"
)

func TestPublicTradeFrom_ProjectsOnlyPublicFields(t *testing.T) {
	trade := TradeEvent{
		SeqId:           7,
		TradeId:         3,
		SymbolId:        1,
		BuyerOrderId:    10,
		SellerOrderId:   11,
		BuyerUserId:     100,
		SellerUserId:    200,
		Price:           50_000,
		Qty:             2,
		TakerSide:       coretypes.Sell,
		BuyerFeeAmount:  5,
		BuyerFeeAssetId: 1,
		SellerFeeAmount: 10,
		TimestampNs:     123456,
	}

	public := PublicTradeFrom(trade)

	assert.Equal(t, PublicTrade{
		SymbolId:    1,
		Price:       50_000,
		Qty:         2,
		TakerSide:   coretypes.Sell,
		TimestampNs: 123456,
	}, public)
}
