package balance

import (
	"github.com/nexusdex/spotcore/internal/coreerrors"
	"github.com/nexusdex/spotcore/internal/coretypes"
)

// UserAccount owns one user's balances, indexed directly by AssetId for
// O(1) cache-dense lookup (spec.md §3 "UserAccount"). Only Deposit may grow
// the backing slice.
type UserAccount struct {
	userID coretypes.UserId
	assets []Balance
}

// NewUserAccount creates an account with a small pre-allocated asset table,
// matching the teacher's Vec::with_capacity(8) convention.
func NewUserAccount(userID coretypes.UserId) *UserAccount {
	return &UserAccount{
		userID: userID,
		assets: make([]Balance, 0, 8),
	}
}

// UserID returns the immutable owner id.
func (a *UserAccount) UserID() coretypes.UserId { return a.userID }

// Deposit credits an asset's avail balance, auto-creating the slot if this
// is the account's first touch of that asset.
func (a *UserAccount) Deposit(assetID coretypes.AssetId, amount uint64) error {
	idx := int(assetID)
	if idx >= len(a.assets) {
		grown := make([]Balance, idx+1)
		copy(grown, a.assets)
		a.assets = grown
	}
	return a.assets[idx].Deposit(amount)
}

// BalanceMut returns a mutable pointer to an existing asset slot.
func (a *UserAccount) BalanceMut(assetID coretypes.AssetId) (*Balance, error) {
	idx := int(assetID)
	if idx < 0 || idx >= len(a.assets) {
		return nil, coreerrors.New(coreerrors.CodeInsufficientBalance, "asset not found")
	}
	return &a.assets[idx], nil
}

// BalanceOf returns a read-only snapshot of an asset slot. The second
// return is false if the asset has never been deposited into.
func (a *UserAccount) BalanceOf(assetID coretypes.AssetId) (Balance, bool) {
	idx := int(assetID)
	if idx < 0 || idx >= len(a.assets) {
		return Balance{}, false
	}
	return a.assets[idx], true
}

// Assets returns a read-only view of all balances, indexed by AssetId.
func (a *UserAccount) Assets() []Balance { return a.assets }

// RestoreBalance reinstates one asset slot's avail/frozen/version from a
// durable snapshot record, growing the backing slice as Deposit does.
func (a *UserAccount) RestoreBalance(assetID coretypes.AssetId, avail, frozen, version uint64) {
	idx := int(assetID)
	if idx >= len(a.assets) {
		grown := make([]Balance, idx+1)
		copy(grown, a.assets)
		a.assets = grown
	}
	a.assets[idx].restoreRaw(avail, frozen, version)
}

// CheckBuyerBalance verifies the frozen quote balance covers what settlement
// is about to spend plus whatever it will refund (price improvement).
func (a *UserAccount) CheckBuyerBalance(quoteAssetID coretypes.AssetId, spendQuote, refundQuote uint64) error {
	bal, ok := a.BalanceOf(quoteAssetID)
	if !ok {
		return coreerrors.New(coreerrors.CodeInsufficientBalance, "quote asset not found")
	}
	required := spendQuote + refundQuote
	if bal.Frozen() < required {
		return coreerrors.New(coreerrors.CodeBalanceUnderflow, "insufficient frozen quote funds")
	}
	return nil
}

// CheckSellerBalance is the seller-side counterpart of CheckBuyerBalance.
func (a *UserAccount) CheckSellerBalance(baseAssetID coretypes.AssetId, spendBase, refundBase uint64) error {
	bal, ok := a.BalanceOf(baseAssetID)
	if !ok {
		return coreerrors.New(coreerrors.CodeInsufficientBalance, "base asset not found")
	}
	required := spendBase + refundBase
	if bal.Frozen() < required {
		return coreerrors.New(coreerrors.CodeBalanceUnderflow, "insufficient frozen base funds")
	}
	return nil
}

// SettleAsBuyer applies the three-step settlement mutation order fixed by
// the reference implementation: spend the frozen quote leg, credit the
// gained base leg, then refund any quote lock the trade didn't consume
// (price improvement). Each step is checked; a failure after the first step
// would leave a partially-settled trade, which is why callers MUST have
// already validated via CheckBuyerBalance before committing the trade.
func (a *UserAccount) SettleAsBuyer(quoteAssetID, baseAssetID coretypes.AssetId, spendQuote, gainBase, refundQuote uint64) error {
	quoteBal, err := a.BalanceMut(quoteAssetID)
	if err != nil {
		return err
	}
	if err := quoteBal.SpendFrozen(spendQuote); err != nil {
		return err
	}

	if err := a.Deposit(baseAssetID, gainBase); err != nil {
		return err
	}

	if refundQuote > 0 {
		// Deposit may have grown the asset table; re-fetch the quote slot.
		if quoteBal, err = a.BalanceMut(quoteAssetID); err != nil {
			return err
		}
		if err := quoteBal.Unlock(refundQuote); err != nil {
			return err
		}
	}
	return nil
}

// SettleAsSeller is the mirror of SettleAsBuyer for the seller side of a
// trade: spend frozen base, credit gained quote, refund leftover base lock.
func (a *UserAccount) SettleAsSeller(baseAssetID, quoteAssetID coretypes.AssetId, spendBase, gainQuote, refundBase uint64) error {
	baseBal, err := a.BalanceMut(baseAssetID)
	if err != nil {
		return err
	}
	if err := baseBal.SpendFrozen(spendBase); err != nil {
		return err
	}

	if err := a.Deposit(quoteAssetID, gainQuote); err != nil {
		return err
	}

	if refundBase > 0 {
		// Deposit may have grown the asset table; re-fetch the base slot.
		if baseBal, err = a.BalanceMut(baseAssetID); err != nil {
			return err
		}
		if err := baseBal.Unlock(refundBase); err != nil {
			return err
		}
	}
	return nil
}
