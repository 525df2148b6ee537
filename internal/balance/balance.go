// Package balance implements the Balance Core's per-(user, asset) ledger
// and the single-authority account store described in spec.md §3-4.2.
package balance

import (
	"github.com/nexusdex/spotcore/internal/coreerrors"
)

// Balance is a single asset's available/frozen/version record. Fields are
// unexported: every mutation goes through one of the methods below, each of
// which uses checked arithmetic and increments version exactly once on
// success. A failed mutation leaves the balance untouched.
type Balance struct {
	avail   uint64
	frozen  uint64
	version uint64
}

// Avail returns the spendable amount.
func (b Balance) Avail() uint64 { return b.avail }

// Frozen returns the amount reserved against open orders.
func (b Balance) Frozen() uint64 { return b.frozen }

// Version returns the monotonic mutation counter.
func (b Balance) Version() uint64 { return b.version }

// Total returns avail+frozen, or an Overflow error if the sum cannot be
// represented — this would indicate data corruption, since every mutation
// path already checks its own arithmetic.
func (b Balance) Total() (uint64, error) {
	total := b.avail + b.frozen
	if total < b.avail {
		return 0, coreerrors.New(coreerrors.CodeOverflow, "balance total overflow")
	}
	return total, nil
}

// Deposit increases avail by amount.
func (b *Balance) Deposit(amount uint64) error {
	newAvail := b.avail + amount
	if newAvail < b.avail {
		return coreerrors.New(coreerrors.CodeOverflow, "deposit overflow")
	}
	b.avail = newAvail
	b.version++
	return nil
}

// Withdraw decreases avail by amount.
func (b *Balance) Withdraw(amount uint64) error {
	if b.avail < amount {
		return coreerrors.New(coreerrors.CodeInsufficientBalance, "insufficient available funds")
	}
	b.avail -= amount
	b.version++
	return nil
}

// Lock moves amount from avail to frozen (order admission).
func (b *Balance) Lock(amount uint64) error {
	if b.avail < amount {
		return coreerrors.New(coreerrors.CodeInsufficientBalance, "insufficient available funds to lock")
	}
	newFrozen := b.frozen + amount
	if newFrozen < b.frozen {
		return coreerrors.New(coreerrors.CodeOverflow, "lock frozen overflow")
	}
	b.avail -= amount
	b.frozen = newFrozen
	b.version++
	return nil
}

// Unlock moves amount from frozen back to avail (cancel/expire/reduce/price
// improvement refund).
func (b *Balance) Unlock(amount uint64) error {
	if b.frozen < amount {
		return coreerrors.New(coreerrors.CodeBalanceUnderflow, "insufficient frozen funds to unlock")
	}
	newAvail := b.avail + amount
	if newAvail < b.avail {
		return coreerrors.New(coreerrors.CodeOverflow, "unlock avail overflow")
	}
	b.frozen -= amount
	b.avail = newAvail
	b.version++
	return nil
}

// SpendFrozen removes amount from frozen without crediting avail (trade
// settlement debit leg).
func (b *Balance) SpendFrozen(amount uint64) error {
	if b.frozen < amount {
		return coreerrors.New(coreerrors.CodeBalanceUnderflow, "insufficient frozen funds to spend")
	}
	b.frozen -= amount
	b.version++
	return nil
}

// restoreRaw sets avail/frozen/version directly from a durable snapshot
// record, bypassing the checked mutation paths above — recovery is
// reinstating a state the system already committed to, not performing a
// new state transition.
func (b *Balance) restoreRaw(avail, frozen, version uint64) {
	b.avail = avail
	b.frozen = frozen
	b.version = version
}

// RefundFrozen atomically spends `spend` from frozen and moves `refund` from
// frozen back to avail — used when a lock exceeded what the trade ultimately
// consumed (price improvement). Validates before mutating so a failure
// leaves the balance untouched.
func (b *Balance) RefundFrozen(spend, refund uint64) error {
	total := spend + refund
	if total < spend {
		return coreerrors.New(coreerrors.CodeOverflow, "refund amount overflow")
	}
	if b.frozen < total {
		return coreerrors.New(coreerrors.CodeBalanceUnderflow, "insufficient frozen funds for refund")
	}
	newAvail := b.avail + refund
	if newAvail < b.avail {
		return coreerrors.New(coreerrors.CodeOverflow, "refund avail overflow")
	}
	b.frozen -= total
	b.avail = newAvail
	b.version++
	return nil
}
