// Package engine implements the payment verification core: transfer
// matching, the payment lifecycle state machine, confirmation tracking, and
// the per-address watcher scheduler.
package engine

import (
	"strings"

	"github.com/sheikhcoders/SheikhPay/types"
)

// Match decides whether a transfer satisfies, under-satisfies,
// over-satisfies, or is irrelevant to a payment. It is a running-total
// reducer: the candidate is judged by the cumulative claimed amount plus its
// own, against the payment's tolerance band. Match is pure; the caller
// performs the atomic claim and the state transition.
//
// The transfer's block time, not wall-clock receipt time, is the
// authoritative timestamp against the rate lock: a transfer broadcast before
// expiry but confirmed slightly after still counts.
func Match(p *types.Payment, t *types.Transfer) types.MatchOutcome {
	if t.Chain != p.Chain {
		return types.MatchNone
	}
	if !strings.EqualFold(t.To, p.RecipientAddress) {
		return types.MatchNone
	}
	if !sameAsset(t.Asset, p.Asset) {
		return types.MatchNone
	}
	if t.Amount.Sign() <= 0 {
		return types.MatchNone
	}
	if t.BlockTime.After(p.RateLockExpiry) {
		return types.MatchNone
	}

	cumulative := p.ClaimedTotal().Add(t.Amount)
	switch {
	case cumulative.LessThan(p.LowerBound()):
		return types.MatchUnderpaid
	case cumulative.GreaterThan(p.UpperBound()):
		return types.MatchOverpaid
	default:
		return types.MatchExact
	}
}

// sameAsset compares assets the way the chain does: token transfers by
// contract address (case-insensitive per EIP-55), native transfers by symbol.
func sameAsset(a, b types.Asset) bool {
	if a.Native() != b.Native() {
		return false
	}
	if a.Native() {
		return a.Symbol == b.Symbol
	}
	return strings.EqualFold(a.Contract, b.Contract)
}
