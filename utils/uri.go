package utils

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sheikhcoders/SheikhPay/types"
)

// PaymentURI builds an EIP-681 payment request URI for wallet deep links and
// QR rendering by the surrounding application. Native transfers encode the
// value directly; token transfers target the contract's transfer call.
func PaymentURI(chain types.Chain, asset types.Asset, recipient string, amount decimal.Decimal) string {
	atomic := amount.Shift(int32(asset.Decimals)).Truncate(0).String()
	if asset.Native() {
		return fmt.Sprintf("ethereum:%s@%d?value=%s", recipient, chain.ChainID(), atomic)
	}
	return fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%s",
		asset.Contract, chain.ChainID(), recipient, atomic)
}
