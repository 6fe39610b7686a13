// Package utils holds small validation and formatting helpers shared by the
// engine and its callers.
package utils

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ValidateAddress checks an EVM address: 0x prefix, 20 hex bytes.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("address must start with 0x")
	}
	if len(address) != 42 {
		return fmt.Errorf("address must be 42 characters long, got %d", len(address))
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}

// ValidateTxHash checks an EVM transaction hash: 0x prefix, 32 hex bytes.
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 66 characters long, got %d", len(hash))
	}
	if !isHexString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

// ValidateAmount parses a positive decimal amount string.
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return dec, nil
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}
