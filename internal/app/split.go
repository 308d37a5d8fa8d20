package app

import "github.com/shopspring/decimal"

// SplitCharge divides a charged amount (in cents) between the reader and the
// platform. Only the reader share is rounded; the fee is whatever remains, so the
// two parts always add up to amount exactly.
func SplitCharge(amount int64, readerShare decimal.Decimal) (readerEarnings, platformFee int64) {
	readerEarnings = decimal.NewFromInt(amount).Mul(readerShare).Round(0).IntPart()
	if readerEarnings < 0 {
		readerEarnings = 0
	}
	if readerEarnings > amount {
		readerEarnings = amount
	}
	return readerEarnings, amount - readerEarnings
}
