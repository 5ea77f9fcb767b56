package gateway

import (
	"fmt"
	"math/big"
)

// referenceDecimals is the decimals basis that route PriceAtomic figures are expressed in.
const referenceDecimals = 6

// ScaleAmount implements invariant I5: the settlement amount sent on-chain equals
// priceAtomic * 10^(decimals-6) when that exponent is positive, else priceAtomic itself.
func ScaleAmount(priceAtomic string, decimals int) (*big.Int, error) {
	n, ok := new(big.Int).SetString(priceAtomic, 10)
	if !ok {
		return nil, fmt.Errorf("invalid priceAtomic: %q", priceAtomic)
	}
	exp := decimals - referenceDecimals
	if exp <= 0 {
		return n, nil
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	return new(big.Int).Mul(n, scale), nil
}
