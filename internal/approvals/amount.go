package approvals

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// Unlimited is the stored amount for an approval of the maximum uint256 value.
const Unlimited = "-1"

// NormalizeAmount converts a decoded approval amount into its stored form:
// Unlimited for max uint256, the base-10 representation otherwise.
func NormalizeAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	if amount.Cmp(math.MaxBig256) == 0 {
		return Unlimited
	}
	return amount.String()
}

// accumulate adds delta to a stored amount. An Unlimited amount absorbs any
// increase.
func accumulate(stored, delta string) string {
	if stored == Unlimited {
		return stored
	}
	if delta == Unlimited {
		return Unlimited
	}
	a, ok := new(big.Int).SetString(stored, 10)
	if !ok {
		panic(fmt.Sprintf("approvals: stored amount %q is not a base-10 integer", stored))
	}
	b, ok := new(big.Int).SetString(delta, 10)
	if !ok {
		panic(fmt.Sprintf("approvals: amount %q is not a base-10 integer", delta))
	}
	return a.Add(a, b).String()
}
