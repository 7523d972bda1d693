// Package money implements arbitrary-precision price and cost arithmetic:
// prices are non-negative decimals per 1000 tokens, and computed costs are
// whole-cent USD amounts produced by ceiling rounding — never negative,
// never rounded down.
package money

import (
	"fmt"
	"math/big"
)

// PricePerThousand is a non-negative, arbitrary-precision price quoted per
// 1000 tokens.
type PricePerThousand struct {
	r *big.Rat
}

// ErrNegativePrice is returned by ParsePrice for a negative input.
type ErrNegativePrice struct{ Input string }

func (e ErrNegativePrice) Error() string {
	return fmt.Sprintf("money: price %q is negative", e.Input)
}

// ParsePrice parses a decimal string (e.g. "3.75", "0.0001") as a
// PricePerThousand. Returns ErrNegativePrice for negative input.
func ParsePrice(s string) (PricePerThousand, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return PricePerThousand{}, fmt.Errorf("money: invalid price %q", s)
	}
	if r.Sign() < 0 {
		return PricePerThousand{}, ErrNegativePrice{Input: s}
	}
	return PricePerThousand{r: r}, nil
}

// MustParsePrice panics on invalid input; intended for static pricing
// tables built at init time, where a malformed literal is a programmer
// error caught immediately rather than a runtime condition.
func MustParsePrice(s string) PricePerThousand {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PricePerThousand) String() string {
	if p.r == nil {
		return "0"
	}
	return p.r.RatString()
}

// Cents is a whole-cent, non-negative USD amount.
type Cents int64

// CostCents computes the ceiling-rounded whole-cent cost of inTokens at
// inPrice plus outTokens at outPrice:
//
//	cost_cents = ceiling((in*in_price + out*out_price) / 1000)
//
// Token counts are clamped to zero if negative (a parser never produces
// negative counts, but a caller building one by hand should not be able to
// produce a negative cost).
func CostCents(inTokens, outTokens int, inPrice, outPrice PricePerThousand) Cents {
	if inTokens < 0 {
		inTokens = 0
	}
	if outTokens < 0 {
		outTokens = 0
	}

	total := new(big.Rat)
	if inPrice.r != nil {
		total.Add(total, new(big.Rat).Mul(big.NewRat(int64(inTokens), 1), inPrice.r))
	}
	if outPrice.r != nil {
		total.Add(total, new(big.Rat).Mul(big.NewRat(int64(outTokens), 1), outPrice.r))
	}
	total.Quo(total, big.NewRat(1000, 1))

	return Cents(ceilRat(total))
}

// ceilRat returns the smallest integer >= r. big.Rat has no built-in
// ceiling, so this derives it from truncating division and checking the
// remainder's sign.
func ceilRat(r *big.Rat) int64 {
	num := r.Num()
	den := r.Denom()

	q := new(big.Int)
	rem := new(big.Int)
	q.QuoRem(num, den, rem)

	if rem.Sign() != 0 && num.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if q.Sign() < 0 {
		// Negative inputs should never occur (prices/tokens are
		// non-negative by construction), but never return a negative cost.
		return 0
	}
	return q.Int64()
}
