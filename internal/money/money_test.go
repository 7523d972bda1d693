package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCostCentsCeilingRounding(t *testing.T) {
	inPrice := MustParsePrice("3.00")
	outPrice := MustParsePrice("15.00")

	// (1 * 3.00 + 1 * 15.00) / 1000 = 0.018 cents -> ceiling to 1 cent.
	got := CostCents(1, 1, inPrice, outPrice)
	require.Equal(t, Cents(1), got)
}

func TestCostCentsExactDivisionDoesNotOverRound(t *testing.T) {
	inPrice := MustParsePrice("1.00")
	outPrice := MustParsePrice("0")

	// 1000 tokens * 1.00 / 1000 = 1.00 cents exactly.
	got := CostCents(1000, 0, inPrice, outPrice)
	require.Equal(t, Cents(1), got)
}

func TestCostCentsNeverNegative(t *testing.T) {
	zero := MustParsePrice("0")
	got := CostCents(-5, -10, zero, zero)
	require.GreaterOrEqual(t, int64(got), int64(0))
}

func TestParsePriceRejectsNegative(t *testing.T) {
	_, err := ParsePrice("-1.5")
	require.Error(t, err)
	require.ErrorAs(t, err, &ErrNegativePrice{})
}

func TestParsePriceRejectsGarbage(t *testing.T) {
	_, err := ParsePrice("not-a-number")
	require.Error(t, err)
}
