package harness

import (
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

// Trade is one synthetic (amount, price) pair. Both values are positive;
// the submitter applies the role sign per account. Immutable once generated.
type Trade struct {
	Amount decimal.Decimal
	Price  decimal.Decimal
}

func (t Trade) String() string {
	return t.Amount.String() + " @ " + t.Price.String()
}

// GenerateTrades produces n trades randomized around the reference price:
// price in [ref+0.1, ref+0.2] and amount in [0.1, 0.4], each rounded to 4
// decimal places. Order matters: trades are submitted strictly in sequence.
func GenerateTrades(ref decimal.Decimal, n int, rng *rand.Rand) []Trade {
	trades := make([]Trade, n)
	for i := range trades {
		price := ref.Add(decimal.NewFromFloat(0.1 + rng.Float64()*0.1)).Round(4)
		amount := decimal.NewFromFloat(0.1 + rng.Float64()*0.3).Round(4)
		trades[i] = Trade{Amount: amount, Price: price}
	}
	return trades
}

// SumAmounts returns the exact decimal sum of the sequence's amounts: the
// aggregate position delta expected of a long-role account.
func SumAmounts(trades []Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Amount)
	}
	return total
}
