package arbitrage

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
)

var ErrInvariantViolation = errors.New("arbitrage invariant violated")

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Quote holds both legs of a pair. Prices are YES/NO probabilities in [0,1].
type Quote struct {
	PolyYes decimal.Decimal
	PolyNo  decimal.Decimal
	AltYes  decimal.Decimal
	AltNo   decimal.Decimal
}

// QuoteFromYes derives the NO legs as 1 - YES.
func QuoteFromYes(polyYes, altYes decimal.Decimal) Quote {
	return Quote{
		PolyYes: polyYes,
		PolyNo:  one.Sub(polyYes),
		AltYes:  altYes,
		AltNo:   one.Sub(altYes),
	}
}

type Result struct {
	ArbType      string
	TotalCost    decimal.Decimal
	ProfitMargin decimal.Decimal
	ProfitPct    decimal.Decimal
}

// Evaluate picks the cheaper hedge (YES on Polymarket + NO on the other
// venue, or the mirror) and reports it when it costs less than 1 and the
// margin reaches minMargin. YES_NO only wins when strictly cheaper.
func Evaluate(q Quote, minMargin decimal.Decimal) (Result, bool) {
	yesNo := q.PolyYes.Add(q.AltNo)
	noYes := q.PolyNo.Add(q.AltYes)

	arbType, cost := models.ArbNoYes, noYes
	if yesNo.LessThan(noYes) {
		arbType, cost = models.ArbYesNo, yesNo
	}
	if !cost.IsPositive() || !cost.LessThan(one) {
		return Result{}, false
	}
	margin := one.Sub(cost)
	if margin.LessThan(minMargin) {
		return Result{}, false
	}
	return Result{
		ArbType:      arbType,
		TotalCost:    cost,
		ProfitMargin: margin,
		ProfitPct:    margin.Div(cost).Mul(hundred).Round(4),
	}, true
}

// CheckInvariant verifies a row before it is written.
func CheckInvariant(op models.ArbitrageOpportunity) error {
	var legs decimal.Decimal
	switch op.ArbType {
	case models.ArbYesNo:
		legs = op.PolyYes.Add(op.AltNo)
	case models.ArbNoYes:
		legs = op.PolyNo.Add(op.AltYes)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvariantViolation, op.ArbType)
	}
	if !legs.Equal(op.TotalCost) {
		return fmt.Errorf("%w: legs %s != total cost %s", ErrInvariantViolation, legs, op.TotalCost)
	}
	if !op.TotalCost.LessThan(one) {
		return fmt.Errorf("%w: total cost %s >= 1", ErrInvariantViolation, op.TotalCost)
	}
	if !op.ProfitMargin.Equal(one.Sub(op.TotalCost)) || !op.ProfitMargin.IsPositive() {
		return fmt.Errorf("%w: margin %s for cost %s", ErrInvariantViolation, op.ProfitMargin, op.TotalCost)
	}
	return nil
}
