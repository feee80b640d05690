package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Instrument holds the exchange tick rules for one symbol.
type Instrument struct {
	Symbol        string
	BaseCurrency  string
	QuoteCurrency string
	QtyStep       decimal.Decimal // minimum quantity increment
	PriceTick     decimal.Decimal // minimum price increment
	MinQuantity   decimal.Decimal
}

// RoundDirection selects which way a price is rounded to the tick grid.
type RoundDirection int

const (
	RoundDown RoundDirection = iota
	RoundUp
)

// NormalizeQuantity rounds a quantity down to the instrument's step size and
// enforces the minimum. Rounding is always down: the exchange rejects
// quantities above the available fill.
func (i Instrument) NormalizeQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	if i.QtyStep.IsZero() {
		return qty, nil
	}
	steps := qty.Div(i.QtyStep).Floor()
	normalized := steps.Mul(i.QtyStep)
	if normalized.LessThan(i.MinQuantity) || normalized.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s after step normalization (min %s)",
			types.ErrInvalidQuantity, normalized, i.MinQuantity)
	}
	return normalized, nil
}

// RoundPrice snaps a price onto the instrument's tick grid in the given
// direction.
func (i Instrument) RoundPrice(price decimal.Decimal, dir RoundDirection) decimal.Decimal {
	if i.PriceTick.IsZero() {
		return price
	}
	ticks := price.Div(i.PriceTick)
	if dir == RoundUp {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	return ticks.Mul(i.PriceTick)
}

// StopPriceFor returns the stop-loss trigger price for a filled entry,
// rounded toward protection: down for a long exit, up for a short exit.
func (i Instrument) StopPriceFor(side types.Side, fillPrice, slRatio decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		// Long position: stop below fill
		raw := fillPrice.Mul(decimal.NewFromInt(1).Sub(slRatio))
		return i.RoundPrice(raw, RoundDown)
	}
	raw := fillPrice.Mul(decimal.NewFromInt(1).Add(slRatio))
	return i.RoundPrice(raw, RoundUp)
}

// TakeProfitPriceFor returns the take-profit price for a filled entry,
// rounded opposite to the stop: up for a long, down for a short.
func (i Instrument) TakeProfitPriceFor(side types.Side, fillPrice, tpRatio decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		raw := fillPrice.Mul(decimal.NewFromInt(1).Add(tpRatio))
		return i.RoundPrice(raw, RoundUp)
	}
	raw := fillPrice.Mul(decimal.NewFromInt(1).Sub(tpRatio))
	return i.RoundPrice(raw, RoundDown)
}
