package exchange

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

func btcInstrument() Instrument {
	return Instrument{
		Symbol:        "BTC_USDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		QtyStep:       decimal.RequireFromString("0.00000001"),
		PriceTick:     decimal.RequireFromString("0.01"),
		MinQuantity:   decimal.RequireFromString("0.00000100"),
	}
}

func TestNormalizeQuantity_FloorsToStep(t *testing.T) {
	inst := Instrument{
		QtyStep:     decimal.RequireFromString("0.0001"),
		MinQuantity: decimal.RequireFromString("0.0001"),
	}

	got, err := inst.NormalizeQuantity(decimal.RequireFromString("0.00011500"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("normalized = %s, want 0.0001", got)
	}
}

func TestNormalizeQuantity_ExactMultipleUnchanged(t *testing.T) {
	inst := btcInstrument()

	got, err := inst.NormalizeQuantity(decimal.RequireFromString("0.00011119"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.00011119")) {
		t.Errorf("normalized = %s, want 0.00011119", got)
	}
}

func TestNormalizeQuantity_BelowMinimumRejected(t *testing.T) {
	inst := btcInstrument()

	_, err := inst.NormalizeQuantity(decimal.RequireFromString("0.00000050"))
	if err == nil {
		t.Fatal("Expected error for quantity below minimum")
	}
	if !errors.Is(err, types.ErrInvalidQuantity) {
		t.Errorf("error = %v, want ErrInvalidQuantity", err)
	}
}

func TestNormalizeQuantity_ZeroStepPassesThrough(t *testing.T) {
	inst := Instrument{}

	qty := decimal.RequireFromString("1.23456789")
	got, err := inst.NormalizeQuantity(qty)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got.Equal(qty) {
		t.Errorf("normalized = %s, want %s", got, qty)
	}
}

func TestRoundPrice_Directions(t *testing.T) {
	inst := btcInstrument()
	price := decimal.RequireFromString("100.005")

	down := inst.RoundPrice(price, RoundDown)
	if !down.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("RoundDown = %s, want 100.00", down)
	}

	up := inst.RoundPrice(price, RoundUp)
	if !up.Equal(decimal.RequireFromString("100.01")) {
		t.Errorf("RoundUp = %s, want 100.01", up)
	}
}

func TestStopPriceFor_LongRoundsDown(t *testing.T) {
	inst := btcInstrument()

	// 2% stop below 100.005 = 98.0049, floored to the tick grid.
	got := inst.StopPriceFor(types.SideBuy,
		decimal.RequireFromString("100.005"), decimal.RequireFromString("0.02"))
	if !got.Equal(decimal.RequireFromString("98.00")) {
		t.Errorf("stop = %s, want 98.00", got)
	}
}

func TestStopPriceFor_ShortRoundsUp(t *testing.T) {
	inst := btcInstrument()

	// Short exit stop sits above the fill and rounds up: 100.005 * 1.02 =
	// 102.0051 → 102.01.
	got := inst.StopPriceFor(types.SideSell,
		decimal.RequireFromString("100.005"), decimal.RequireFromString("0.02"))
	if !got.Equal(decimal.RequireFromString("102.01")) {
		t.Errorf("stop = %s, want 102.01", got)
	}
}

func TestTakeProfitPriceFor_OppositeRounding(t *testing.T) {
	inst := btcInstrument()
	fill := decimal.RequireFromString("100.005")
	ratio := decimal.RequireFromString("0.04")

	long := inst.TakeProfitPriceFor(types.SideBuy, fill, ratio)
	// 100.005 * 1.04 = 104.0052 → rounds up to 104.01.
	if !long.Equal(decimal.RequireFromString("104.01")) {
		t.Errorf("long TP = %s, want 104.01", long)
	}

	short := inst.TakeProfitPriceFor(types.SideSell, fill, ratio)
	// 100.005 * 0.96 = 96.0048 → rounds down to 96.00.
	if !short.Equal(decimal.RequireFromString("96.00")) {
		t.Errorf("short TP = %s, want 96.00", short)
	}
}
