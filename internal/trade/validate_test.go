package trade_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/martingale/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newValidator() *trade.Validator {
	return trade.NewValidator(d(0.00000001), d(1e9), d(0.01), d(1e9), d(1e10))
}

func TestValidateInput_NormalizesCase(t *testing.T) {
	v := newValidator()
	symbol, side, qty, err := v.ValidateInput(" abc ", " BUY ", d(1.5))
	require.NoError(t, err)
	require.Equal(t, "ABC", symbol)
	require.Equal(t, "buy", side)
	require.True(t, qty.Equal(d(1.5)))
}

func TestValidateInput_Rejections(t *testing.T) {
	v := newValidator()
	cases := []struct {
		name   string
		symbol string
		side   string
		qty    decimal.Decimal
		want   error
	}{
		{"bad side", "ABC", "short", d(1), trade.ErrInvalidSide},
		{"empty side", "ABC", "", d(1), trade.ErrInvalidSide},
		{"digits in symbol", "AB1", "buy", d(1), trade.ErrInvalidSymbol},
		{"empty symbol", "", "buy", d(1), trade.ErrInvalidSymbol},
		{"overlong symbol", "ABCDEFGHIJK", "buy", d(1), trade.ErrInvalidSymbol},
		{"punctuation", "A-B", "buy", d(1), trade.ErrInvalidSymbol},
		{"reserved cash", "CASH", "buy", d(1), trade.ErrReservedSymbol},
		{"reserved lowercase", "null", "buy", d(1), trade.ErrReservedSymbol},
		{"zero quantity", "ABC", "buy", decimal.Zero, trade.ErrInvalidQuantity},
		{"negative quantity", "ABC", "sell", d(-1), trade.ErrInvalidQuantity},
		{"quantity too large", "ABC", "buy", d(2e9), trade.ErrQuantityOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := v.ValidateInput(tc.symbol, tc.side, tc.qty)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidateInput_RoundsQuantityHalfEven(t *testing.T) {
	v := newValidator()
	// 0.000000015 rounds to 0.00000002 at 8 places (ties to even).
	_, _, qty, err := v.ValidateInput("ABC", "buy", decimal.RequireFromString("0.000000015"))
	require.NoError(t, err)
	require.Equal(t, "0.00000002", qty.String())

	_, _, qty, err = v.ValidateInput("ABC", "buy", decimal.RequireFromString("0.000000025"))
	require.NoError(t, err)
	require.Equal(t, "0.00000002", qty.String())
}

func TestValidatePrice_Bounds(t *testing.T) {
	v := newValidator()
	require.NoError(t, v.ValidatePrice(d(100)))
	require.ErrorIs(t, v.ValidatePrice(d(0.001)), trade.ErrCorruptPrice)
	require.ErrorIs(t, v.ValidatePrice(d(2e9)), trade.ErrCorruptPrice)
}

func TestValidateNotional_Cap(t *testing.T) {
	v := newValidator()

	total, err := v.ValidateNotional(d(10), d(100))
	require.NoError(t, err)
	require.True(t, total.Equal(d(1000)))

	_, err = v.ValidateNotional(d(1e8), d(1000))
	require.ErrorIs(t, err, trade.ErrNotionalTooLarge)
}
