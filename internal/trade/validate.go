// Package trade provides the trade execution pipeline, its HTTP handlers,
// and the WebSocket hub for event broadcasting.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Rounding, where unavoidable, is round-half-to-even.
package trade

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Validation and execution errors, ordered roughly by pipeline stage.
// Everything here is caller-visible with a specific, non-leaking reason.
var (
	ErrInvalidSide        = errors.New("trade: side must be \"buy\" or \"sell\"")
	ErrInvalidSymbol      = errors.New("trade: symbol must be uppercase letters only")
	ErrReservedSymbol     = errors.New("trade: symbol is reserved and cannot be traded")
	ErrInvalidQuantity    = errors.New("trade: quantity must be a finite positive number")
	ErrQuantityOutOfRange = errors.New("trade: quantity outside allowed bounds")
	ErrUnknownInstrument  = errors.New("trade: unknown instrument")
	ErrInstrumentExpired  = errors.New("trade: instrument has expired and can no longer be traded")
	ErrCorruptPrice       = errors.New("trade: instrument price failed sanity check")
	ErrNotionalTooLarge   = errors.New("trade: total trade value exceeds maximum")
	ErrInsufficientCash   = errors.New("trade: insufficient cash")
	ErrInsufficientShares = errors.New("trade: insufficient holdings")
)

// quantityScale and cashScale are the fixed decimal precisions for
// quantities and cash amounts.
const (
	quantityScale int32 = 8
	cashScale     int32 = 8
)

// symbolPattern accepts short uppercase alphabetic codes. Anything else —
// lowercase, digits, punctuation, over-long input — is rejected before it
// reaches a lookup.
var symbolPattern = regexp.MustCompile(`^[A-Z]{1,10}$`)

// reservedSymbols can never be traded even if an instrument somehow
// carries one of these codes.
var reservedSymbols = map[string]bool{
	"NULL": true, "NONE": true, "CASH": true, "USD": true,
	"SYSTEM": true, "ADMIN": true, "TEST": true,
}

// Validator performs the stage-1/3/4 checks of the execution pipeline
// using configured bounds.
type Validator struct {
	minQuantity decimal.Decimal
	maxQuantity decimal.Decimal
	minPrice    decimal.Decimal
	maxPrice    decimal.Decimal
	maxNotional decimal.Decimal
}

// NewValidator creates a validator with the given bounds.
func NewValidator(minQty, maxQty, minPrice, maxPrice, maxNotional decimal.Decimal) *Validator {
	return &Validator{
		minQuantity: minQty,
		maxQuantity: maxQty,
		minPrice:    minPrice,
		maxPrice:    maxPrice,
		maxNotional: maxNotional,
	}
}

// ValidateInput is stage 1: side, symbol pattern, reserved words, and
// quantity bounds. Returns the normalized side, symbol, and quantity
// rounded to the fixed precision.
func (v *Validator) ValidateInput(symbol, side string, quantity decimal.Decimal) (string, string, decimal.Decimal, error) {
	side = strings.ToLower(strings.TrimSpace(side))
	if side != "buy" && side != "sell" {
		return "", "", decimal.Zero, ErrInvalidSide
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(symbol) {
		return "", "", decimal.Zero, ErrInvalidSymbol
	}
	if reservedSymbols[symbol] {
		return "", "", decimal.Zero, fmt.Errorf("%w: %s", ErrReservedSymbol, symbol)
	}

	if quantity.LessThanOrEqual(decimal.Zero) {
		return "", "", decimal.Zero, ErrInvalidQuantity
	}
	quantity = quantity.RoundBank(quantityScale)
	if quantity.LessThan(v.minQuantity) || quantity.GreaterThan(v.maxQuantity) {
		return "", "", decimal.Zero, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrQuantityOutOfRange, quantity, v.minQuantity, v.maxQuantity)
	}

	return symbol, side, quantity, nil
}

// ValidatePrice is stage 3: the registry's current price must itself be
// within sane bounds, guarding against upstream generator corruption.
func (v *Validator) ValidatePrice(price decimal.Decimal) error {
	if price.LessThan(v.minPrice) || price.GreaterThan(v.maxPrice) {
		return fmt.Errorf("%w: %s not in [%s, %s]",
			ErrCorruptPrice, price, v.minPrice, v.maxPrice)
	}
	return nil
}

// ValidateNotional is stage 4: quantity × price must not exceed the
// configured maximum trade value. Returns the rounded total.
func (v *Validator) ValidateNotional(quantity, price decimal.Decimal) (decimal.Decimal, error) {
	total := quantity.Mul(price).RoundBank(cashScale)
	if total.GreaterThan(v.maxNotional) {
		return decimal.Zero, fmt.Errorf("%w: %s > %s", ErrNotionalTooLarge, total, v.maxNotional)
	}
	return total, nil
}
