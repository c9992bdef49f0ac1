// Package gbm implements the discretized Geometric Brownian Motion step
// used to evolve instrument prices, plus the parameter sampling applied
// when a new instrument is minted.
//
// One step advances the price by
//
//	next = price * exp((μ - 0.5·σ²)·Δt + σ·√Δt·Z)
//
// where Z is a standard-normal draw. The -0.5σ²Δt term is the Itô
// correction that keeps E[next] = price·exp(μΔt) exact under log-normal
// dynamics; with μ = 0 the process is a martingale.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses float64, with results converted back
// to decimal and rejected if non-finite.
package gbm

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice is returned when the starting price is not strictly positive.
	ErrInvalidPrice = errors.New("gbm: price must be positive")

	// ErrInvalidVolatility is returned when σ is negative or non-finite.
	ErrInvalidVolatility = errors.New("gbm: volatility must be non-negative and finite")

	// ErrInvalidStep is returned when Δt is not strictly positive.
	ErrInvalidStep = errors.New("gbm: time step must be positive")

	// ErrNonFiniteDraw is returned when the upstream RNG produces a
	// non-finite draw. The caller must retain the previous price.
	ErrNonFiniteDraw = errors.New("gbm: non-finite standard-normal draw")

	// ErrNonFiniteResult is returned when the step would produce a
	// non-finite or non-positive price. The caller must retain the
	// previous price.
	ErrNonFiniteResult = errors.New("gbm: step produced a non-finite price")

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8

	// MinPrice is the floor applied after rounding so a price can never
	// collapse to zero through repeated downward steps.
	MinPrice = decimal.NewFromFloat(0.01)
)

// Step computes one GBM price step. It fails closed: any non-finite input
// or output is rejected with an error and no price is produced.
func Step(price, sigma, mu decimal.Decimal, dt, z float64) (decimal.Decimal, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidPrice
	}
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return decimal.Zero, ErrInvalidStep
	}
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return decimal.Zero, ErrNonFiniteDraw
	}

	sf := sigma.InexactFloat64()
	mf := mu.InexactFloat64()
	pf := price.InexactFloat64()

	if sf < 0 || math.IsNaN(sf) || math.IsInf(sf, 0) {
		return decimal.Zero, ErrInvalidVolatility
	}

	logReturn := (mf-0.5*sf*sf)*dt + sf*math.Sqrt(dt)*z
	next := pf * math.Exp(logReturn)

	if math.IsNaN(next) || math.IsInf(next, 0) || next <= 0 {
		return decimal.Zero, ErrNonFiniteResult
	}

	result := decimal.NewFromFloat(next).Round(PriceScale)
	if result.LessThan(MinPrice) {
		return MinPrice, nil
	}
	return result, nil
}

// Generator produces successive prices for instruments using a fixed Δt
// and a source of independent standard-normal draws. The draw source is
// injectable so tests can pin Z.
type Generator struct {
	dt    float64
	randn func() float64
}

// NewGenerator creates a Generator with the given tick duration. Pass nil
// for randn to use the default math/rand/v2 source.
func NewGenerator(dt time.Duration, randn func() float64) *Generator {
	if randn == nil {
		randn = rand.NormFloat64
	}
	return &Generator{dt: dt.Seconds(), randn: randn}
}

// Next draws an independent Z and steps the price forward once.
func (g *Generator) Next(price, sigma, mu decimal.Decimal) (decimal.Decimal, error) {
	return Step(price, sigma, mu, g.dt, g.randn())
}

// Dt returns the generator's time step in seconds.
func (g *Generator) Dt() float64 {
	return g.dt
}

// SampleVolatility draws σ uniformly from [min, max].
func SampleVolatility(r *rand.Rand, min, max float64) decimal.Decimal {
	if max < min {
		min, max = max, min
	}
	v := min + r.Float64()*(max-min)
	return decimal.NewFromFloat(v).Round(PriceScale)
}

// SampleDrift draws μ from a normal distribution with the configured mean
// and standard deviation, clamped to [-σ, σ] so drift never dominates
// per-tick noise.
func SampleDrift(r *rand.Rand, mean, stddev float64, sigma decimal.Decimal) decimal.Decimal {
	mu := mean + r.NormFloat64()*stddev
	bound := sigma.InexactFloat64()
	if mu > bound {
		mu = bound
	}
	if mu < -bound {
		mu = -bound
	}
	return decimal.NewFromFloat(mu).Round(PriceScale)
}

// SampleHorizon draws an expiration horizon uniformly from [min, max].
func SampleHorizon(r *rand.Rand, min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	if max == min {
		return min
	}
	return min + time.Duration(r.Int64N(int64(max-min)))
}
