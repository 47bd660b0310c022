package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrDomain is returned when inputs fall outside the region where the
	// Black-Scholes formula is defined (non-positive spot/strike/volatility,
	// expired contracts passed to the solver, NaN or Inf inputs).
	ErrDomain = errors.New("pricing: input outside model domain")

	// ErrPriceOutOfBounds is returned when the market price lies outside the
	// no-arbitrage band, so no volatility can reproduce it.
	ErrPriceOutOfBounds = errors.New("pricing: market price outside no-arbitrage bounds")

	// ErrInvalidConfig is returned for unusable solver settings.
	ErrInvalidConfig = errors.New("pricing: invalid solver config")
)

// OptionType discriminates calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// ParseOptionType accepts "call"/"put" as well as the one-letter forms used
// in OCC symbols.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c":
		return Call, nil
	case "put", "p":
		return Put, nil
	}
	return "", fmt.Errorf("%w: unknown option type %q", ErrDomain, s)
}

// IsCall reports whether the contract is a call.
func (t OptionType) IsCall() bool { return t == Call }

func (t OptionType) valid() bool { return t == Call || t == Put }

// Quote is a single option contract observation: everything the pricer and
// the solver need except the volatility itself.
type Quote struct {
	Spot        float64    `json:"spot"`         // underlying price
	Strike      float64    `json:"strike"`       // strike price
	Expiry      float64    `json:"expiry"`       // time to expiry in years
	Rate        float64    `json:"rate"`         // continuously compounded risk-free rate
	DivYield    float64    `json:"div_yield"`    // continuously compounded dividend yield
	Type        OptionType `json:"type"`         // call or put
	MarketPrice float64    `json:"market_price"` // observed premium
}

// validate checks the inputs shared by the pricer and the solver. Expiry is
// checked by the callers since their policies differ.
func (q Quote) validate() error {
	for name, v := range map[string]float64{
		"spot": q.Spot, "strike": q.Strike, "expiry": q.Expiry,
		"rate": q.Rate, "div_yield": q.DivYield,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is %v", ErrDomain, name, v)
		}
	}
	if q.Spot <= 0 {
		return fmt.Errorf("%w: spot must be positive, got %g", ErrDomain, q.Spot)
	}
	if q.Strike <= 0 {
		return fmt.Errorf("%w: strike must be positive, got %g", ErrDomain, q.Strike)
	}
	if !q.Type.valid() {
		return fmt.Errorf("%w: unknown option type %q", ErrDomain, q.Type)
	}
	return nil
}

// Moneyness returns S/K.
func (q Quote) Moneyness() float64 {
	return q.Spot / q.Strike
}
