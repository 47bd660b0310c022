package pricing

import (
	"fmt"
	"math"
)

// SolverConfig tunes ImpliedVol. The zero value is not usable; start from
// DefaultSolverConfig.
type SolverConfig struct {
	Epsilon  float64 `json:"epsilon"`   // tolerance on |model price - market price|
	MaxIter  int     `json:"max_iter"`  // maximum Newton iterations
	Seed     float64 `json:"seed"`      // initial volatility guess
	MinVega  float64 `json:"min_vega"`  // below this a Newton step is not attempted
	MinSigma float64 `json:"min_sigma"` // lower edge of the volatility bracket
	MaxSigma float64 `json:"max_sigma"` // upper edge of the volatility bracket
}

// DefaultSolverConfig returns epsilon 0.001, 20 iterations and a flat 180%
// seed for every contract.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Epsilon:  0.001,
		MaxIter:  20,
		Seed:     1.8,
		MinVega:  1e-8,
		MinSigma: 1e-6,
		MaxSigma: 10,
	}
}

// Validate reports whether the settings can drive the solver.
func (c SolverConfig) Validate() error {
	switch {
	case !(c.Epsilon > 0):
		return fmt.Errorf("%w: epsilon must be positive, got %g", ErrInvalidConfig, c.Epsilon)
	case c.MaxIter < 1:
		return fmt.Errorf("%w: max_iter must be at least 1, got %d", ErrInvalidConfig, c.MaxIter)
	case c.MinVega < 0:
		return fmt.Errorf("%w: min_vega must not be negative, got %g", ErrInvalidConfig, c.MinVega)
	case !(c.MinSigma > 0) || !(c.MaxSigma > c.MinSigma):
		return fmt.Errorf("%w: need 0 < min_sigma < max_sigma, got [%g, %g]", ErrInvalidConfig, c.MinSigma, c.MaxSigma)
	case !(c.Seed > c.MinSigma && c.Seed < c.MaxSigma):
		return fmt.Errorf("%w: seed %g outside (%g, %g)", ErrInvalidConfig, c.Seed, c.MinSigma, c.MaxSigma)
	}
	return nil
}

// Status tells callers how the iteration ended.
type Status int

const (
	StatusConverged      Status = iota // |loss| dropped below epsilon
	StatusMaxIterations                // iteration budget exhausted
	StatusDegenerateVega               // budget exhausted while vega was below MinVega
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterations:
		return "max_iterations"
	case StatusDegenerateVega:
		return "degenerate_vega"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText lets Status appear by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of one solve. Sigma is always finite; Converged says
// whether it can be trusted.
type Result struct {
	Sigma      float64 `json:"sigma"`
	Converged  bool    `json:"converged"`
	Status     Status  `json:"status"`
	Iterations int     `json:"iterations"`
	Bisections int     `json:"bisections"` // steps where the Newton candidate was replaced by the bracket midpoint
}

// ImpliedVol recovers the volatility at which BlackScholesPrice matches
// q.MarketPrice.
//
// The iteration is Newton-Raphson on loss(σ) = price(σ) - market, with the
// derivative taken from the same dual-number evaluation as the loss. Because
// the price is increasing in σ, each evaluation also tightens a bracket
// (lo, hi). A Newton candidate that leaves the bracket, or a vega below
// cfg.MinVega, is replaced by the bracket midpoint, so σ stays finite and
// positive throughout.
//
// Errors:
//   - ErrInvalidConfig for unusable settings
//   - ErrDomain for invalid quotes, including Expiry <= 0
//   - ErrPriceOutOfBounds when no volatility can produce the market price
//
// Once |loss| < cfg.Epsilon the pending Newton step is taken only when it
// does not increase |loss|, so a converged Sigma always reprices within
// epsilon. Running out of iterations is not an error: the best estimate is
// returned with Converged=false.
func ImpliedVol(q Quote, cfg SolverConfig) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if err := q.validate(); err != nil {
		return Result{}, err
	}
	if q.Expiry <= 0 {
		return Result{}, fmt.Errorf("%w: contract expired (T=%g)", ErrDomain, q.Expiry)
	}
	if math.IsNaN(q.MarketPrice) || math.IsInf(q.MarketPrice, 0) || q.MarketPrice < 0 {
		return Result{}, fmt.Errorf("%w: market price must be finite and non-negative, got %g", ErrDomain, q.MarketPrice)
	}
	lower, upper := PriceBounds(q)
	slack := boundsTolerance * math.Max(upper, 1)
	if q.MarketPrice < lower-slack || q.MarketPrice > upper+slack {
		return Result{}, fmt.Errorf("%w: %g not in [%g, %g]", ErrPriceOutOfBounds, q.MarketPrice, lower, upper)
	}

	sigma := cfg.Seed
	lo, hi := cfg.MinSigma, cfg.MaxSigma
	res := Result{Status: StatusMaxIterations}

	for i := 1; i <= cfg.MaxIter; i++ {
		res.Iterations = i
		loss, vega := lossAndVega(q, sigma)
		if math.IsNaN(loss) {
			res.Sigma = sigma
			return res, fmt.Errorf("%w: price is NaN at sigma=%g", ErrDomain, sigma)
		}

		if loss > 0 {
			hi = math.Min(hi, sigma)
		} else {
			lo = math.Max(lo, sigma)
		}

		degenerate := math.IsNaN(vega) || math.Abs(vega) < cfg.MinVega
		next, newton := 0.5*(lo+hi), false
		if !degenerate {
			if cand := sigma - loss/vega; cand > lo && cand < hi {
				next, newton = cand, true
			}
		}

		if math.Abs(loss) < cfg.Epsilon {
			// A last Newton step is kept only if it does not worsen the fit;
			// where vega is tiny it can jump far from an accurate sigma.
			if newton {
				if nextLoss, _ := lossAndVega(q, next); math.Abs(nextLoss) <= math.Abs(loss) {
					sigma = next
				}
			}
			res.Sigma = sigma
			res.Converged = true
			res.Status = StatusConverged
			return res, nil
		}

		if !newton {
			res.Bisections++
		}
		sigma = next
		if degenerate {
			res.Status = StatusDegenerateVega
		} else {
			res.Status = StatusMaxIterations
		}
	}

	res.Sigma = sigma
	return res, nil
}
