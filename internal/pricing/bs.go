package pricing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/dual"
	"gonum.org/v1/gonum/stat/distuv"
)

// BlackScholesPrice calculates the price of a European option under the
// Black-Scholes model with a continuous dividend yield.
//
// Parameters:
//   - q: contract inputs (spot, strike, expiry, rate, dividend yield, type);
//     MarketPrice is ignored
//   - sigma: volatility of the underlying (annual, as a decimal)
//
// Returns:
//
//	The theoretical price. When the contract has expired (Expiry <= 0) the
//	intrinsic value is returned. Non-positive spot, strike or volatility
//	yield ErrDomain. The result is never negative; far out of the money the
//	two terms cancel to rounding noise, which is clamped to zero.
func BlackScholesPrice(q Quote, sigma float64) (float64, error) {
	if err := q.validate(); err != nil {
		return 0, err
	}
	if q.Expiry <= 0 {
		return Intrinsic(q), nil
	}
	if err := checkSigma(sigma); err != nil {
		return 0, err
	}
	return math.Max(price(q, dual.Number{Real: sigma}).Real, 0), nil
}

// BlackScholesVega returns dPrice/dSigma, obtained by pushing a dual number
// with unit infinitesimal part through the same expression BlackScholesPrice
// evaluates. Expired contracts have zero vega.
func BlackScholesVega(q Quote, sigma float64) (float64, error) {
	if err := q.validate(); err != nil {
		return 0, err
	}
	if q.Expiry <= 0 {
		return 0, nil
	}
	if err := checkSigma(sigma); err != nil {
		return 0, err
	}
	return price(q, dual.Number{Real: sigma, Emag: 1}).Emag, nil
}

// AnalyticVega is the textbook closed form S·e^(-qT)·φ(d1)·√T. The solver
// never calls it; it is kept to cross-check the dual-number derivative.
func AnalyticVega(q Quote, sigma float64) float64 {
	if q.Expiry <= 0 || sigma <= 0 || q.Spot <= 0 || q.Strike <= 0 {
		return 0
	}
	sqrtT := math.Sqrt(q.Expiry)
	d1 := (math.Log(q.Spot/q.Strike) + (q.Rate-q.DivYield+0.5*sigma*sigma)*q.Expiry) / (sigma * sqrtT)
	return q.Spot * math.Exp(-q.DivYield*q.Expiry) * distuv.UnitNormal.Prob(d1) * sqrtT
}

// Intrinsic returns the exercise value max(S-K, 0) for calls and
// max(K-S, 0) for puts.
func Intrinsic(q Quote) float64 {
	if q.Type.IsCall() {
		return math.Max(q.Spot-q.Strike, 0)
	}
	return math.Max(q.Strike-q.Spot, 0)
}

// boundsTolerance is the relative slack PriceBounds checks allow, so prices
// the model itself produced are not rejected over rounding at the edges.
const boundsTolerance = 1e-10

// PriceBounds returns the model-free band any European price must lie in:
// the discounted forward intrinsic as the floor and the discounted spot
// (calls) or discounted strike (puts) as the cap.
func PriceBounds(q Quote) (lower, upper float64) {
	spotPV := q.Spot * math.Exp(-q.DivYield*q.Expiry)
	strikePV := q.Strike * math.Exp(-q.Rate*q.Expiry)
	if q.Type.IsCall() {
		return math.Max(spotPV-strikePV, 0), spotPV
	}
	return math.Max(strikePV-spotPV, 0), strikePV
}

// lossAndVega evaluates price(sigma) - MarketPrice together with its exact
// derivative in a single dual pass.
func lossAndVega(q Quote, sigma float64) (loss, vega float64) {
	p := price(q, dual.Number{Real: sigma, Emag: 1})
	return p.Real - q.MarketPrice, p.Emag
}

// price is the Black-Scholes formula with sigma lifted to a dual number.
// Every other input is a constant, so the infinitesimal part of the result
// is the partial derivative with respect to sigma.
func price(q Quote, sigma dual.Number) dual.Number {
	sqrtT := math.Sqrt(q.Expiry)
	volT := dual.Scale(sqrtT, sigma)

	drift := dual.Number{Real: math.Log(q.Spot/q.Strike) + (q.Rate-q.DivYield)*q.Expiry}
	num := dual.Add(drift, dual.Scale(0.5*q.Expiry, dual.Mul(sigma, sigma)))
	d1 := dual.Mul(num, dual.Inv(volT))
	d2 := dual.Sub(d1, volT)

	spotPV := q.Spot * math.Exp(-q.DivYield*q.Expiry)
	strikePV := q.Strike * math.Exp(-q.Rate*q.Expiry)

	if q.Type.IsCall() {
		return dual.Sub(dual.Scale(spotPV, normCDF(d1)), dual.Scale(strikePV, normCDF(d2)))
	}
	return dual.Sub(dual.Scale(strikePV, normCDF(dual.Scale(-1, d2))), dual.Scale(spotPV, normCDF(dual.Scale(-1, d1))))
}

// normCDF lifts Φ to dual numbers using Φ' = φ.
func normCDF(x dual.Number) dual.Number {
	return dual.Number{
		Real: distuv.UnitNormal.CDF(x.Real),
		Emag: distuv.UnitNormal.Prob(x.Real) * x.Emag,
	}
}

func checkSigma(sigma float64) error {
	if math.IsNaN(sigma) || math.IsInf(sigma, 0) || sigma <= 0 {
		return fmt.Errorf("%w: volatility must be positive and finite, got %g", ErrDomain, sigma)
	}
	return nil
}
