package data

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/contactkeval/vol-surface/internal/pricing"
)

// SyntheticOptions tunes the generated market. Zero fields take defaults.
type SyntheticOptions struct {
	Seed     int64     // noise seed; same seed, same chain
	AsOf     time.Time // valuation instant; zero follows the wall clock
	Spot     float64   // fixed spot; 0 derives one from the ticker
	Rate     float64
	DivYield float64
}

// synthDataProvider implements Data Provider generating synthetic data: a
// strike grid around spot priced with Black-Scholes over a smile.
type synthDataProvider struct {
	opts      SyntheticOptions
	secondary Provider
}

// syntheticExpiryDays are the listed maturities, in calendar days from the
// AsOf date.
var syntheticExpiryDays = []int{7, 14, 30, 60, 90, 180, 270, 365}

// NewSyntheticProvider prices chains as of opts.AsOf. Pass the instant the
// surface is built at: time to expiry is floored to whole days from it, the
// same way the surface builder counts them, so solving a chain back
// reproduces SmileVol.
func NewSyntheticProvider(opts SyntheticOptions) Provider {
	if !opts.AsOf.IsZero() {
		opts.AsOf = opts.AsOf.UTC()
	}
	return &synthDataProvider{opts: opts}
}

func (synthDataProv *synthDataProvider) asOf() time.Time {
	if synthDataProv.opts.AsOf.IsZero() {
		return time.Now().UTC()
	}
	return synthDataProv.opts.AsOf
}

func (synthDataProv *synthDataProvider) Secondary() Provider {
	return synthDataProv.secondary
}

func (synthDataProv *synthDataProvider) GetSpot(_ context.Context, underlying string) (float64, error) {
	if synthDataProv.opts.Spot > 0 {
		return synthDataProv.opts.Spot, nil
	}
	h := tickerHash(underlying)
	return float64(50 + h%450), nil
}

func (synthDataProv *synthDataProvider) GetExpiries(_ context.Context, _ string) ([]time.Time, error) {
	listed := synthDataProv.asOf().Truncate(24 * time.Hour)
	out := make([]time.Time, 0, len(syntheticExpiryDays))
	for _, d := range syntheticExpiryDays {
		out = append(out, listed.AddDate(0, 0, d))
	}
	return out, nil
}

// GetChain prices calls and puts on strikes from 50% to 150% of spot in
// 2.5% steps. LastPrice is the model price under SmileVol, so solving it
// back recovers the smile; bid and ask straddle it with seeded noise.
func (synthDataProv *synthDataProvider) GetChain(ctx context.Context, underlying string, expiry time.Time) ([]ChainRow, error) {
	spot, err := synthDataProv.GetSpot(ctx, underlying)
	if err != nil {
		return nil, err
	}
	expiry = expiry.UTC().Truncate(24 * time.Hour)
	days := math.Floor(expiry.Sub(synthDataProv.asOf()).Hours() / 24)
	tte := days / 365

	rng := rand.New(rand.NewSource(synthDataProv.opts.Seed ^ int64(tickerHash(underlying)) ^ expiry.Unix()))
	symbol := strings.ToUpper(underlying)

	var out []ChainRow
	for step := 0; step <= 40; step++ {
		strike := math.Round(spot*(0.5+0.025*float64(step))*100) / 100
		vol := SmileVol(math.Log(strike/spot), tte)

		for _, typ := range []pricing.OptionType{pricing.Call, pricing.Put} {
			q := pricing.Quote{
				Spot:     spot,
				Strike:   strike,
				Expiry:   tte,
				Rate:     synthDataProv.opts.Rate,
				DivYield: synthDataProv.opts.DivYield,
				Type:     typ,
			}
			px, err := pricing.BlackScholesPrice(q, vol)
			if err != nil {
				return nil, err
			}
			half := math.Max(0.01, 0.02*px) * (0.5 + rng.Float64())
			bid := math.Max(0, px-half)
			out = append(out, ChainRow{
				Contract:   OptionSymbolFromParts(symbol, expiry, typ, strike),
				Underlying: symbol,
				Type:       typ,
				Strike:     strike,
				Expiry:     expiry,
				Bid:        math.Round(bid*100) / 100,
				Ask:        math.Round((px+half)*100) / 100,
				LastPrice:  px,
				ImpliedVol: vol,
			})
		}
	}
	return out, nil
}

// SmileVol is the volatility the synthetic market is priced with, as a
// function of log-moneyness k = ln(K/S) and time to expiry t in years.
func SmileVol(k, t float64) float64 {
	return 0.2 + 0.1*math.Exp(-2*t) - 0.1*k + 0.5*k*k
}

func tickerHash(underlying string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(underlying)))
	return h.Sum32()
}
