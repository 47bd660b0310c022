// Package surface turns option chains into implied volatility surfaces.
//
// Each contract in the moneyness band is solved (or its reported IV read)
// independently; a contract that cannot be solved is recorded as a Failure
// and the batch carries on.
package surface

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/contactkeval/vol-surface/internal/data"
	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/pricing"
)

// IVSource selects where a point's volatility comes from.
type IVSource string

const (
	IVSolve    IVSource = "solve"    // Newton solve on the market price
	IVReported IVSource = "reported" // volatility quoted by the data source
)

// PriceField selects which chain price is treated as the market price.
type PriceField string

const (
	PriceLast PriceField = "last"
	PriceMid  PriceField = "mid"
)

// Skip reasons, also used as metric labels.
const (
	SkipExpired      = "expired"
	SkipMoneyness    = "moneyness"
	SkipType         = "type"
	SkipNoPrice      = "no_price"
	SkipNoReportedIV = "no_reported_iv"
	SkipOutOfBounds  = "out_of_bounds"
	SkipDomain       = "domain"
	SkipNotConverged = "not_converged"
)

// Config controls which contracts make it onto the surface and how they are
// solved.
type Config struct {
	// Strikes are kept when MoneynessLow*S < K < MoneynessHigh*S.
	MoneynessLow  float64 `json:"moneyness_low"`
	MoneynessHigh float64 `json:"moneyness_high"`

	IVSource    IVSource             `json:"iv_source"`
	PriceField  PriceField           `json:"price_field"`
	OptionTypes []pricing.OptionType `json:"option_types"`

	Rate     float64              `json:"rate"`
	DivYield float64              `json:"div_yield"`
	Solver   pricing.SolverConfig `json:"solver"`

	// MaxExpiries caps how many expiries are fetched, nearest first. 0 means all.
	MaxExpiries int `json:"max_expiries"`

	// TenorDays, when set, restricts the build to the listed expiry that
	// best matches asOf plus each offset, chosen under TenorMatch.
	TenorDays  []int              `json:"tenor_days,omitempty"`
	TenorMatch data.DateMatchType `json:"tenor_match,omitempty"`
}

// DefaultConfig keeps calls within 30% of spot and solves on last price.
func DefaultConfig() Config {
	return Config{
		MoneynessLow:  0.7,
		MoneynessHigh: 1.3,
		IVSource:      IVSolve,
		PriceField:    PriceLast,
		OptionTypes:   []pricing.OptionType{pricing.Call},
		Solver:        pricing.DefaultSolverConfig(),
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if !(c.MoneynessLow >= 0) || !(c.MoneynessHigh > c.MoneynessLow) {
		return fmt.Errorf("%w: moneyness band (%v, %v)", pricing.ErrInvalidConfig, c.MoneynessLow, c.MoneynessHigh)
	}
	switch c.IVSource {
	case IVSolve, IVReported:
	default:
		return fmt.Errorf("%w: iv_source %q", pricing.ErrInvalidConfig, c.IVSource)
	}
	switch c.PriceField {
	case PriceLast, PriceMid:
	default:
		return fmt.Errorf("%w: price_field %q", pricing.ErrInvalidConfig, c.PriceField)
	}
	if len(c.OptionTypes) == 0 {
		return fmt.Errorf("%w: no option types selected", pricing.ErrInvalidConfig)
	}
	if c.MaxExpiries < 0 {
		return fmt.Errorf("%w: max_expiries %d", pricing.ErrInvalidConfig, c.MaxExpiries)
	}
	for _, d := range c.TenorDays {
		if d <= 0 {
			return fmt.Errorf("%w: tenor_days must be positive, got %d", pricing.ErrInvalidConfig, d)
		}
	}
	if c.IVSource == IVSolve {
		return c.Solver.Validate()
	}
	return nil
}

// Point is one solved contract on the surface.
type Point struct {
	Contract   string             `json:"contract"`
	Type       pricing.OptionType `json:"type"`
	Strike     float64            `json:"strike"`
	Expiry     time.Time          `json:"expiry"`
	Moneyness  float64            `json:"moneyness"` // S/K
	TTE        float64            `json:"tte"`       // years
	IV         float64            `json:"iv"`
	Price      float64            `json:"market_price"`
	Iterations int                `json:"iterations,omitempty"`
}

// Row is one contract of the accumulated chain table.
type Row struct {
	Symbol     string    `json:"symbol"`
	Contract   string    `json:"contract"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	LastPrice  float64   `json:"last_price"`
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
	DTE        float64   `json:"dte"` // years, same as the point's TTE
}

// Failure records a contract that passed the band filter but produced no
// point.
type Failure struct {
	Contract string    `json:"contract"`
	Strike   float64   `json:"strike"`
	Expiry   time.Time `json:"expiry"`
	Reason   string    `json:"reason"`
	Detail   string    `json:"detail,omitempty"`
}

// Surface is the result of one build.
type Surface struct {
	Underlying string         `json:"underlying"`
	Spot       float64        `json:"spot"`
	AsOf       time.Time      `json:"as_of"`
	Points     []Point        `json:"points"`
	Rows       []Row          `json:"rows"`
	Failures   []Failure      `json:"failures,omitempty"`
	Skipped    map[string]int `json:"skipped,omitempty"` // filtered before solving, by reason
}

// Recorder receives per-contract outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveSolve(status string, iterations int)
	ObserveSkip(reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSolve(string, int) {}
func (nopRecorder) ObserveSkip(string)       {}

// Builder fetches chains from a Provider and assembles surfaces.
type Builder struct {
	provider data.Provider
	cfg      Config
	rec      Recorder
}

// NewBuilder returns a Builder. The provider may be nil when only
// BuildFromChain is used.
func NewBuilder(provider data.Provider, cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{provider: provider, cfg: cfg, rec: nopRecorder{}}, nil
}

// WithMetrics makes the builder report outcomes to r.
func (b *Builder) WithMetrics(r Recorder) *Builder {
	if r == nil {
		r = nopRecorder{}
	}
	b.rec = r
	return b
}

// Config returns the builder's configuration.
func (b *Builder) Config() Config { return b.cfg }

// Build fetches spot, expiries and chains for underlying and solves every
// contract in the band. Only provider failures on spot or expiries are
// returned as errors; a failed chain fetch for one expiry is logged and
// skipped.
func (b *Builder) Build(ctx context.Context, underlying string, asOf time.Time) (*Surface, error) {
	if b.provider == nil {
		return nil, errors.New("surface: no data provider configured")
	}
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return nil, errors.New("surface: empty underlying")
	}

	spot, err := b.provider.GetSpot(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("spot %s: %w", underlying, err)
	}
	expiries, err := b.provider.GetExpiries(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("expiries %s: %w", underlying, err)
	}
	if len(b.cfg.TenorDays) > 0 {
		expiries = ResolveTenors(asOf, b.cfg.TenorDays, expiries, b.cfg.TenorMatch)
	}
	logger.Infof("building surface for %s: spot=%.4f expiries=%d", underlying, spot, len(expiries))

	var rows []data.ChainRow
	fetched := 0
	for _, exp := range expiries {
		if b.cfg.MaxExpiries > 0 && fetched >= b.cfg.MaxExpiries {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if daysToExpiry(asOf, exp) <= 0 {
			continue // expired listings are not worth a request
		}
		chain, err := b.provider.GetChain(ctx, underlying, exp)
		if err != nil {
			logger.Errorf("chain %s %s: %v", underlying, exp.Format("2006-01-02"), err)
			continue
		}
		fetched++
		rows = append(rows, chain...)
	}

	return b.BuildFromChain(underlying, spot, asOf, rows), nil
}

// BuildFromChain solves an already fetched chain.
func (b *Builder) BuildFromChain(underlying string, spot float64, asOf time.Time, chain []data.ChainRow) *Surface {
	s := &Surface{
		Underlying: strings.ToUpper(underlying),
		Spot:       spot,
		AsOf:       asOf.UTC(),
		Points:     []Point{},
		Rows:       []Row{},
		Skipped:    map[string]int{},
	}

	for _, r := range chain {
		if !b.wantType(r.Type) {
			b.skip(s, SkipType)
			continue
		}
		if !(r.Strike > b.cfg.MoneynessLow*spot && r.Strike < b.cfg.MoneynessHigh*spot) {
			b.skip(s, SkipMoneyness)
			continue
		}

		tte := daysToExpiry(asOf, r.Expiry) / 365
		s.Rows = append(s.Rows, Row{
			Symbol:     s.Underlying,
			Contract:   r.Contract,
			Bid:        r.Bid,
			Ask:        r.Ask,
			LastPrice:  r.LastPrice,
			Strike:     r.Strike,
			Expiration: r.Expiry,
			DTE:        tte,
		})
		if tte <= 0 {
			b.skip(s, SkipExpired)
			continue
		}

		p, fail := b.point(spot, tte, r)
		if fail != nil {
			s.Failures = append(s.Failures, *fail)
			b.rec.ObserveSkip(fail.Reason)
			logger.Warnf("%s skipped: %s %s", r.Contract, fail.Reason, fail.Detail)
			continue
		}
		s.Points = append(s.Points, p)
	}

	logger.Infof("surface %s: %d points, %d rows, %d failures", s.Underlying, len(s.Points), len(s.Rows), len(s.Failures))
	return s
}

func (b *Builder) point(spot, tte float64, r data.ChainRow) (Point, *Failure) {
	fail := func(reason, detail string) *Failure {
		return &Failure{Contract: r.Contract, Strike: r.Strike, Expiry: r.Expiry, Reason: reason, Detail: detail}
	}

	price := r.LastPrice
	if b.cfg.PriceField == PriceMid {
		price = r.Mid()
	}
	q := pricing.Quote{
		Spot:        spot,
		Strike:      r.Strike,
		Expiry:      tte,
		Rate:        b.cfg.Rate,
		DivYield:    b.cfg.DivYield,
		Type:        r.Type,
		MarketPrice: price,
	}
	p := Point{
		Contract:  r.Contract,
		Type:      r.Type,
		Strike:    r.Strike,
		Expiry:    r.Expiry,
		Moneyness: q.Moneyness(),
		TTE:       tte,
		Price:     price,
	}

	if b.cfg.IVSource == IVReported {
		if !(r.ImpliedVol > 0) || math.IsInf(r.ImpliedVol, 0) {
			return Point{}, fail(SkipNoReportedIV, "")
		}
		p.IV = r.ImpliedVol
		return p, nil
	}

	if !(price > 0) {
		return Point{}, fail(SkipNoPrice, "")
	}
	res, err := pricing.ImpliedVol(q, b.cfg.Solver)
	switch {
	case errors.Is(err, pricing.ErrPriceOutOfBounds):
		return Point{}, fail(SkipOutOfBounds, err.Error())
	case err != nil:
		return Point{}, fail(SkipDomain, err.Error())
	}
	b.rec.ObserveSolve(res.Status.String(), res.Iterations)
	if !res.Converged {
		return Point{}, fail(SkipNotConverged, fmt.Sprintf("%s after %d iterations, sigma=%.6f", res.Status, res.Iterations, res.Sigma))
	}
	p.IV = res.Sigma
	p.Iterations = res.Iterations
	return p, nil
}

// ResolveTenors maps each day offset from asOf to a listed expiry using
// data.MatchExpiry. Offsets that match nothing are dropped and duplicates
// collapse, so the result is sorted and unique.
func ResolveTenors(asOf time.Time, tenorDays []int, expiries []time.Time, mode data.DateMatchType) []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, d := range tenorDays {
		candidate := asOf.UTC().Truncate(24*time.Hour).AddDate(0, 0, d)
		exp := data.MatchExpiry(candidate, expiries, mode)
		if exp.IsZero() || seen[exp] {
			if exp.IsZero() {
				logger.Debugf("no expiry matches tenor %dd (%s)", d, mode)
			}
			continue
		}
		seen[exp] = true
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (b *Builder) wantType(t pricing.OptionType) bool {
	for _, want := range b.cfg.OptionTypes {
		if want == t {
			return true
		}
	}
	return false
}

func (b *Builder) skip(s *Surface, reason string) {
	s.Skipped[reason]++
	b.rec.ObserveSkip(reason)
}

// daysToExpiry counts whole calendar days from asOf to expiry, floored, so
// a contract expiring later today has zero days left.
func daysToExpiry(asOf, expiry time.Time) float64 {
	return math.Floor(expiry.Sub(asOf).Hours() / 24)
}
