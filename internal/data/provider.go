package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/contactkeval/vol-surface/internal/pricing"
)

// ErrNotSupported is returned by a provider that cannot serve a request and
// has no secondary to delegate to.
var ErrNotSupported = errors.New("data: operation not supported by provider")

const dateLayout = "2006-01-02"

type DateMatchType string

const (
	MatchExact   DateMatchType = "exact"   // must match exactly
	MatchHigher  DateMatchType = "higher"  // next available date after target
	MatchLower   DateMatchType = "lower"   // last available date before target
	MatchNearest DateMatchType = "nearest" // closest available date (default)
)

// Provider supplies option chain data for one underlying at a time.
type Provider interface {
	Secondary() Provider
	GetSpot(ctx context.Context, underlying string) (float64, error)
	GetExpiries(ctx context.Context, underlying string) ([]time.Time, error)
	GetChain(ctx context.Context, underlying string, expiry time.Time) ([]ChainRow, error)
}

// ChainRow is one listed contract as reported by a data source.
type ChainRow struct {
	Contract   string             `json:"contract"`
	Underlying string             `json:"underlying"`
	Type       pricing.OptionType `json:"type"`
	Strike     float64            `json:"strike"`
	Expiry     time.Time          `json:"expiry"`
	Bid        float64            `json:"bid"`
	Ask        float64            `json:"ask"`
	LastPrice  float64            `json:"last_price"`
	ImpliedVol float64            `json:"implied_volatility"` // as reported by the source, 0 when absent
}

// Mid returns the bid/ask midpoint, or the last price when either side of
// the book is missing.
func (r ChainRow) Mid() float64 {
	if r.Bid > 0 && r.Ask > 0 {
		return (r.Bid + r.Ask) / 2
	}
	return r.LastPrice
}

// --------------------------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------------------------

// OptionSymbolFromParts: OCC-like formatter (best-effort)
func OptionSymbolFromParts(underlying string, expiryDate time.Time, optionType pricing.OptionType, strike float64) string {
	// OCC: <root><YYMMDD><C|P><strike*1000 padded to 8 digits>
	expDt := expiryDate.UTC().Format("060102")
	optType := "C"
	if !optionType.IsCall() {
		optType = "P"
	}
	strikeInt := int(math.Round(strike * 1000))
	return fmt.Sprintf("O:%s%s%s%08d", strings.ToUpper(underlying), expDt, optType, strikeInt)
}

// MatchExpiry picks, from the available expiries, the one that best fits the
// target date under the given matching mode. A zero time means nothing
// matched.
func MatchExpiry(target time.Time, expiries []time.Time, mode DateMatchType) time.Time {

	var (
		exact  time.Time
		lower  time.Time
		higher time.Time
	)

	// default to MatchNearest
	switch mode {
	case MatchExact, MatchHigher, MatchLower, MatchNearest:
		// ok
	default:
		mode = MatchNearest
	}

	sorted := append([]time.Time(nil), expiries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	for _, dt := range sorted {
		if dt.Equal(target) {
			exact = dt
		}
		if dt.Before(target) {
			lower = dt // will keep last < target
		}
		if dt.After(target) && higher.IsZero() {
			higher = dt
		}
	}

	switch mode {

	case MatchExact:
		return exact

	case MatchLower:
		return lower

	case MatchHigher:
		return higher

	case MatchNearest:
		if !exact.IsZero() {
			return exact
		}
		switch {
		case !lower.IsZero() && !higher.IsZero():
			if target.Sub(lower) <= higher.Sub(target) {
				return lower
			}
			return higher
		case !lower.IsZero():
			return lower
		case !higher.IsZero():
			return higher
		}
	}

	return time.Time{}
}

// uniqueSortedDates collapses timestamps to calendar days (UTC) and sorts them.
func uniqueSortedDates(in []time.Time) []time.Time {
	seen := make(map[string]time.Time, len(in))
	for _, t := range in {
		d := t.UTC().Truncate(24 * time.Hour)
		seen[d.Format(dateLayout)] = d
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format(dateLayout) == b.UTC().Format(dateLayout)
}
