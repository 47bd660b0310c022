package surface

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/contactkeval/vol-surface/internal/data"
	"github.com/contactkeval/vol-surface/internal/pricing"
	"github.com/contactkeval/vol-surface/internal/testutil"
)

var asOf = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

type countingRecorder struct {
	solves map[string]int
	skips  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{solves: map[string]int{}, skips: map[string]int{}}
}

func (c *countingRecorder) ObserveSolve(status string, _ int) { c.solves[status]++ }
func (c *countingRecorder) ObserveSkip(reason string)         { c.skips[reason]++ }

func TestBuildFromSyntheticProvider(t *testing.T) {
	prov := data.NewSyntheticProvider(data.SyntheticOptions{Seed: 3, AsOf: asOf, Spot: 100})
	b, err := NewBuilder(prov, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	rec := newCountingRecorder()
	b.WithMetrics(rec)

	s, err := b.Build(context.Background(), "spy", asOf)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s.Underlying != "SPY" || s.Spot != 100 {
		t.Fatalf("unexpected header %+v", s)
	}

	// 23 strikes strictly inside (70, 130) on each of 8 expiries, calls only
	if len(s.Rows) != 184 {
		t.Fatalf("expected 184 rows, got %d", len(s.Rows))
	}
	if len(s.Points)+len(s.Failures) != len(s.Rows) {
		t.Fatalf("points %d + failures %d != rows %d", len(s.Points), len(s.Failures), len(s.Rows))
	}
	if s.Skipped[SkipType] != 8*41 {
		t.Fatalf("expected every put skipped by type, got %v", s.Skipped)
	}

	checked := 0
	for _, p := range s.Points {
		if p.Type != pricing.Call {
			t.Fatalf("put on a calls-only surface: %+v", p)
		}
		if p.Moneyness <= 1/1.3 || p.Moneyness >= 1/0.7 {
			t.Fatalf("point outside band: %+v", p)
		}
		k := math.Log(p.Strike / 100)
		if math.Abs(k) > 0.1 || p.TTE < 30.0/365 {
			continue
		}
		testutil.InDelta(t, p.Contract, p.IV, data.SmileVol(k, p.TTE), 1e-2)
		checked++
	}
	if checked == 0 {
		t.Fatalf("no near-the-money points checked")
	}
	if rec.solves["converged"] != len(s.Points) {
		t.Fatalf("recorder saw %d converged solves, surface has %d points", rec.solves["converged"], len(s.Points))
	}
}

func TestBuildIntradayAsOfRecoversSmile(t *testing.T) {
	at := time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC)
	prov := data.NewSyntheticProvider(data.SyntheticOptions{Seed: 3, AsOf: at, Spot: 100})
	b, err := NewBuilder(prov, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	s, err := b.Build(context.Background(), "SPY", at)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	checked := 0
	for _, p := range s.Points {
		k := math.Log(p.Strike / 100)
		if math.Abs(k) > 0.03 {
			continue
		}
		// listed 7 days out from midnight, 6 whole days from 13:00
		if p.Expiry.Equal(time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC)) && p.TTE != 6.0/365 {
			t.Fatalf("%s: expected 6 days to expiry, got tte %v", p.Contract, p.TTE)
		}
		testutil.InDelta(t, p.Contract, p.IV, data.SmileVol(k, p.TTE), 1e-4)
		checked++
	}
	if checked != 3*8 {
		t.Fatalf("expected 3 near-the-money strikes on 8 expiries, checked %d", checked)
	}
}

func TestBuildMaxExpiries(t *testing.T) {
	prov := data.NewSyntheticProvider(data.SyntheticOptions{AsOf: asOf, Spot: 100})
	cfg := DefaultConfig()
	cfg.MaxExpiries = 2
	b, _ := NewBuilder(prov, cfg)

	s, err := b.Build(context.Background(), "SPY", asOf)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Rows) != 46 {
		t.Fatalf("expected 2 expiries worth of rows, got %d", len(s.Rows))
	}
}

func TestResolveTenors(t *testing.T) {
	d := func(days int) time.Time { return asOf.AddDate(0, 0, days) }
	listed := []time.Time{d(7), d(14), d(30), d(60), d(90)}

	got := ResolveTenors(asOf, []int{30, 10, 45, 365}, listed, data.MatchNearest)
	// 10d is nearer 7d; 45d ties between 30d and 60d and goes lower
	want := []time.Time{d(7), d(30), d(90)}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	exact := ResolveTenors(asOf, []int{30, 31}, listed, data.MatchExact)
	if len(exact) != 1 || !exact[0].Equal(d(30)) {
		t.Fatalf("exact match: %v", exact)
	}
}

func TestBuildWithTenors(t *testing.T) {
	prov := data.NewSyntheticProvider(data.SyntheticOptions{AsOf: asOf, Spot: 100})
	cfg := DefaultConfig()
	cfg.TenorDays = []int{30, 365}
	cfg.TenorMatch = data.MatchExact
	b, _ := NewBuilder(prov, cfg)

	s, err := b.Build(context.Background(), "SPY", asOf)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, r := range s.Rows {
		seen[r.Expiration.Format("2006-01-02")] = true
	}
	if len(seen) != 2 || !seen["2025-02-01"] || !seen["2026-01-02"] {
		t.Fatalf("unexpected expiries %v", seen)
	}
}

func TestBuildFromChainFailures(t *testing.T) {
	exp := asOf.AddDate(0, 0, 365)
	row := func(contract string, typ pricing.OptionType, strike, last float64, expiry time.Time) data.ChainRow {
		return data.ChainRow{Contract: contract, Type: typ, Strike: strike, LastPrice: last, Expiry: expiry}
	}
	chain := []data.ChainRow{
		row("ok", pricing.Call, 100, 10.450583572185565, exp),
		row("band-edge", pricing.Call, 70, 31, exp),
		row("put", pricing.Put, 100, 5.57, exp),
		row("expired", pricing.Call, 100, 1, asOf.AddDate(0, 0, -1)),
		row("same-day", pricing.Call, 100, 1, asOf.Add(6*time.Hour)),
		row("no-price", pricing.Call, 105, 0, exp),
		row("too-rich", pricing.Call, 110, 150, exp),
	}

	cfg := DefaultConfig()
	cfg.Rate = 0.05
	b, _ := NewBuilder(nil, cfg)
	rec := newCountingRecorder()
	b.WithMetrics(rec)

	s := b.BuildFromChain("spy", 100, asOf, chain)

	if len(s.Points) != 1 || s.Points[0].Contract != "ok" {
		t.Fatalf("expected only the ok contract on the surface, got %+v", s.Points)
	}
	testutil.InDelta(t, "iv", s.Points[0].IV, 0.2, 1e-3)
	if s.Points[0].Moneyness != 1 || s.Points[0].TTE != 1 {
		t.Fatalf("unexpected coordinates %+v", s.Points[0])
	}

	if s.Skipped[SkipMoneyness] != 1 || s.Skipped[SkipType] != 1 || s.Skipped[SkipExpired] != 2 {
		t.Fatalf("unexpected skip counts %v", s.Skipped)
	}

	reasons := map[string]string{}
	for _, f := range s.Failures {
		reasons[f.Contract] = f.Reason
	}
	if reasons["no-price"] != SkipNoPrice || reasons["too-rich"] != SkipOutOfBounds {
		t.Fatalf("unexpected failures %v", reasons)
	}

	// rows keep every in-band contract of a wanted type, expired ones included
	if len(s.Rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(s.Rows))
	}
	if rec.skips[SkipOutOfBounds] != 1 || rec.solves["converged"] != 1 {
		t.Fatalf("recorder: solves %v skips %v", rec.solves, rec.skips)
	}
}

func TestReportedIVSource(t *testing.T) {
	exp := asOf.AddDate(0, 0, 30)
	chain := []data.ChainRow{
		{Contract: "a", Type: pricing.Call, Strike: 100, LastPrice: 2, ImpliedVol: 0.25, Expiry: exp},
		{Contract: "b", Type: pricing.Call, Strike: 105, LastPrice: 1, Expiry: exp},
	}
	cfg := DefaultConfig()
	cfg.IVSource = IVReported
	b, _ := NewBuilder(nil, cfg)

	s := b.BuildFromChain("SPY", 100, asOf, chain)
	if len(s.Points) != 1 || s.Points[0].IV != 0.25 {
		t.Fatalf("expected reported iv point, got %+v", s.Points)
	}
	if len(s.Failures) != 1 || s.Failures[0].Reason != SkipNoReportedIV {
		t.Fatalf("expected missing reported iv failure, got %+v", s.Failures)
	}
}

func TestMidPriceField(t *testing.T) {
	exp := asOf.AddDate(0, 0, 365)
	q := pricing.Quote{Spot: 100, Strike: 100, Expiry: 1, Rate: 0.05, Type: pricing.Call}
	px, _ := pricing.BlackScholesPrice(q, 0.3)

	chain := []data.ChainRow{{
		Contract: "mid", Type: pricing.Call, Strike: 100, Expiry: exp,
		Bid: px - 0.05, Ask: px + 0.05, LastPrice: px / 2,
	}}
	cfg := DefaultConfig()
	cfg.Rate = 0.05
	cfg.PriceField = PriceMid
	b, _ := NewBuilder(nil, cfg)

	s := b.BuildFromChain("SPY", 100, asOf, chain)
	if len(s.Points) != 1 {
		t.Fatalf("expected one point, got %+v", s.Points)
	}
	testutil.InDelta(t, "iv from mid", s.Points[0].IV, 0.3, 1e-3)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted band", func(c *Config) { c.MoneynessLow, c.MoneynessHigh = 1.3, 0.7 }},
		{"bad source", func(c *Config) { c.IVSource = "guess" }},
		{"bad price field", func(c *Config) { c.PriceField = "close" }},
		{"no types", func(c *Config) { c.OptionTypes = nil }},
		{"negative expiries", func(c *Config) { c.MaxExpiries = -1 }},
		{"bad solver", func(c *Config) { c.Solver.MaxIter = 0 }},
		{"zero tenor", func(c *Config) { c.TenorDays = []int{0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := NewBuilder(nil, cfg); !errors.Is(err, pricing.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestBuildWithoutProvider(t *testing.T) {
	b, _ := NewBuilder(nil, DefaultConfig())
	if _, err := b.Build(context.Background(), "SPY", asOf); err == nil {
		t.Fatalf("expected error without provider")
	}
}
