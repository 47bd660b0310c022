package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/contactkeval/vol-surface/internal/pricing"
)

func testAsOf() time.Time {
	return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
}

// TestDataProviderContract runs the same checks against every provider that
// can be exercised offline. Massive joins the table when MASSIVE_API_KEY is
// set.
func TestDataProviderContract(t *testing.T) {
	ctx := context.Background()
	synth := NewSyntheticProvider(SyntheticOptions{Seed: 7, AsOf: testAsOf(), Spot: 100})

	dir := t.TempDir()
	exps, _ := synth.GetExpiries(ctx, "SPY")
	var rows []ChainRow
	for _, e := range exps[:2] {
		chain, err := synth.GetChain(ctx, "SPY", e)
		if err != nil {
			t.Fatalf("synthetic chain: %v", err)
		}
		rows = append(rows, chain...)
	}
	if err := SaveChainCSV(dir, "SPY", rows); err != nil {
		t.Fatalf("save chain: %v", err)
	}
	if err := SaveSpotCSV(dir, map[string]float64{"spy": 100}); err != nil {
		t.Fatalf("save spot: %v", err)
	}

	providers := []struct {
		name     string
		provider Provider
	}{
		{name: "synthetic", provider: synth},
		{name: "csv", provider: NewLocalCSVDataProvider(dir, nil)},
	}
	if key := os.Getenv("MASSIVE_API_KEY"); key != "" {
		providers = append(providers, struct {
			name     string
			provider Provider
		}{name: "massive", provider: NewMassiveDataProvider(key, nil)})
	}

	for _, prov := range providers {
		t.Run(prov.name, func(t *testing.T) {
			spot, err := prov.provider.GetSpot(ctx, "SPY")
			if err != nil {
				t.Fatalf("spot: %v", err)
			}
			if spot <= 0 {
				t.Fatalf("expected positive spot, got %v", spot)
			}

			expiries, err := prov.provider.GetExpiries(ctx, "SPY")
			if err != nil {
				t.Fatalf("expiries: %v", err)
			}
			if len(expiries) == 0 {
				t.Fatalf("expected non-empty expiries")
			}
			for i := 1; i < len(expiries); i++ {
				if !expiries[i].After(expiries[i-1]) {
					t.Fatalf("expiries not strictly increasing: %v", expiries)
				}
			}

			chain, err := prov.provider.GetChain(ctx, "SPY", expiries[0])
			if err != nil {
				t.Fatalf("chain: %v", err)
			}
			if len(chain) == 0 {
				t.Fatalf("expected non-empty chain")
			}
			for _, r := range chain {
				if !sameDay(r.Expiry, expiries[0]) {
					t.Fatalf("row %s expires %v, want %v", r.Contract, r.Expiry, expiries[0])
				}
				if r.Strike <= 0 || r.Contract == "" {
					t.Fatalf("malformed row: %+v", r)
				}
			}
		})
	}
}

func TestOptionSymbolFromParts(t *testing.T) {
	exp := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		typ    pricing.OptionType
		strike float64
		want   string
	}{
		{pricing.Call, 580, "O:SPY250117C00580000"},
		{pricing.Put, 42.5, "O:SPY250117P00042500"},
	}
	for _, tt := range tests {
		if got := OptionSymbolFromParts("spy", exp, tt.typ, tt.strike); got != tt.want {
			t.Errorf("OptionSymbolFromParts(%s, %v) = %s, want %s", tt.typ, tt.strike, got, tt.want)
		}
	}
}

func TestMatchExpiry(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC) }
	expiries := []time.Time{d(17), d(3), d(10)} // unsorted on purpose

	tests := []struct {
		name   string
		target time.Time
		mode   DateMatchType
		want   time.Time
	}{
		{"exact hit", d(10), MatchExact, d(10)},
		{"exact miss", d(11), MatchExact, time.Time{}},
		{"higher", d(11), MatchHigher, d(17)},
		{"lower", d(11), MatchLower, d(10)},
		{"nearest ties go lower", d(6), MatchNearest, d(3)},
		{"nearest", d(15), MatchNearest, d(17)},
		{"unknown mode is nearest", d(9), DateMatchType("bogus"), d(10)},
		{"nothing higher", d(20), MatchHigher, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchExpiry(tt.target, expiries, tt.mode); !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	if !expiries[0].Equal(d(17)) {
		t.Fatalf("MatchExpiry reordered its input")
	}
}

func TestChainRowMid(t *testing.T) {
	r := ChainRow{Bid: 1.0, Ask: 1.2, LastPrice: 5}
	if got := r.Mid(); got < 1.0999 || got > 1.1001 {
		t.Fatalf("mid = %v, want 1.1", got)
	}
	r.Bid = 0
	if got := r.Mid(); got != 5 {
		t.Fatalf("one-sided book should fall back to last, got %v", got)
	}
}
