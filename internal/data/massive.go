// Package data provides market data provider implementations.
//
// This file contains a Massive-backed Provider that reads the options chain
// snapshot endpoint through the official Massive Go client.
//
// Design notes:
//   - One snapshot call returns every listed contract for the underlying
//     (the client follows next_url pagination), so the chain is fetched once
//     per underlying and cached for the lifetime of the provider
//   - Spot comes from the snapshot's underlying asset block, falling back to
//     the previous daily close when the plan does not include it
//   - Logging is verbose at Debug/Trace levels for diagnostics
package data

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	massive "github.com/massive-com/client-go/v2/rest"
	"github.com/massive-com/client-go/v2/rest/models"

	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/pricing"
)

// massiveDataProvider implements the Provider interface using Massive APIs.
type massiveDataProvider struct {
	client *massive.Client

	// secondary is an optional fallback provider.
	secondary Provider

	mu     sync.Mutex
	chains map[string][]ChainRow
	spots  map[string]float64
}

// NewMassiveDataProvider constructs a Massive-backed data provider.
//
// Parameters:
//   - apiKey: Massive API key for authentication
//   - secondary: optional fallback provider (may be nil)
func NewMassiveDataProvider(apiKey string, secondary Provider) *massiveDataProvider {
	logger.Infof("initializing Massive data provider")

	return &massiveDataProvider{
		client:    massive.New(apiKey),
		secondary: secondary,
		chains:    map[string][]ChainRow{},
		spots:     map[string]float64{},
	}
}

// Secondary returns the configured secondary Provider, if any.
func (massiveDataProv *massiveDataProvider) Secondary() Provider {
	return massiveDataProv.secondary
}

// GetSpot returns the underlying price reported alongside the chain
// snapshot, or the previous session's close when the snapshot has none.
func (massiveDataProv *massiveDataProvider) GetSpot(ctx context.Context, underlying string) (float64, error) {
	if _, err := massiveDataProv.snapshot(ctx, underlying); err != nil {
		return 0, err
	}

	massiveDataProv.mu.Lock()
	spot := massiveDataProv.spots[strings.ToUpper(underlying)]
	massiveDataProv.mu.Unlock()
	if spot > 0 {
		return spot, nil
	}

	logger.Debugf("no underlying price in snapshot for %s, using previous close", underlying)
	res, err := massiveDataProv.client.GetPreviousCloseAgg(ctx, &models.GetPreviousCloseAggParams{
		Ticker: strings.ToUpper(underlying),
	})
	if err != nil {
		if massiveDataProv.secondary != nil {
			return massiveDataProv.secondary.GetSpot(ctx, underlying)
		}
		return 0, fmt.Errorf("massive previous close %s: %w", underlying, err)
	}
	if len(res.Results) == 0 || res.Results[0].Close <= 0 {
		return 0, fmt.Errorf("massive previous close %s: no results", underlying)
	}
	return res.Results[0].Close, nil
}

// GetExpiries returns the sorted, unique expiration dates in the snapshot.
func (massiveDataProv *massiveDataProvider) GetExpiries(ctx context.Context, underlying string) ([]time.Time, error) {
	rows, err := massiveDataProv.snapshot(ctx, underlying)
	if err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		dates = append(dates, r.Expiry)
	}
	expiries := uniqueSortedDates(dates)

	logger.Infof("resolved %d unique expiries for %s", len(expiries), underlying)
	return expiries, nil
}

// GetChain returns the snapshot rows expiring on the given day.
func (massiveDataProv *massiveDataProvider) GetChain(ctx context.Context, underlying string, expiry time.Time) ([]ChainRow, error) {
	rows, err := massiveDataProv.snapshot(ctx, underlying)
	if err != nil {
		return nil, err
	}

	var out []ChainRow
	for _, r := range rows {
		if sameDay(r.Expiry, expiry) {
			out = append(out, r)
		}
	}
	logger.Tracef("chain %s %s: %d contracts", underlying, expiry.Format(dateLayout), len(out))
	return out, nil
}

// snapshot loads and caches the full chain for an underlying.
func (massiveDataProv *massiveDataProvider) snapshot(ctx context.Context, underlying string) ([]ChainRow, error) {
	key := strings.ToUpper(underlying)

	massiveDataProv.mu.Lock()
	rows, ok := massiveDataProv.chains[key]
	massiveDataProv.mu.Unlock()
	if ok {
		return rows, nil
	}

	logger.Debugf("fetching options chain snapshot: %s", key)

	var spot float64
	iter := massiveDataProv.client.ListOptionsChainSnapshot(ctx, &models.ListOptionsChainParams{
		UnderlyingAsset: key,
	})
	for iter.Next() {
		item := iter.Item()
		row, ok := chainRowFromSnapshot(key, item)
		if !ok {
			continue // skip malformed contracts
		}
		if spot == 0 {
			spot = item.UnderlyingAsset.Price
		}
		rows = append(rows, row)
	}
	if err := iter.Err(); err != nil {
		logger.Errorf("massive chain snapshot %s failed: %v", key, err)
		if massiveDataProv.secondary != nil {
			logger.Tracef("delegating chain snapshot to secondary provider")
			return massiveDataProv.secondarySnapshot(ctx, key)
		}
		return nil, fmt.Errorf("massive chain snapshot %s: %w", key, err)
	}

	logger.Tracef("received %d contracts for %s", len(rows), key)

	massiveDataProv.mu.Lock()
	massiveDataProv.chains[key] = rows
	massiveDataProv.spots[key] = spot
	massiveDataProv.mu.Unlock()
	return rows, nil
}

// secondarySnapshot rebuilds a full chain from a secondary provider so the
// cache has the same shape regardless of where the data came from.
func (massiveDataProv *massiveDataProvider) secondarySnapshot(ctx context.Context, underlying string) ([]ChainRow, error) {
	sec := massiveDataProv.secondary
	expiries, err := sec.GetExpiries(ctx, underlying)
	if err != nil {
		return nil, err
	}
	var rows []ChainRow
	for _, exp := range expiries {
		chain, err := sec.GetChain(ctx, underlying, exp)
		if err != nil {
			return nil, err
		}
		rows = append(rows, chain...)
	}
	spot, err := sec.GetSpot(ctx, underlying)
	if err != nil {
		return nil, err
	}

	massiveDataProv.mu.Lock()
	massiveDataProv.chains[underlying] = rows
	massiveDataProv.spots[underlying] = spot
	massiveDataProv.mu.Unlock()
	return rows, nil
}

// chainRowFromSnapshot maps one Massive snapshot record onto a ChainRow.
func chainRowFromSnapshot(underlying string, s models.OptionContractSnapshot) (ChainRow, bool) {
	typ, err := pricing.ParseOptionType(s.Details.ContractType)
	if err != nil || s.Details.StrikePrice <= 0 {
		return ChainRow{}, false
	}
	expiry := time.Time(s.Details.ExpirationDate)
	if expiry.IsZero() {
		return ChainRow{}, false
	}

	last := s.LastTrade.Price
	if last <= 0 {
		last = s.Day.Close
	}

	contract := s.Details.Ticker
	if contract == "" {
		contract = OptionSymbolFromParts(underlying, expiry, typ, s.Details.StrikePrice)
	}

	return ChainRow{
		Contract:   contract,
		Underlying: underlying,
		Type:       typ,
		Strike:     s.Details.StrikePrice,
		Expiry:     expiry.UTC(),
		Bid:        s.LastQuote.Bid,
		Ask:        s.LastQuote.Ask,
		LastPrice:  last,
		ImpliedVol: s.ImpliedVolatility,
	}, true
}
