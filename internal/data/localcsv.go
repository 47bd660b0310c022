package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/pricing"
)

// chainRecord is the on-disk layout of one row of <UNDERLYING>_chain.csv.
type chainRecord struct {
	Contract   string  `csv:"contract"`
	Underlying string  `csv:"underlying"`
	Type       string  `csv:"type"`
	Strike     float64 `csv:"strike"`
	Expiry     string  `csv:"expiration"`
	Bid        float64 `csv:"bid"`
	Ask        float64 `csv:"ask"`
	LastPrice  float64 `csv:"last_price"`
	ImpliedVol float64 `csv:"implied_volatility"`
}

// spotRecord is one row of spot.csv.
type spotRecord struct {
	Underlying string  `csv:"underlying"`
	Spot       float64 `csv:"spot"`
}

// localCSVDataProvider implements Provider from CSV files in a directory:
//
//	<dir>/<UNDERLYING>_chain.csv   one row per contract
//	<dir>/spot.csv                 underlying,spot
type localCSVDataProvider struct {
	dir       string
	secondary Provider

	mu     sync.Mutex
	chains map[string][]ChainRow
	spots  map[string]float64
}

// NewLocalCSVDataProvider convenience constructor.
func NewLocalCSVDataProvider(dir string, secondary Provider) *localCSVDataProvider {
	return &localCSVDataProvider{
		dir:       dir,
		secondary: secondary,
		chains:    map[string][]ChainRow{},
	}
}

func (localCSVDataProv *localCSVDataProvider) Secondary() Provider {
	return localCSVDataProv.secondary
}

func (localCSVDataProv *localCSVDataProvider) GetSpot(ctx context.Context, underlying string) (float64, error) {
	spots, err := localCSVDataProv.loadSpots()
	if err == nil {
		if spot, ok := spots[strings.ToUpper(underlying)]; ok && spot > 0 {
			return spot, nil
		}
		err = fmt.Errorf("no spot for %s in %s", underlying, localCSVDataProv.dir)
	}
	if localCSVDataProv.secondary != nil {
		return localCSVDataProv.secondary.GetSpot(ctx, underlying)
	}
	return 0, err
}

func (localCSVDataProv *localCSVDataProvider) GetExpiries(ctx context.Context, underlying string) ([]time.Time, error) {
	rows, err := localCSVDataProv.loadChain(underlying)
	if err != nil {
		if localCSVDataProv.secondary != nil {
			return localCSVDataProv.secondary.GetExpiries(ctx, underlying)
		}
		return nil, err
	}
	dates := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		dates = append(dates, r.Expiry)
	}
	return uniqueSortedDates(dates), nil
}

func (localCSVDataProv *localCSVDataProvider) GetChain(ctx context.Context, underlying string, expiry time.Time) ([]ChainRow, error) {
	rows, err := localCSVDataProv.loadChain(underlying)
	if err != nil {
		if localCSVDataProv.secondary != nil {
			return localCSVDataProv.secondary.GetChain(ctx, underlying, expiry)
		}
		return nil, err
	}
	var out []ChainRow
	for _, r := range rows {
		if sameDay(r.Expiry, expiry) {
			out = append(out, r)
		}
	}
	return out, nil
}

// loadChain reads the chain file once and caches it.
func (localCSVDataProv *localCSVDataProvider) loadChain(underlying string) ([]ChainRow, error) {
	key := strings.ToUpper(underlying)

	localCSVDataProv.mu.Lock()
	defer localCSVDataProv.mu.Unlock()
	if rows, ok := localCSVDataProv.chains[key]; ok {
		return rows, nil
	}

	path := ChainFilePath(localCSVDataProv.dir, key)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chain file: %w", err)
	}
	defer f.Close()

	var records []*chainRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("read chain csv %s: %w", path, err)
	}

	rows := make([]ChainRow, 0, len(records))
	for i, rec := range records {
		row, err := rec.toRow(key)
		if err != nil {
			logger.Debugf("%s line %d skipped: %v", path, i+2, err)
			continue
		}
		rows = append(rows, row)
	}
	logger.Debugf("loaded %d contracts from %s", len(rows), path)

	localCSVDataProv.chains[key] = rows
	return rows, nil
}

func (localCSVDataProv *localCSVDataProvider) loadSpots() (map[string]float64, error) {
	localCSVDataProv.mu.Lock()
	defer localCSVDataProv.mu.Unlock()
	if localCSVDataProv.spots != nil {
		return localCSVDataProv.spots, nil
	}

	f, err := os.Open(filepath.Join(localCSVDataProv.dir, "spot.csv"))
	if err != nil {
		return nil, fmt.Errorf("open spot file: %w", err)
	}
	defer f.Close()

	var records []*spotRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("read spot csv: %w", err)
	}
	spots := make(map[string]float64, len(records))
	for _, rec := range records {
		spots[strings.ToUpper(strings.TrimSpace(rec.Underlying))] = rec.Spot
	}
	localCSVDataProv.spots = spots
	return spots, nil
}

func (rec *chainRecord) toRow(underlying string) (ChainRow, error) {
	typ, err := pricing.ParseOptionType(rec.Type)
	if err != nil {
		return ChainRow{}, err
	}
	expiry, err := time.Parse(dateLayout, strings.TrimSpace(rec.Expiry))
	if err != nil {
		return ChainRow{}, fmt.Errorf("expiration %q: %w", rec.Expiry, err)
	}
	contract := rec.Contract
	if contract == "" {
		contract = OptionSymbolFromParts(underlying, expiry, typ, rec.Strike)
	}
	return ChainRow{
		Contract:   contract,
		Underlying: underlying,
		Type:       typ,
		Strike:     rec.Strike,
		Expiry:     expiry,
		Bid:        rec.Bid,
		Ask:        rec.Ask,
		LastPrice:  rec.LastPrice,
		ImpliedVol: rec.ImpliedVol,
	}, nil
}

// ChainFilePath is where the CSV provider looks for an underlying's chain.
func ChainFilePath(dir, underlying string) string {
	return filepath.Join(dir, strings.ToUpper(underlying)+"_chain.csv")
}

// SaveChainCSV writes rows in the layout the CSV provider reads back, so a
// chain fetched from a live source can be replayed offline.
func SaveChainCSV(dir, underlying string, rows []ChainRow) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	records := make([]*chainRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, &chainRecord{
			Contract:   r.Contract,
			Underlying: r.Underlying,
			Type:       string(r.Type),
			Strike:     r.Strike,
			Expiry:     r.Expiry.UTC().Format(dateLayout),
			Bid:        r.Bid,
			Ask:        r.Ask,
			LastPrice:  r.LastPrice,
			ImpliedVol: r.ImpliedVol,
		})
	}

	f, err := os.Create(ChainFilePath(dir, underlying))
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(&records, f); err != nil {
		f.Close()
		return fmt.Errorf("write chain csv: %w", err)
	}
	return f.Close()
}

// SaveSpotCSV writes spot.csv for the CSV provider.
func SaveSpotCSV(dir string, spots map[string]float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	records := make([]*spotRecord, 0, len(spots))
	for u, s := range spots {
		records = append(records, &spotRecord{Underlying: strings.ToUpper(u), Spot: s})
	}
	f, err := os.Create(filepath.Join(dir, "spot.csv"))
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(&records, f); err != nil {
		f.Close()
		return fmt.Errorf("write spot csv: %w", err)
	}
	return f.Close()
}
