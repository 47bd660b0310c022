// Package report writes surfaces to disk for external plotting: one JSON
// document plus flat CSV files for the points and the chain table.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/contactkeval/vol-surface/internal/surface"
)

const (
	SurfaceFile = "surface.json"
	PointsFile  = "points.csv"
	ChainFile   = "chain.csv"
)

// Axes are the plot labels carried along with the data.
type Axes struct {
	X string `json:"x"`
	Y string `json:"y"`
	Z string `json:"z"`
}

var DefaultAxes = Axes{
	X: "Moneyness (S/K)",
	Y: "Time to Expiration (Years)",
	Z: "Implied Volatility",
}

// Document is the JSON layout of surface.json.
type Document struct {
	Title   string `json:"title"`
	Axes    Axes   `json:"axes"`
	*surface.Surface
}

type pointRecord struct {
	Contract   string  `csv:"contract"`
	Type       string  `csv:"type"`
	Strike     string  `csv:"strike"`
	Expiry     string  `csv:"expiration"`
	Moneyness  float64 `csv:"moneyness"`
	TTE        float64 `csv:"tte"`
	IV         float64 `csv:"iv"`
	Price      string  `csv:"market_price"`
	Iterations int     `csv:"iterations"`
}

type chainRecord struct {
	Symbol     string  `csv:"symbol"`
	Contract   string  `csv:"contract"`
	Bid        string  `csv:"bid"`
	Ask        string  `csv:"ask"`
	LastPrice  string  `csv:"last_price"`
	Strike     string  `csv:"strike"`
	Expiration string  `csv:"expiration"`
	DTE        float64 `csv:"dte"`
}

// WriteAll creates outdir and writes all three files.
func WriteAll(s *surface.Surface, outdir string) error {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := WriteJSON(s, outdir); err != nil {
		return err
	}
	if err := WritePointsCSV(s.Points, outdir); err != nil {
		return err
	}
	return WriteChainCSV(s.Rows, outdir)
}

// NewDocument wraps s with its plot title and the default axes.
func NewDocument(s *surface.Surface) Document {
	return Document{
		Title:   fmt.Sprintf("Volatility Surface for %s", s.Underlying),
		Axes:    DefaultAxes,
		Surface: s,
	}
}

func WriteJSON(s *surface.Surface, outdir string) error {
	b, err := json.MarshalIndent(NewDocument(s), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outdir, SurfaceFile), b, 0644)
}

func WritePointsCSV(points []surface.Point, outdir string) error {
	records := make([]*pointRecord, 0, len(points))
	for _, p := range points {
		records = append(records, &pointRecord{
			Contract:   p.Contract,
			Type:       string(p.Type),
			Strike:     money(p.Strike),
			Expiry:     p.Expiry.Format(time.DateOnly),
			Moneyness:  p.Moneyness,
			TTE:        p.TTE,
			IV:         p.IV,
			Price:      decimal.NewFromFloat(p.Price).StringFixed(4),
			Iterations: p.Iterations,
		})
	}
	return writeCSV(filepath.Join(outdir, PointsFile), &records)
}

func WriteChainCSV(rows []surface.Row, outdir string) error {
	records := make([]*chainRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, &chainRecord{
			Symbol:     r.Symbol,
			Contract:   r.Contract,
			Bid:        money(r.Bid),
			Ask:        money(r.Ask),
			LastPrice:  money(r.LastPrice),
			Strike:     money(r.Strike),
			Expiration: r.Expiration.Format(time.DateOnly),
			DTE:        r.DTE,
		})
	}
	return writeCSV(filepath.Join(outdir, ChainFile), &records)
}

func writeCSV(path string, records any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(records, f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// money renders a price with exactly two decimals, rounding half away from
// zero the way quotes are displayed.
func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
