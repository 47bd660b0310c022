package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/contactkeval/vol-surface/internal/config"
	"github.com/contactkeval/vol-surface/internal/data"
	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/metrics"
	"github.com/contactkeval/vol-surface/internal/report"
	"github.com/contactkeval/vol-surface/internal/server"
	"github.com/contactkeval/vol-surface/internal/surface"
)

func main() {
	configPath := flag.String("config", "", "path to config file (json, yaml or toml)")
	ticker := flag.String("ticker", "", "underlying ticker")
	rate := flag.Float64("rate", 0, "risk-free interest rate, continuously compounded")
	div := flag.Float64("div", 0, "continuous dividend yield")
	provider := flag.String("provider", "", "data provider: massive, yahoo, csv or synthetic")
	out := flag.String("out", "", "report output directory")
	verbosity := flag.Int("v", -1, "verbosity: 0=error 1=info 2=debug 3=trace")
	serve := flag.Bool("serve", false, "run as REST server")
	snapshot := flag.Bool("snapshot", false, "also save the fetched chain under data_dir for offline replay")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// explicitly set flags win over file and environment; validate after
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ticker":
			cfg.Underlying = *ticker
		case "rate":
			cfg.Rate = *rate
		case "div":
			cfg.DivYield = *div
		case "provider":
			cfg.Provider = *provider
		case "out":
			cfg.ReportDir = *out
		case "v":
			cfg.Verbosity = *verbosity
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := logger.Init(cfg.LoggerOptions()); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Close()
	logger.SetVerbosity(cfg.Verbosity)

	surfCfg, err := cfg.SurfaceBuild()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// one-shot runs price synthetic chains at the build instant; the server
	// leaves it zero so they follow the clock per request
	var asOf time.Time
	if !*serve {
		asOf = time.Now().UTC()
	}
	prov := newProvider(cfg.Provider, cfg, asOf, newProvider(cfg.Secondary, cfg, asOf, nil))
	m := metrics.New()
	builder, err := surface.NewBuilder(prov, surfCfg)
	if err != nil {
		log.Fatalf("surface: %v", err)
	}
	builder.WithMetrics(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		srv := server.New(builder, m, cfg.PricingSolver())
		if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
			logger.Errorf("server: %v", err)
			os.Exit(1)
		}
		return
	}

	start := time.Now()
	underlying := strings.ToUpper(cfg.Underlying)
	surf, err := builder.Build(ctx, underlying, asOf)
	if err != nil {
		logger.Errorf("build surface: %v", err)
		os.Exit(1)
	}

	if err := report.WriteAll(surf, cfg.ReportDir); err != nil {
		logger.Errorf("write reports: %v", err)
		os.Exit(1)
	}
	if *snapshot {
		if err := saveSnapshot(ctx, prov, underlying, surf.Spot, cfg.DataDir); err != nil {
			logger.Errorf("snapshot: %v", err)
		}
	}

	fmt.Printf("%s spot=%.2f points=%d rows=%d failures=%d\n",
		surf.Underlying, surf.Spot, len(surf.Points), len(surf.Rows), len(surf.Failures))
	logger.Infof("finished in %v, wrote reports to %s", time.Since(start), cfg.ReportDir)
}

// newProvider maps a provider name to an implementation. An empty name
// yields nil so it can be used for the optional secondary.
func newProvider(name string, cfg *config.Config, asOf time.Time, secondary data.Provider) data.Provider {
	switch name {
	case "massive":
		return data.NewMassiveDataProvider(cfg.MassiveAPIKey, secondary)
	case "yahoo":
		return data.NewYahooDataProvider(secondary)
	case "csv":
		return data.NewLocalCSVDataProvider(cfg.DataDir, secondary)
	case "synthetic":
		logger.Infof("synthetic provider enabled")
		return data.NewSyntheticProvider(data.SyntheticOptions{
			Seed:     cfg.Synthetic.Seed,
			AsOf:     asOf,
			Spot:     cfg.Synthetic.Spot,
			Rate:     cfg.Rate,
			DivYield: cfg.DivYield,
		})
	}
	return nil
}

func saveSnapshot(ctx context.Context, prov data.Provider, underlying string, spot float64, dir string) error {
	expiries, err := prov.GetExpiries(ctx, underlying)
	if err != nil {
		return err
	}
	var rows []data.ChainRow
	for _, exp := range expiries {
		chain, err := prov.GetChain(ctx, underlying, exp)
		if err != nil {
			return err
		}
		rows = append(rows, chain...)
	}
	if err := data.SaveChainCSV(dir, underlying, rows); err != nil {
		return err
	}
	logger.Infof("saved %d contracts to %s", len(rows), data.ChainFilePath(dir, underlying))
	return data.SaveSpotCSV(dir, map[string]float64{underlying: spot})
}
