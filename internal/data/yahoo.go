package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/pricing"
)

// yahooDataProvider implements Provider over the Yahoo Finance v7 options
// endpoint using plain HTTP calls.
type yahooDataProvider struct {
	// Client is the HTTP client used to make API requests.
	Client *http.Client

	// BaseURL is the root endpoint (e.g., https://query2.finance.yahoo.com).
	BaseURL string

	// MaxRetries bounds how many times a 429 response is retried.
	MaxRetries int

	// Limiter paces outgoing requests; nil disables pacing.
	Limiter *rate.Limiter

	secondary Provider

	mu    sync.Mutex
	cache map[string]*yahooChainResult
}

type yahooOptionsResp struct {
	OptionChain struct {
		Result []yahooChainResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"optionChain"`
}

type yahooChainResult struct {
	UnderlyingSymbol string  `json:"underlyingSymbol"`
	ExpirationDates  []int64 `json:"expirationDates"`
	Quote            struct {
		RegularMarketPrice float64 `json:"regularMarketPrice"`
	} `json:"quote"`
	Options []struct {
		ExpirationDate int64           `json:"expirationDate"`
		Calls          []yahooContract `json:"calls"`
		Puts           []yahooContract `json:"puts"`
	} `json:"options"`
}

type yahooContract struct {
	ContractSymbol    string  `json:"contractSymbol"`
	Strike            float64 `json:"strike"`
	LastPrice         float64 `json:"lastPrice"`
	Bid               float64 `json:"bid"`
	Ask               float64 `json:"ask"`
	ImpliedVolatility float64 `json:"impliedVolatility"`
	Expiration        int64   `json:"expiration"`
}

// NewYahooDataProvider constructs a provider with sensible HTTP defaults.
func NewYahooDataProvider(secondary Provider) *yahooDataProvider {
	logger.Infof("initializing Yahoo data provider")

	return &yahooDataProvider{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 20 * time.Second,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		BaseURL:    "https://query2.finance.yahoo.com",
		MaxRetries: 3,
		Limiter:    rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		secondary:  secondary,
	}
}

func (yahooDataProv *yahooDataProvider) Secondary() Provider {
	return yahooDataProv.secondary
}

// GetSpot returns the regular market price quoted with the chain.
func (yahooDataProv *yahooDataProvider) GetSpot(ctx context.Context, underlying string) (float64, error) {
	res, err := yahooDataProv.fetch(ctx, underlying, time.Time{})
	if err != nil {
		if yahooDataProv.secondary != nil {
			return yahooDataProv.secondary.GetSpot(ctx, underlying)
		}
		return 0, err
	}
	if res.Quote.RegularMarketPrice <= 0 {
		return 0, fmt.Errorf("yahoo: no market price for %s", underlying)
	}
	return res.Quote.RegularMarketPrice, nil
}

// GetExpiries lists the expiration dates Yahoo reports for the underlying.
func (yahooDataProv *yahooDataProvider) GetExpiries(ctx context.Context, underlying string) ([]time.Time, error) {
	res, err := yahooDataProv.fetch(ctx, underlying, time.Time{})
	if err != nil {
		if yahooDataProv.secondary != nil {
			return yahooDataProv.secondary.GetExpiries(ctx, underlying)
		}
		return nil, err
	}

	dates := make([]time.Time, 0, len(res.ExpirationDates))
	for _, ts := range res.ExpirationDates {
		dates = append(dates, time.Unix(ts, 0).UTC())
	}
	return uniqueSortedDates(dates), nil
}

// GetChain fetches calls and puts for one expiration date.
func (yahooDataProv *yahooDataProvider) GetChain(ctx context.Context, underlying string, expiry time.Time) ([]ChainRow, error) {
	res, err := yahooDataProv.fetch(ctx, underlying, expiry)
	if err != nil {
		if yahooDataProv.secondary != nil {
			return yahooDataProv.secondary.GetChain(ctx, underlying, expiry)
		}
		return nil, err
	}

	var out []ChainRow
	for _, block := range res.Options {
		for _, c := range block.Calls {
			out = append(out, c.toRow(underlying, pricing.Call, block.ExpirationDate))
		}
		for _, c := range block.Puts {
			out = append(out, c.toRow(underlying, pricing.Put, block.ExpirationDate))
		}
	}
	logger.Tracef("yahoo chain %s %s: %d contracts", underlying, expiry.Format(dateLayout), len(out))
	return out, nil
}

func (c yahooContract) toRow(underlying string, typ pricing.OptionType, blockExpiry int64) ChainRow {
	ts := c.Expiration
	if ts == 0 {
		ts = blockExpiry
	}
	expiry := time.Unix(ts, 0).UTC()
	symbol := c.ContractSymbol
	if symbol == "" {
		symbol = OptionSymbolFromParts(underlying, expiry, typ, c.Strike)
	}
	return ChainRow{
		Contract:   symbol,
		Underlying: strings.ToUpper(underlying),
		Type:       typ,
		Strike:     c.Strike,
		Expiry:     expiry,
		Bid:        c.Bid,
		Ask:        c.Ask,
		LastPrice:  c.LastPrice,
		ImpliedVol: c.ImpliedVolatility,
	}
}

// fetch retrieves (and caches) the options document for an underlying and,
// when expiry is non-zero, a specific expiration date.
func (yahooDataProv *yahooDataProvider) fetch(ctx context.Context, underlying string, expiry time.Time) (*yahooChainResult, error) {
	symbol := strings.ToUpper(underlying)
	key := symbol
	if !expiry.IsZero() {
		key += "|" + expiry.UTC().Format(dateLayout)
	}

	yahooDataProv.mu.Lock()
	if res, ok := yahooDataProv.cache[key]; ok {
		yahooDataProv.mu.Unlock()
		return res, nil
	}
	yahooDataProv.mu.Unlock()

	u, err := url.Parse(yahooDataProv.BaseURL + "/v7/finance/options/" + url.PathEscape(symbol))
	if err != nil {
		return nil, err
	}
	if !expiry.IsZero() {
		day := expiry.UTC().Truncate(24 * time.Hour)
		query := u.Query()
		query.Set("date", strconv.FormatInt(day.Unix(), 10))
		u.RawQuery = query.Encode()
	}
	reqURL := u.String()
	logger.Debugf("options request URL: %s", reqURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vol-surface/1.0")

	resp, err := yahooDataProv.processGetRequest(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo options %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	var body yahooOptionsResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if e := body.OptionChain.Error; e != nil {
		return nil, fmt.Errorf("yahoo options %s: %s: %s", symbol, e.Code, e.Description)
	}
	if len(body.OptionChain.Result) == 0 {
		return nil, fmt.Errorf("yahoo options %s: empty result", symbol)
	}

	res := &body.OptionChain.Result[0]
	yahooDataProv.mu.Lock()
	if yahooDataProv.cache == nil {
		yahooDataProv.cache = map[string]*yahooChainResult{}
	}
	yahooDataProv.cache[key] = res
	yahooDataProv.mu.Unlock()
	return res, nil
}

// processGetRequest executes an HTTP GET request with rate-limit handling.
//
// Behavior:
//   - Waits on Limiter before every attempt
//   - Retries up to MaxRetries times on HTTP 429
//   - Waits for Retry-After when present, otherwise until the next minute boundary
//   - Returns immediately on success (<400)
//   - Returns an error for other status codes
func (yahooDataProv *yahooDataProvider) processGetRequest(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if yahooDataProv.Limiter != nil {
			if err := yahooDataProv.Limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
		}
		resp, err := yahooDataProv.Client.Do(req)
		if err != nil {
			return nil, err
		}

		// Success
		if resp.StatusCode < 400 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && attempt < yahooDataProv.MaxRetries {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			logger.Infof("rate limit hit, sleeping for %s", wait)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(wait):
			}
			continue
		}

		return nil, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	now := time.Now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
