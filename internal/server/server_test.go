package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contactkeval/vol-surface/internal/data"
	"github.com/contactkeval/vol-surface/internal/metrics"
	"github.com/contactkeval/vol-surface/internal/pricing"
	"github.com/contactkeval/vol-surface/internal/surface"
	"github.com/contactkeval/vol-surface/internal/testutil"
)

var asOf = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	prov := data.NewSyntheticProvider(data.SyntheticOptions{Seed: 9, AsOf: asOf, Spot: 100})
	b, err := surface.NewBuilder(prov, surface.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	s := New(b, metrics.New(), pricing.DefaultSolverConfig())
	s.now = func() time.Time { return asOf }
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
}

func TestPrice(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/price",
		`{"spot":100,"strike":100,"expiry":1,"rate":0.05,"is_call":true,"sigma":0.2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("price: %d %s", rec.Code, rec.Body.String())
	}
	var resp priceResponse
	decode(t, rec, &resp)
	testutil.InDelta(t, "price", resp.Price, 10.4506, 1e-4)
	testutil.InDelta(t, "vega", resp.Vega, 37.5240, 1e-3)
}

func TestImpliedVol(t *testing.T) {
	s := newTestServer(t)

	t.Run("solves", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/iv",
			`{"spot":100,"strike":100,"expiry":1,"rate":0.05,"type":"call","market_price":10.450583572185565}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("iv: %d %s", rec.Code, rec.Body.String())
		}
		var res struct {
			Sigma     float64 `json:"sigma"`
			Converged bool    `json:"converged"`
			Status    string  `json:"status"`
		}
		decode(t, rec, &res)
		if !res.Converged || res.Status != "converged" {
			t.Fatalf("unexpected result %+v", res)
		}
		testutil.InDelta(t, "sigma", res.Sigma, 0.2, 1e-3)
	})

	t.Run("max_iter override", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/iv",
			`{"spot":100,"strike":100,"expiry":1,"rate":0.05,"is_call":true,"market_price":10.450583572185565,"max_iter":1}`)
		var res struct {
			Converged bool   `json:"converged"`
			Status    string `json:"status"`
		}
		decode(t, rec, &res)
		if rec.Code != http.StatusOK || res.Converged || res.Status != "max_iterations" {
			t.Fatalf("expected non-converged result, got %d %s", rec.Code, rec.Body.String())
		}
	})

	errs := []struct {
		name string
		body string
		code int
		kind string
	}{
		{"expired", `{"spot":100,"strike":100,"expiry":0,"type":"call","market_price":1}`, http.StatusUnprocessableEntity, "domain"},
		{"too rich", `{"spot":100,"strike":100,"expiry":1,"type":"call","market_price":150}`, http.StatusUnprocessableEntity, "price_out_of_bounds"},
		{"bad config", `{"spot":100,"strike":100,"expiry":1,"type":"call","market_price":10,"epsilon":-1}`, http.StatusBadRequest, "invalid_config"},
		{"no type", `{"spot":100,"strike":100,"expiry":1,"market_price":10}`, http.StatusUnprocessableEntity, "domain"},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/iv", tt.body)
			var body map[string]string
			decode(t, rec, &body)
			if rec.Code != tt.code || body["kind"] != tt.kind {
				t.Fatalf("got %d %v, want %d %s", rec.Code, body, tt.code, tt.kind)
			}
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		if rec := do(t, s, http.MethodPost, "/iv", `{"spot":`); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestSurfaceEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/surface/spy", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("surface: %d %s", rec.Code, rec.Body.String())
	}
	var surf surface.Surface
	decode(t, rec, &surf)
	if surf.Underlying != "SPY" || len(surf.Points) == 0 {
		t.Fatalf("unexpected surface: %s with %d points", surf.Underlying, len(surf.Points))
	}

	metricsRec := do(t, s, http.MethodGet, "/metrics", "")
	body := metricsRec.Body.String()
	for _, want := range []string{
		`volsurface_surface_points{underlying="SPY"}`,
		`volsurface_solver_solves_total{status="converged"}`,
		`volsurface_http_requests_total{code="200",method="GET",route="/surface/:underlying"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

func TestSurfaceWithoutBuilder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(nil, nil, pricing.DefaultSolverConfig())
	if rec := do(t, s, http.MethodGet, "/surface/SPY", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
