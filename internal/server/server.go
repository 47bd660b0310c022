// Package server exposes the pricer, the IV solver and surface builds over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/contactkeval/vol-surface/internal/logger"
	"github.com/contactkeval/vol-surface/internal/metrics"
	"github.com/contactkeval/vol-surface/internal/pricing"
	"github.com/contactkeval/vol-surface/internal/surface"
)

const requestIDHeader = "X-Request-ID"

// Server wires handlers to a gin engine.
type Server struct {
	engine  *gin.Engine
	builder *surface.Builder
	metrics *metrics.Metrics
	solver  pricing.SolverConfig
	now     func() time.Time
}

// New builds the router. builder may be nil, in which case /surface answers
// 503. A non-nil builder is switched to report into m.
func New(builder *surface.Builder, m *metrics.Metrics, solver pricing.SolverConfig) *Server {
	if m == nil {
		m = metrics.New()
	}
	if builder != nil {
		builder.WithMetrics(m)
	}
	s := &Server{
		builder: builder,
		metrics: m,
		solver:  solver,
		now:     time.Now,
	}

	e := gin.New()
	e.Use(gin.Recovery(), s.requestLogger())

	e.GET("/health", s.health)
	e.GET("/metrics", gin.WrapH(m.Handler()))
	e.POST("/price", s.price)
	e.POST("/iv", s.impliedVol)
	e.GET("/surface/:underlying", s.surface)

	s.engine = e
	return s
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting REST server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Infof("shutting down REST server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger tags each request with an ID and records its outcome.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		elapsed := time.Since(start)

		s.metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(code)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
		logger.Debugf("%s %s %d %s id=%s", c.Request.Method, c.Request.URL.Path, code, elapsed, id)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type priceRequest struct {
	pricing.Quote
	IsCall *bool   `json:"is_call"`
	Sigma  float64 `json:"sigma"`
}

type priceResponse struct {
	Price     float64 `json:"price"`
	Vega      float64 `json:"vega"`
	Intrinsic float64 `json:"intrinsic"`
}

func (s *Server) price(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q := req.quote()

	px, err := pricing.BlackScholesPrice(q, req.Sigma)
	if err != nil {
		writeError(c, err)
		return
	}
	vega, err := pricing.BlackScholesVega(q, req.Sigma)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, priceResponse{Price: px, Vega: vega, Intrinsic: pricing.Intrinsic(q)})
}

// ivRequest is a quote plus optional solver overrides.
type ivRequest struct {
	pricing.Quote
	IsCall   *bool    `json:"is_call"`
	Epsilon  *float64 `json:"epsilon"`
	MaxIter  *int     `json:"max_iter"`
	Seed     *float64 `json:"seed"`
	MinVega  *float64 `json:"min_vega"`
	MinSigma *float64 `json:"min_sigma"`
	MaxSigma *float64 `json:"max_sigma"`
}

func (s *Server) impliedVol(c *gin.Context) {
	var req ivRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := s.solver
	override(&cfg.Epsilon, req.Epsilon)
	override(&cfg.MaxIter, req.MaxIter)
	override(&cfg.Seed, req.Seed)
	override(&cfg.MinVega, req.MinVega)
	override(&cfg.MinSigma, req.MinSigma)
	override(&cfg.MaxSigma, req.MaxSigma)

	q := withIsCall(req.Quote, req.IsCall)
	res, err := pricing.ImpliedVol(q, cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.ObserveSolve(res.Status.String(), res.Iterations)
	c.JSON(http.StatusOK, res)
}

func (s *Server) surface(c *gin.Context) {
	if s.builder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no data provider configured"})
		return
	}
	underlying := c.Param("underlying")

	surf, err := s.builder.Build(c.Request.Context(), underlying, s.now().UTC())
	if err != nil {
		logger.Errorf("surface %s: %v", underlying, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.metrics.SurfacePoints.WithLabelValues(surf.Underlying).Set(float64(len(surf.Points)))
	c.JSON(http.StatusOK, surf)
}

func (r priceRequest) quote() pricing.Quote { return withIsCall(r.Quote, r.IsCall) }

// withIsCall lets clients send is_call instead of type.
func withIsCall(q pricing.Quote, isCall *bool) pricing.Quote {
	if isCall != nil {
		q.Type = pricing.Put
		if *isCall {
			q.Type = pricing.Call
		}
	}
	return q
}

func override[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func writeError(c *gin.Context, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, pricing.ErrInvalidConfig):
		status, kind = http.StatusBadRequest, "invalid_config"
	case errors.Is(err, pricing.ErrPriceOutOfBounds):
		status, kind = http.StatusUnprocessableEntity, "price_out_of_bounds"
	case errors.Is(err, pricing.ErrDomain):
		status, kind = http.StatusUnprocessableEntity, "domain"
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}
