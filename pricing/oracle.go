// Package pricing maintains the fiat price sample and computes request costs.
package pricing

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"satgate/observability"
)

const satsPerBTC = 100_000_000

// Source resolves the current USD price for one BTC from a single exchange.
type Source interface {
	Name() string
	FetchUSDPerBTC(ctx context.Context) (float64, error)
}

// Oracle polls redundant exchange sources and publishes a last-known-good
// USD-per-sat rate. Request tasks only ever read the published value; the
// oracle never sits on a request's critical path.
type Oracle struct {
	sources  []Source
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	rate      atomic.Uint64 // float64 bits, USD per sat
	updatedAt atomic.Int64  // unix nanos of last successful refresh
}

// OracleOption configures an Oracle.
type OracleOption func(*Oracle)

// WithOracleTimeout bounds each source fetch.
func WithOracleTimeout(d time.Duration) OracleOption {
	return func(o *Oracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithOracleMetrics installs the shared collectors.
func WithOracleMetrics(m *observability.Metrics) OracleOption {
	return func(o *Oracle) { o.metrics = m }
}

// NewOracle constructs an oracle over the given sources.
func NewOracle(sources []Source, interval time.Duration, logger *slog.Logger, opts ...OracleOption) *Oracle {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Oracle{
		sources:  append([]Source{}, sources...),
		interval: interval,
		timeout:  30 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Rate returns the last-known-good USD-per-sat rate. The boolean is false
// until the first successful refresh.
func (o *Oracle) Rate() (float64, bool) {
	bits := o.rate.Load()
	if bits == 0 {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

// Age reports how long ago the sample was refreshed.
func (o *Oracle) Age() time.Duration {
	updated := o.updatedAt.Load()
	if updated == 0 {
		return math.MaxInt64
	}
	return time.Since(time.Unix(0, updated))
}

// Stale reports whether the sample is older than the threshold. A stale
// sample degrades settlement to prefer token counts over declared USD costs.
func (o *Oracle) Stale(threshold time.Duration) bool {
	return o.Age() > threshold
}

// Refresh queries every source in parallel and publishes the minimum of the
// successful responses, the conservative bound when selling BTC. When all
// sources fail the previous sample is retained.
func (o *Oracle) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type sample struct {
		name  string
		price float64
		err   error
	}
	results := make(chan sample, len(o.sources))
	var wg sync.WaitGroup
	for _, src := range o.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			price, err := src.FetchUSDPerBTC(ctx)
			results <- sample{name: src.Name(), price: price, err: err}
		}(src)
	}
	wg.Wait()
	close(results)

	best := math.Inf(1)
	successes := 0
	for res := range results {
		if res.err != nil {
			o.logger.Debug("price source failed", slog.String("source", res.name), slog.String("error", res.err.Error()))
			continue
		}
		if res.price <= 0 {
			continue
		}
		successes++
		if res.price < best {
			best = res.price
		}
	}
	if successes == 0 {
		o.metrics.ObserveOracleFailure()
		o.logger.Warn("all price sources failed, retaining previous sample")
		return
	}
	usdPerSat := best / satsPerBTC
	o.rate.Store(math.Float64bits(usdPerSat))
	o.updatedAt.Store(time.Now().UnixNano())
	o.metrics.SetOracleAge(0)
	o.logger.Debug("price sample updated",
		slog.Float64("usd_per_btc", best),
		slog.Int("sources", successes))
}

// Run blocks, refreshing on a jittered interval until the context ends.
func (o *Oracle) Run(ctx context.Context) error {
	o.Refresh(ctx)
	for {
		timer := time.NewTimer(jittered(o.interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			o.Refresh(ctx)
			o.metrics.SetOracleAge(o.Age())
		}
	}
}

// jittered spreads ticks by ±10% so redundant instances do not thundering-herd
// the exchanges.
func jittered(d time.Duration) time.Duration {
	spread := float64(d) * 0.1
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
