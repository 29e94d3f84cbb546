// Package proxy implements the metered request lifecycle: authenticate,
// reserve, forward, observe, settle, release.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"satgate/auth"
	"satgate/catalog"
	"satgate/credit"
	"satgate/observability"
	"satgate/pricing"
	"satgate/wallet"
)

const defaultMaxBodyBytes = 8 << 20

// Engine drives the proxy state machine for every /v1/* request.
type Engine struct {
	store    *credit.Store
	auth     *auth.Authenticator
	cost     *pricing.CostModel
	router   *catalog.Router
	registry *wallet.Registry
	client   *http.Client
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	processingFeeMsat int64
	maxBodyBytes      int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the upstream client. The default carries an otel
// transport and no request timeout: completions run long by design.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.client = c
		}
	}
}

// WithProcessingFee sets the fee retained on ephemeral emergency refunds.
func WithProcessingFee(msat int64) Option {
	return func(e *Engine) {
		if msat >= 0 {
			e.processingFeeMsat = msat
		}
	}
}

// WithMetrics installs the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs the engine.
func New(store *credit.Store, authn *auth.Authenticator, cost *pricing.CostModel,
	router *catalog.Router, registry *wallet.Registry, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		auth:     authn,
		cost:     cost,
		router:   router,
		registry: registry,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:            logger,
		tracer:            otel.Tracer("satgate/proxy"),
		processingFeeMsat: 1000,
		maxBodyBytes:      defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// reservationGuard guarantees exactly one settle-or-release per reservation,
// on every exit path including panic and client cancellation. Store calls use
// a background context: the charge must land even when the request context is
// already dead.
type reservationGuard struct {
	once        sync.Once
	store       *credit.Store
	fingerprint string
	reserved    int64
	logger      *slog.Logger
	metrics     *observability.Metrics
	requestID   string
	model       string
}

func (g *reservationGuard) settle(actualMsat int64, kind string) {
	g.once.Do(func() {
		ctx := context.Background()
		if err := g.store.Settle(ctx, g.fingerprint, g.reserved, actualMsat); err != nil {
			g.logger.Error("settle failed",
				slog.String("request_id", g.requestID),
				slog.String("fingerprint", auth.Abbrev(g.fingerprint)),
				slog.String("error", err.Error()))
			return
		}
		g.metrics.ObserveSettlement(kind, actualMsat)
		g.logger.Info("request settled",
			slog.String("request_id", g.requestID),
			slog.String("model", g.model),
			slog.Int64("max_cost_msat", g.reserved),
			slog.Int64("actual_cost_msat", actualMsat),
			slog.String("kind", kind))
	})
}

func (g *reservationGuard) release() {
	g.once.Do(func() {
		ctx := context.Background()
		if err := g.store.Release(ctx, g.fingerprint, g.reserved); err != nil {
			g.logger.Error("release failed",
				slog.String("request_id", g.requestID),
				slog.String("fingerprint", auth.Abbrev(g.fingerprint)),
				slog.String("error", err.Error()))
			return
		}
		g.metrics.ObserveSettlement("released", 0)
	})
}

type requestBody struct {
	Model string `json:"model"`
}

// ServeHTTP runs one request through the lifecycle.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	if r.Header.Get("X-Cashu") != "" {
		e.serveEphemeral(w, r, requestID)
		return
	}

	ctx, span := e.tracer.Start(r.Context(), "proxy.request",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	cred, err := e.auth.ResolveRequest(ctx, r)
	if err != nil {
		e.writeAuthError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBodyBytes))
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "invalid_request", "reading request body")
		return
	}
	_ = r.Body.Close()

	modelID := ""
	if len(body) > 0 {
		var parsed requestBody
		if err := json.Unmarshal(body, &parsed); err == nil {
			modelID = parsed.Model
		}
	}
	if modelID == "" {
		if r.Method == http.MethodGet {
			e.forwardUnmetered(w, r, requestID)
			return
		}
		writeErrorKind(w, http.StatusBadRequest, "invalid_request", "request body must name a model")
		return
	}
	span.SetAttributes(attribute.String("model", modelID))

	maxCost, err := e.cost.MaxCost(modelID, body)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrModelNotFound), errors.Is(err, pricing.ErrPricingNotFound):
			writeErrorKind(w, http.StatusNotFound, "model_not_found", err.Error())
		default:
			writeErrorKind(w, http.StatusInternalServerError, "internal", "estimating request cost")
		}
		return
	}

	if err := e.store.Reserve(ctx, cred.Fingerprint, maxCost); err != nil {
		if errors.Is(err, credit.ErrInsufficientBalance) {
			writeInsufficient(w, maxCost, modelID)
			return
		}
		writeErrorKind(w, http.StatusInternalServerError, "internal", "reserving balance")
		return
	}
	e.metrics.ObserveReservation()

	guard := &reservationGuard{
		store:       e.store,
		fingerprint: cred.Fingerprint,
		reserved:    maxCost,
		logger:      e.logger,
		metrics:     e.metrics,
		requestID:   requestID,
		model:       modelID,
	}
	defer func() {
		if rec := recover(); rec != nil {
			guard.release()
			e.logger.Error("panic in proxy engine",
				slog.String("request_id", requestID),
				slog.String("panic", fmt.Sprint(rec)))
			writeErrorKind(w, http.StatusInternalServerError, "internal", "internal error")
		}
	}()

	e.forward(w, r, requestID, modelID, body, maxCost, guard)
}

// forward dispatches to the upstream and routes the response into the
// buffered or streaming settlement path.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, requestID, modelID string,
	body []byte, maxCost int64, guard *reservationGuard) {
	target, err := e.router.Resolve(modelID, r.URL.Path)
	if err != nil {
		guard.release()
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "no upstream for model")
		return
	}

	// Detached from the client context: a buffered read should complete even
	// if the client walks away. Streaming installs its own cancellation below.
	upCtx, upCancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer upCancel()

	req, err := http.NewRequestWithContext(upCtx, r.Method, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		guard.release()
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "building upstream request")
		return
	}
	req.URL.RawQuery = r.URL.RawQuery
	catalog.RewriteHeaders(req, r.Header, target.Provider)

	resp, err := e.client.Do(req)
	if err != nil {
		guard.release()
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "upstream unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// The status check precedes any settlement: failed requests release the
	// whole reservation and pass the upstream response through unchanged.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		guard.release()
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		e.streamResponse(w, r, resp, requestID, modelID, maxCost, guard, upCancel)
		return
	}
	e.bufferResponse(w, resp, requestID, modelID, maxCost, guard)
}

// bufferResponse reads the whole body, settles from its usage object and
// relays it. Parse failures settle at the reservation ceiling.
func (e *Engine) bufferResponse(w http.ResponseWriter, resp *http.Response,
	requestID, modelID string, maxCost int64, guard *reservationGuard) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		guard.settle(maxCost, pricing.SettleMaxCost.String())
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "reading upstream response")
		return
	}

	var parsed struct {
		Model string         `json:"model"`
		Usage *pricing.Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		e.logger.Warn("unparseable upstream body, charging reservation",
			slog.String("request_id", requestID),
			slog.String("model", modelID))
		guard.settle(maxCost, pricing.SettleMaxCost.String())
	} else {
		settleModel := responseModel(parsed.Model, modelID)
		result := e.cost.Settle(settleModel, parsed.Usage, maxCost)
		if result.Kind == pricing.SettleError {
			result = pricing.SettleResult{Kind: pricing.SettleMaxCost, AmountMsat: maxCost}
		}
		actual := e.cost.Clip(result, maxCost, requestID, settleModel)
		guard.settle(actual, result.Kind.String())
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)
}

// streamResponse tees upstream bytes to the client while a line parser
// watches for the trailing usage object. A client disconnect cancels the
// upstream read; the deferred settle then charges whatever was observed, or
// the full reservation when nothing was.
func (e *Engine) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response,
	requestID, modelID string, maxCost int64, guard *reservationGuard, upCancel context.CancelFunc) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	collector := &sseCollector{}
	fw := newFlushWriter(w)

	// Mirror the client's departure onto the upstream call.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-r.Context().Done():
			upCancel()
		case <-watchDone:
		}
	}()

	scanner := bufio.NewScanner(io.TeeReader(resp.Body, fw))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		collector.feed(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		e.logger.Debug("stream interrupted",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		upCancel()
	}

	settleModel := responseModel(collector.model, modelID)
	if collector.usage == nil {
		guard.settle(maxCost, pricing.SettleMaxCost.String())
		return
	}
	result := e.cost.Settle(settleModel, collector.usage, maxCost)
	if result.Kind == pricing.SettleError {
		result = pricing.SettleResult{Kind: pricing.SettleMaxCost, AmountMsat: maxCost}
	}
	actual := e.cost.Clip(result, maxCost, requestID, settleModel)
	guard.settle(actual, result.Kind.String())
}

// forwardUnmetered relays bodyless GET requests (model listings and the like)
// to the default upstream without touching the credit store.
func (e *Engine) forwardUnmetered(w http.ResponseWriter, r *http.Request, requestID string) {
	target, err := e.router.Resolve("", r.URL.Path)
	if err != nil {
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "no default upstream")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.URL.String(), nil)
	if err != nil {
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "building upstream request")
		return
	}
	req.URL.RawQuery = r.URL.RawQuery
	catalog.RewriteHeaders(req, r.Header, target.Provider)
	resp, err := e.client.Do(req)
	if err != nil {
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "upstream unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (e *Engine) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeErrorKind(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeErrorKind(w, http.StatusBadRequest, "invalid_token", "unparseable bearer")
	case errors.Is(err, auth.ErrAlreadySpent):
		writeErrorKind(w, http.StatusBadRequest, "already_spent", "token already spent")
	case errors.Is(err, auth.ErrMintUnavailable):
		writeErrorKind(w, http.StatusServiceUnavailable, "payment_service_unavailable", "mint unavailable")
	default:
		writeErrorKind(w, http.StatusInternalServerError, "internal", "authentication failed")
	}
}
