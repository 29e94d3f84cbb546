package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"satgate/catalog"
	"satgate/pricing"
	"satgate/wallet"
)

// refundTimeout bounds the mint round-trips for one inline refund, retries
// included. Long enough for a slow mint, short enough that the client is not
// left hanging.
const refundTimeout = 30 * time.Second

// refundAttempts is the budget for transient mint failures while minting the
// change token. The change is gone for good once the attempts run out, so the
// budget matches the balance-refund path.
const refundAttempts = 3

// serveEphemeral runs the per-request inline-refund lifecycle. The whole
// token is redeemed up front; whatever the request does not consume comes
// back as a fresh token in the response X-Cashu header. Because headers
// precede the body, even SSE responses are buffered here.
func (e *Engine) serveEphemeral(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx := r.Context()
	token := r.Header.Get("X-Cashu")

	method, err := e.registry.Detect(token)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "invalid_token", "unrecognized payment token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBodyBytes))
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "invalid_request", "reading request body")
		return
	}
	_ = r.Body.Close()

	var parsed requestBody
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	if parsed.Model == "" {
		writeErrorKind(w, http.StatusBadRequest, "invalid_request", "request body must name a model")
		return
	}

	maxCost, err := e.cost.MaxCost(parsed.Model, body)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrModelNotFound), errors.Is(err, pricing.ErrPricingNotFound):
			writeErrorKind(w, http.StatusNotFound, "model_not_found", err.Error())
		default:
			writeErrorKind(w, http.StatusInternalServerError, "internal", "estimating request cost")
		}
		return
	}

	red, err := method.Redeem(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrAlreadySpent):
			writeErrorKind(w, http.StatusBadRequest, "already_spent", "token already spent")
		case errors.Is(err, wallet.ErrInvalidToken):
			writeErrorKind(w, http.StatusBadRequest, "invalid_token", "unparseable token")
		case errors.Is(err, wallet.ErrNotImplemented):
			writeErrorKind(w, http.StatusNotImplemented, "not_implemented", "payment method not available")
		default:
			writeErrorKind(w, http.StatusServiceUnavailable, "payment_service_unavailable", "mint unavailable")
		}
		return
	}

	if red.AmountMsat < maxCost {
		e.issueRefund(ctx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		writeInsufficient(w, maxCost, parsed.Model)
		return
	}

	e.logger.Info("ephemeral token redeemed",
		slog.String("request_id", requestID),
		slog.String("model", parsed.Model),
		slog.Int64("amount_msat", red.AmountMsat),
		slog.Int64("max_cost_msat", maxCost))

	target, err := e.router.Resolve(parsed.Model, r.URL.Path)
	if err != nil {
		e.issueRefund(ctx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "no upstream for model")
		return
	}

	upCtx := context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(upCtx, r.Method, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		e.issueRefund(ctx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "building upstream request")
		return
	}
	req.URL.RawQuery = r.URL.RawQuery
	catalog.RewriteHeaders(req, r.Header, target.Provider)

	resp, err := e.client.Do(req)
	if err != nil {
		e.issueRefund(upCtx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "upstream unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.issueRefund(upCtx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		writeErrorKind(w, http.StatusBadGateway, "upstream_transport", "reading upstream response")
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.issueRefund(upCtx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(raw)
		return
	}

	usage, model := extractUsage(raw, isEventStream(resp.Header.Get("Content-Type")))
	settleModel := responseModel(model, parsed.Model)

	var actual int64
	if usage == nil {
		// No usage means no honest charge can be computed. Everything minus
		// the processing fee goes back; the fee stops malformed upstream
		// bodies from turning into free inference.
		e.logger.Warn("no usage in upstream response, emergency refund",
			slog.String("request_id", requestID),
			slog.String("model", settleModel))
		e.issueRefund(upCtx, w, method, red, red.AmountMsat-e.processingFeeMsat, requestID)
		e.metrics.ObserveSettlement(pricing.SettleMaxCost.String(), e.processingFeeMsat)
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(raw)
		return
	}

	result := e.cost.Settle(settleModel, usage, maxCost)
	if result.Kind == pricing.SettleError {
		result = pricing.SettleResult{Kind: pricing.SettleMaxCost, AmountMsat: maxCost}
	}
	actual = e.cost.Clip(result, maxCost, requestID, settleModel)

	e.issueRefund(upCtx, w, method, red, red.AmountMsat-actual, requestID)
	e.metrics.ObserveSettlement(result.Kind.String(), actual)
	e.logger.Info("ephemeral request settled",
		slog.String("request_id", requestID),
		slog.String("model", settleModel),
		slog.Int64("amount_msat", red.AmountMsat),
		slog.Int64("actual_cost_msat", actual),
		slog.String("kind", result.Kind.String()))

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)
}

// issueRefund mints the change token and sets it on the response. Amounts at
// or below zero, or that truncate to zero in the bearer's unit, are absorbed
// rather than minted.
func (e *Engine) issueRefund(ctx context.Context, w http.ResponseWriter, method wallet.Method,
	red wallet.Redemption, amountMsat int64, requestID string) {
	if amountMsat <= 0 {
		return
	}
	unitAmount, ok := wallet.MsatToUnit(amountMsat, red.Unit)
	if !ok {
		return
	}
	refundMsat := wallet.UnitToMsat(unitAmount, red.Unit)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	var token string
	var err error
	for attempt := 1; ; attempt++ {
		token, err = method.Refund(rctx, refundMsat, red.Unit, red.Mint)
		if err == nil || !errors.Is(err, wallet.ErrMintUnavailable) || attempt == refundAttempts {
			break
		}
		e.logger.Warn("inline refund attempt failed",
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-rctx.Done():
		case <-time.After(time.Duration(attempt) * time.Second):
			continue
		}
		break
	}
	if err != nil {
		e.metrics.ObserveRefund("failed")
		e.logger.Error("inline refund failed",
			slog.String("request_id", requestID),
			slog.Int64("amount_msat", refundMsat),
			slog.String("error", err.Error()))
		return
	}
	e.metrics.ObserveRefund("inline")
	w.Header().Set("X-Cashu", token)
}

// extractUsage pulls the usage object out of a buffered upstream body. SSE
// bodies run through the line collector; JSON bodies decode directly. The
// "<ReadableStream>" placeholder some upstreams emit decodes to nothing and
// yields a nil usage.
func extractUsage(raw []byte, sse bool) (*pricing.Usage, string) {
	if sse {
		c := &sseCollector{}
		c.feedAll(raw)
		return c.usage, c.model
	}
	var parsed struct {
		Model string         `json:"model"`
		Usage *pricing.Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, ""
	}
	return parsed.Usage, parsed.Model
}
