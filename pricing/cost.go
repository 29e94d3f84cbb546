package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"satgate/catalog"
)

// Fallback ceilings for models that do not declare a context window.
const (
	fallbackPromptTokens     = 1_000_000
	fallbackCompletionTokens = 32_000
	fallbackRequestFeeMsat   = 100_000
)

// ErrPricingNotFound indicates a model with no usable pricing at all.
var ErrPricingNotFound = errors.New("pricing not found")

// Usage mirrors the usage object upstream providers attach to responses.
type Usage struct {
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	TotalTokens      int64    `json:"total_tokens"`
	Cost             float64  `json:"cost"`
	CostDetails      *struct {
		UpstreamInferenceCost float64 `json:"upstream_inference_cost"`
	} `json:"cost_details"`
	CompletionTokensDetails *struct {
		ImageTokens int64 `json:"image_tokens"`
	} `json:"completion_tokens_details"`
}

// declaredUSD returns the explicit fiat cost when the response carries one.
func (u *Usage) declaredUSD() (float64, bool) {
	if u == nil {
		return 0, false
	}
	if u.CostDetails != nil && u.CostDetails.UpstreamInferenceCost > 0 {
		return u.CostDetails.UpstreamInferenceCost, true
	}
	if u.Cost > 0 {
		return u.Cost, true
	}
	return 0, false
}

// SettleKind tags the outcome of a settlement computation.
type SettleKind int

const (
	// SettleTokenBased means the cost came from usage metadata.
	SettleTokenBased SettleKind = iota
	// SettleMaxCost means the full reservation is charged.
	SettleMaxCost
	// SettleError means the model cannot be costed at all.
	SettleError
)

func (k SettleKind) String() string {
	switch k {
	case SettleTokenBased:
		return "token_based"
	case SettleMaxCost:
		return "max_cost"
	default:
		return "error"
	}
}

// SettleResult is the outcome of post-response settlement.
type SettleResult struct {
	Kind       SettleKind
	AmountMsat int64
	Err        error
}

// CostModel computes the pessimistic pre-request ceiling and the post-response
// settled cost.
type CostModel struct {
	catalog        *catalog.Catalog
	oracle         *Oracle
	staleThreshold time.Duration
	logger         *slog.Logger
}

// NewCostModel wires the catalog and the price oracle. staleThreshold bounds
// how old a price sample may be before USD-cost settlement is distrusted.
func NewCostModel(cat *catalog.Catalog, oracle *Oracle, staleThreshold time.Duration, logger *slog.Logger) *CostModel {
	if logger == nil {
		logger = slog.Default()
	}
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	return &CostModel{catalog: cat, oracle: oracle, staleThreshold: staleThreshold, logger: logger}
}

// requestHints are the token budget fields read from the request body.
type requestHints struct {
	MaxTokens           int64 `json:"max_tokens"`
	MaxCompletionTokens int64 `json:"max_completion_tokens"`
}

// MaxCost returns the pessimistic reservation ceiling for one request.
func (c *CostModel) MaxCost(modelID string, body []byte) (int64, error) {
	model, err := c.catalog.Model(modelID)
	if err != nil {
		return 0, err
	}
	if model.MaxCostMsat > 0 {
		return model.MaxCostMsat, nil
	}
	provider, err := c.catalog.ProviderFor(modelID)
	if err != nil {
		return 0, err
	}

	completionBudget := model.MaxCompletionTokens
	if len(body) > 0 {
		var hints requestHints
		if err := json.Unmarshal(body, &hints); err == nil {
			if hints.MaxCompletionTokens > 0 {
				completionBudget = hints.MaxCompletionTokens
			} else if hints.MaxTokens > 0 {
				completionBudget = hints.MaxTokens
			}
		}
	}

	var promptTokens, completionTokens, feeMsat int64
	switch {
	case model.ContextLength > 0 && completionBudget > 0 && completionBudget < model.ContextLength:
		promptTokens = model.ContextLength - completionBudget
		completionTokens = completionBudget
		feeMsat = model.RequestFeeMsat
	case model.ContextLength > 0:
		promptTokens = model.ContextLength * 8 / 10
		completionTokens = model.ContextLength * 2 / 10
		feeMsat = model.RequestFeeMsat
	default:
		promptTokens = fallbackPromptTokens
		completionTokens = fallbackCompletionTokens
		feeMsat = model.RequestFeeMsat
		if feeMsat == 0 {
			feeMsat = fallbackRequestFeeMsat
		}
	}

	if !model.HasTokenPricing() && model.MaxCostMsat == 0 {
		return 0, fmt.Errorf("%w: model %s", ErrPricingNotFound, modelID)
	}

	sum := float64(promptTokens)*model.PromptMsatPerToken +
		float64(completionTokens)*model.CompletionMsatPerToken +
		float64(feeMsat)
	total := int64(math.Ceil(sum * provider.FeeMultiplier))
	if total <= 0 {
		return 0, fmt.Errorf("%w: model %s priced at zero", ErrPricingNotFound, modelID)
	}
	return total, nil
}

// Settle converts upstream usage metadata into the actual cost. An explicit
// fiat cost wins over token counts; token counts win over a stale price
// sample; absent or unusable usage charges the full reservation.
func (c *CostModel) Settle(modelID string, usage *Usage, maxCostMsat int64) SettleResult {
	model, err := c.catalog.Model(modelID)
	if err != nil {
		return SettleResult{Kind: SettleError, Err: err}
	}

	if usd, ok := usage.declaredUSD(); ok {
		rate, have := c.oracle.Rate()
		fresh := have && !c.oracle.Stale(c.staleThreshold)
		if fresh || (have && !model.HasTokenPricing()) {
			msat := int64(math.Ceil(usd / rate * 1000))
			return SettleResult{Kind: SettleTokenBased, AmountMsat: msat}
		}
		// Fall through to token counts; a stale or absent sample must not
		// decide a charge when counts are available.
	}

	if usage == nil {
		return SettleResult{Kind: SettleMaxCost, AmountMsat: maxCostMsat}
	}

	if !model.HasTokenPricing() {
		c.logger.Warn("no per-token pricing, charging reservation",
			slog.String("model", modelID))
		return SettleResult{Kind: SettleMaxCost, AmountMsat: maxCostMsat}
	}

	total := int64(math.Ceil(float64(usage.PromptTokens) * model.PromptMsatPerToken))
	completionTokens := usage.CompletionTokens
	if usage.CompletionTokensDetails != nil && model.CompletionImageMsatPerToken > 0 {
		imageTokens := usage.CompletionTokensDetails.ImageTokens
		if imageTokens > 0 && imageTokens <= completionTokens {
			completionTokens -= imageTokens
			total += int64(math.Ceil(float64(imageTokens) * model.CompletionImageMsatPerToken))
		}
	}
	total += int64(math.Ceil(float64(completionTokens) * model.CompletionMsatPerToken))
	return SettleResult{Kind: SettleTokenBased, AmountMsat: total}
}

// Clip bounds a settled amount to [0, maxCost], logging when upstream implied
// more than the reservation. The clipped value is what gets charged; the
// operator eats the overshoot rather than the client.
func (c *CostModel) Clip(result SettleResult, maxCostMsat int64, requestID, modelID string) int64 {
	amount := result.AmountMsat
	if amount < 0 {
		amount = 0
	}
	if amount > maxCostMsat {
		c.logger.Warn("settled cost exceeds reservation, clipping",
			slog.String("request_id", requestID),
			slog.String("model", modelID),
			slog.Int64("settled_msat", amount),
			slog.Int64("max_cost_msat", maxCostMsat))
		amount = maxCostMsat
	}
	return amount
}
