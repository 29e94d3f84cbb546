// Package refund converts a credential's remaining balance back into an
// ecash bearer or an external payout.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"satgate/auth"
	"satgate/credit"
	"satgate/observability"
	"satgate/wallet"
)

var (
	// ErrRefundBlocked rejects refunds while a reservation is in flight.
	ErrRefundBlocked = errors.New("refund blocked by active reservation")

	// ErrBalanceTooSmall rejects balances that truncate to zero in the
	// refund unit.
	ErrBalanceTooSmall = errors.New("balance too small to refund")

	// ErrRefundFailed wraps wallet-side failures after retries are spent.
	ErrRefundFailed = errors.New("refund failed")
)

const defaultAttempts = 3

// Payout is the artifact handed back to the client.
type Payout struct {
	Token      string `json:"token,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	AmountMsat int64  `json:"msats"`
	Unit       string `json:"unit"`
	Mint       string `json:"mint,omitempty"`
}

// Options tune a single refund call.
type Options struct {
	// Mint overrides the credential's recorded mint.
	Mint string
	// Unit overrides the credential's refund currency.
	Unit string
}

// Service drives the refund path.
type Service struct {
	auth     *auth.Authenticator
	store    *credit.Store
	registry *wallet.Registry
	cache    *Cache
	logger   *slog.Logger
	metrics  *observability.Metrics
	attempts int
}

// NewService wires the refund dependencies. A nil cache gets a default
// five-minute in-memory one.
func NewService(authn *auth.Authenticator, store *credit.Store, registry *wallet.Registry,
	cache *Cache, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewCache(0)
	}
	return &Service{
		auth:     authn,
		store:    store,
		registry: registry,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
		attempts: defaultAttempts,
	}
}

// Refund pays out the credential behind bearer. Repeat calls within the cache
// TTL return the original payout without touching the wallet; the credential
// row is deleted on success, so the cache is the only replay protection.
func (s *Service) Refund(ctx context.Context, bearer string, opts Options) (Payout, error) {
	key := auth.Fingerprint(bearer)
	if payout, ok := s.cache.Get(key); ok {
		s.metrics.ObserveRefund("cached")
		return payout, nil
	}

	cred, err := s.auth.Locate(ctx, bearer)
	if err != nil {
		return Payout{}, err
	}
	if cred.ReservedMsat > 0 {
		return Payout{}, ErrRefundBlocked
	}

	unit := cred.RefundCurrency
	if opts.Unit != "" {
		unit = opts.Unit
	}
	if unit == "" {
		unit = wallet.UnitSat
	}
	mint := cred.RefundMint
	if opts.Mint != "" {
		mint = opts.Mint
	}

	unitAmount, ok := wallet.MsatToUnit(cred.BalanceMsat, unit)
	if !ok {
		return Payout{}, ErrBalanceTooSmall
	}
	amountMsat := wallet.UnitToMsat(unitAmount, unit)

	method, err := s.registry.Method("ecash")
	if err != nil {
		return Payout{}, fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}

	payout := Payout{AmountMsat: amountMsat, Unit: unit, Mint: mint}
	if cred.RefundAddress != "" {
		payout.Recipient = cred.RefundAddress
		err = s.withRetries(ctx, func(attempt int) error {
			return s.sendToAddress(ctx, amountMsat, unit, mint, cred.RefundAddress)
		})
	} else {
		err = s.withRetries(ctx, func(attempt int) error {
			token, sendErr := method.Refund(ctx, amountMsat, unit, mint)
			if sendErr != nil {
				return sendErr
			}
			payout.Token = token
			return nil
		})
	}
	if err != nil {
		s.metrics.ObserveRefund("failed")
		if errors.Is(err, wallet.ErrMintUnavailable) {
			return Payout{}, err
		}
		return Payout{}, fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}

	if err := s.store.Delete(ctx, cred.Fingerprint); err != nil {
		// The payout already happened; a failed delete is an accounting
		// anomaly to surface, not a reason to fail the call.
		s.logger.Error("credential delete after refund failed",
			slog.String("fingerprint", auth.Abbrev(cred.Fingerprint)),
			slog.String("error", err.Error()))
	}
	s.cache.Put(key, payout)
	s.metrics.ObserveRefund("paid")
	s.logger.Info("refund paid",
		slog.String("fingerprint", auth.Abbrev(cred.Fingerprint)),
		slog.Int64("amount_msat", amountMsat),
		slog.String("unit", unit))
	return payout, nil
}

func (s *Service) sendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error {
	type addressSender interface {
		SendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error
	}
	method, err := s.registry.Method("ecash")
	if err != nil {
		return err
	}
	if sender, ok := method.(addressSender); ok {
		return sender.SendToAddress(ctx, amountMsat, unit, mint, address)
	}
	return fmt.Errorf("payment method cannot pay to address")
}

// withRetries runs fn up to the configured attempt budget, backing off
// briefly between transient failures.
func (s *Service) withRetries(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, wallet.ErrMintUnavailable) {
			return lastErr
		}
		s.logger.Warn("refund attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return lastErr
}
