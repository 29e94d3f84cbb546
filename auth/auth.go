// Package auth resolves client bearers to credential rows. A bearer is either
// a long-lived API key (sk- prefix over the credential fingerprint) or an
// ecash token that materialises a credential on first redemption.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"satgate/credit"
	"satgate/wallet"
)

// APIKeyPrefix marks a bearer as a fingerprint lookup rather than a token.
const APIKeyPrefix = "sk-"

var (
	// ErrUnauthorized covers missing or malformed Authorization headers.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken covers bearers no payment method accepts.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAlreadySpent covers bearers the mint refuses to redeem again.
	ErrAlreadySpent = errors.New("token already spent")

	// ErrMintUnavailable surfaces wallet-side failures as retryable.
	ErrMintUnavailable = errors.New("mint unavailable")
)

// CreateOptions carries refund preferences read at credential create time.
// They are only set, never overwritten on later accesses.
type CreateOptions struct {
	RefundAddress    string
	RefundCurrency   string
	RefundExpiration *time.Time
}

// Authenticator resolves bearers against the credit store and the payment
// method registry.
type Authenticator struct {
	store    *credit.Store
	registry *wallet.Registry
	logger   *slog.Logger
}

// New constructs an Authenticator.
func New(store *credit.Store, registry *wallet.Registry, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, registry: registry, logger: logger}
}

// Fingerprint computes the hex SHA-256 of a bearer secret.
func Fingerprint(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}

// BearerFromHeader extracts the bearer value from an Authorization header.
func BearerFromHeader(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", ErrUnauthorized
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrUnauthorized
	}
	bearer := strings.TrimSpace(parts[1])
	if bearer == "" {
		return "", ErrUnauthorized
	}
	return bearer, nil
}

// Resolve maps a bearer to its credential row. Ecash bearers are redeemed
// before the row is returned so the credited balance is visible to the
// caller's reservation.
func (a *Authenticator) Resolve(ctx context.Context, bearer string, opts CreateOptions) (credit.Credential, error) {
	trimmed := strings.TrimSpace(bearer)
	if trimmed == "" {
		return credit.Credential{}, ErrUnauthorized
	}
	if rest, ok := strings.CutPrefix(trimmed, APIKeyPrefix); ok {
		cred, err := a.store.Get(ctx, rest)
		if err != nil {
			if errors.Is(err, credit.ErrNotFound) {
				return credit.Credential{}, ErrUnauthorized
			}
			return credit.Credential{}, err
		}
		return cred, nil
	}
	return a.redeem(ctx, trimmed, opts)
}

// ResolveRequest resolves the Authorization header of an HTTP request.
func (a *Authenticator) ResolveRequest(ctx context.Context, r *http.Request) (credit.Credential, error) {
	bearer, err := BearerFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		return credit.Credential{}, err
	}
	opts := CreateOptions{
		RefundAddress: strings.TrimSpace(r.Header.Get("Refund-LNURL")),
	}
	if raw := strings.TrimSpace(r.Header.Get("Refund-Expiry")); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.RefundExpiration = &t
		}
	}
	return a.Resolve(ctx, bearer, opts)
}

// Locate finds an existing credential row without redeeming anything. The
// refund path uses this so a retried ecash bearer does not hit the mint a
// second time.
func (a *Authenticator) Locate(ctx context.Context, bearer string) (credit.Credential, error) {
	trimmed := strings.TrimSpace(bearer)
	if trimmed == "" {
		return credit.Credential{}, ErrUnauthorized
	}
	fingerprint := strings.TrimPrefix(trimmed, APIKeyPrefix)
	if !strings.HasPrefix(trimmed, APIKeyPrefix) {
		fingerprint = Fingerprint(trimmed)
	}
	cred, err := a.store.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, credit.ErrNotFound) {
			return credit.Credential{}, ErrUnauthorized
		}
		return credit.Credential{}, err
	}
	return cred, nil
}

func (a *Authenticator) redeem(ctx context.Context, token string, opts CreateOptions) (credit.Credential, error) {
	method, err := a.registry.Detect(token)
	if err != nil {
		return credit.Credential{}, ErrInvalidToken
	}
	fingerprint := Fingerprint(token)
	redemption, err := method.Redeem(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, wallet.ErrAlreadySpent):
		// The row may already carry credit from the first redemption.
		cred, getErr := a.store.Get(ctx, fingerprint)
		if getErr == nil && cred.BalanceMsat+cred.ReservedMsat > 0 {
			return cred, nil
		}
		return credit.Credential{}, ErrAlreadySpent
	case errors.Is(err, wallet.ErrInvalidToken):
		return credit.Credential{}, ErrInvalidToken
	case errors.Is(err, wallet.ErrMintUnavailable):
		return credit.Credential{}, fmt.Errorf("%w: %v", ErrMintUnavailable, err)
	default:
		return credit.Credential{}, fmt.Errorf("redeem bearer: %w", err)
	}

	// The row exists only once the mint has accepted the token, so rejected
	// bearers leave nothing behind.
	if err := a.store.Upsert(ctx, fingerprint); err != nil {
		return credit.Credential{}, err
	}
	if opts.RefundAddress != "" || opts.RefundCurrency != "" || opts.RefundExpiration != nil {
		if err := a.store.SetRefundMetadata(ctx, fingerprint, opts.RefundAddress, "", opts.RefundCurrency, opts.RefundExpiration); err != nil {
			return credit.Credential{}, err
		}
	}
	if err := a.store.Credit(ctx, fingerprint, redemption.AmountMsat); err != nil {
		return credit.Credential{}, err
	}
	if redemption.Mint != "" {
		if err := a.store.SetRefundMetadata(ctx, fingerprint, "", redemption.Mint, redemption.Unit, nil); err != nil {
			return credit.Credential{}, err
		}
	}
	a.logger.Info("bearer redeemed",
		slog.String("fingerprint", Abbrev(fingerprint)),
		slog.Int64("amount_msat", redemption.AmountMsat),
		slog.String("method", method.Name()))
	return a.store.Get(ctx, fingerprint)
}

// Abbrev shortens a fingerprint for log lines.
func Abbrev(fingerprint string) string {
	if len(fingerprint) <= 12 {
		return fingerprint
	}
	return fingerprint[:12]
}
