package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"
)

// Method is one payment rail over the common validate/redeem/refund/balance
// surface. Only ecash is live; the other rails are registered placeholders so
// detection and the topup API stay shape-stable as rails come online.
type Method interface {
	Name() string

	// Validate reports whether the token's shape belongs to this method.
	Validate(token string) bool

	// Redeem converts the bearer into msat credit.
	Redeem(ctx context.Context, token string) (Redemption, error)

	// Refund mints a bearer of amountMsat back to the caller.
	Refund(ctx context.Context, amountMsat int64, unit, mint string) (string, error)

	// CheckBalance reports the rail's spendable balance in msat.
	CheckBalance(ctx context.Context) (int64, error)
}

// Registry holds the payment methods in detection priority order. It is
// built once at startup and read-only afterwards.
type Registry struct {
	methods []Method
}

// NewRegistry constructs a registry. Order is detection priority.
func NewRegistry(methods ...Method) *Registry {
	return &Registry{methods: append([]Method{}, methods...)}
}

// Detect returns the first method that accepts the token's shape.
func (r *Registry) Detect(token string) (Method, error) {
	if r == nil {
		return nil, fmt.Errorf("registry not configured")
	}
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrInvalidToken
	}
	for _, m := range r.methods {
		if m.Validate(trimmed) {
			return m, nil
		}
	}
	return nil, ErrInvalidToken
}

// Method returns a registered method by name.
func (r *Registry) Method(name string) (Method, error) {
	if r == nil {
		return nil, fmt.Errorf("registry not configured")
	}
	for _, m := range r.methods {
		if strings.EqualFold(m.Name(), name) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotImplemented, name)
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry *Registry
)

// SetDefault installs the process-wide registry. Called once at startup.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// ECashMethod is the live rail backed by the wallet primitive.
type ECashMethod struct {
	wallet Wallet
}

// NewECashMethod wraps the wallet primitive as a payment method.
func NewECashMethod(w Wallet) *ECashMethod {
	return &ECashMethod{wallet: w}
}

func (m *ECashMethod) Name() string { return "ecash" }

func (m *ECashMethod) Validate(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), "cashu")
}

func (m *ECashMethod) Redeem(ctx context.Context, token string) (Redemption, error) {
	return m.wallet.Receive(ctx, token)
}

func (m *ECashMethod) Refund(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	return m.wallet.Send(ctx, amountMsat, unit, mint)
}

// SendToAddress pays out to an external address instead of minting a bearer.
func (m *ECashMethod) SendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error {
	return m.wallet.SendToAddress(ctx, amountMsat, unit, mint, address)
}

func (m *ECashMethod) CheckBalance(ctx context.Context) (int64, error) {
	return 0, ErrNotImplemented
}

// placeholderMethod reserves a rail name and token shape without an
// implementation behind it.
type placeholderMethod struct {
	name   string
	accept func(string) bool
}

func (m *placeholderMethod) Name() string { return m.name }

func (m *placeholderMethod) Validate(token string) bool { return m.accept(token) }

func (m *placeholderMethod) Redeem(ctx context.Context, token string) (Redemption, error) {
	return Redemption{}, fmt.Errorf("%w: %s", ErrNotImplemented, m.name)
}

func (m *placeholderMethod) Refund(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNotImplemented, m.name)
}

func (m *placeholderMethod) CheckBalance(ctx context.Context) (int64, error) {
	return 0, fmt.Errorf("%w: %s", ErrNotImplemented, m.name)
}

// NewLightningMethod reserves the BOLT11 rail.
func NewLightningMethod() Method {
	return &placeholderMethod{name: "lightning", accept: func(token string) bool {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(token)), "lnbc")
	}}
}

// NewOnChainMethod reserves the on-chain rail. Detection accepts BIP21 URIs,
// checksummed bech32 segwit addresses and 25-byte base58 legacy addresses.
func NewOnChainMethod() Method {
	return &placeholderMethod{name: "onchain", accept: isOnChainAddress}
}

func isOnChainAddress(token string) bool {
	trimmed := strings.TrimSpace(token)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "bitcoin:"):
		return true
	case strings.HasPrefix(lower, "bc1"):
		_, _, err := bech32.Decode(lower)
		return err == nil
	case strings.HasPrefix(trimmed, "1"), strings.HasPrefix(trimmed, "3"):
		return len(base58.Decode(trimmed)) == 25
	}
	return false
}

// NewStablecoinMethod reserves the stablecoin rail.
func NewStablecoinMethod() Method {
	return &placeholderMethod{name: "stablecoin", accept: func(token string) bool {
		return strings.HasPrefix(strings.TrimSpace(token), "0x")
	}}
}

// DefaultMethods builds the standard priority order with ecash first.
func DefaultMethods(w Wallet) []Method {
	return []Method{
		NewECashMethod(w),
		NewLightningMethod(),
		NewOnChainMethod(),
		NewStablecoinMethod(),
	}
}
