package wallet

import (
	"context"
	"errors"
)

// Unit selects the denomination of a bearer.
const (
	UnitSat  = "sat"
	UnitMsat = "msat"
)

var (
	// ErrAlreadySpent is returned when a bearer was redeemed before.
	ErrAlreadySpent = errors.New("token already spent")

	// ErrInvalidToken is returned for bearers the wallet cannot parse.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMintUnavailable surfaces mint-side failures. Callers treat it as
	// retryable.
	ErrMintUnavailable = errors.New("mint unavailable")

	// ErrNotImplemented is returned by placeholder payment methods.
	ErrNotImplemented = errors.New("payment method not implemented")
)

// Redemption describes a successfully redeemed bearer.
type Redemption struct {
	AmountMsat int64
	Unit       string
	Mint       string
}

// Wallet is the primitive this service consumes: it redeems bearers into
// credit and mints bearers from credit against a mint. Redemption is at most
// once per bearer; the wallet enforces this.
type Wallet interface {
	// Receive redeems a bearer token and returns the credited amount.
	Receive(ctx context.Context, token string) (Redemption, error)

	// Send mints a new bearer worth amountMsat in the requested unit.
	Send(ctx context.Context, amountMsat int64, unit, mint string) (string, error)

	// SendToAddress pays out to an external address.
	SendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error
}

// MsatToUnit converts an msat amount into the requested unit, truncating.
// The boolean reports whether the conversion produced a positive amount.
func MsatToUnit(amountMsat int64, unit string) (int64, bool) {
	switch unit {
	case UnitMsat:
		return amountMsat, amountMsat > 0
	default:
		sats := amountMsat / 1000
		return sats, sats > 0
	}
}

// UnitToMsat converts an amount in the given unit back to msat.
func UnitToMsat(amount int64, unit string) int64 {
	if unit == UnitMsat {
		return amount
	}
	return amount * 1000
}
