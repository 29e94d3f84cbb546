package wallet

import (
	"context"
	"errors"
	"testing"
)

type noopWallet struct{}

func (noopWallet) Receive(ctx context.Context, token string) (Redemption, error) {
	return Redemption{AmountMsat: 1000, Unit: UnitMsat}, nil
}

func (noopWallet) Send(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	return "cashuBtoken", nil
}

func (noopWallet) SendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error {
	return nil
}

func TestDetectByTokenShape(t *testing.T) {
	registry := NewRegistry(DefaultMethods(noopWallet{})...)
	cases := []struct {
		token string
		want  string
	}{
		{"cashuBo2Ftc...", "ecash"},
		{"lnbc100n1p...", "lightning"},
		{"LNBC100N1P...", "lightning"},
		{"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", "onchain"},
		{"bitcoin:bc1qxyz", "onchain"},
		{"1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", "onchain"},
		{"0xdeadbeef", "stablecoin"},
	}
	for _, tc := range cases {
		method, err := registry.Detect(tc.token)
		if err != nil {
			t.Fatalf("detect %q: %v", tc.token, err)
		}
		if method.Name() != tc.want {
			t.Fatalf("detect %q = %s, want %s", tc.token, method.Name(), tc.want)
		}
	}
}

func TestDetectRejectsUnknownShapes(t *testing.T) {
	registry := NewRegistry(DefaultMethods(noopWallet{})...)
	for _, token := range []string{"", "   ", "sk-notoken", "garbage", "bc1qbadchecksum", "1IllegalBase58"} {
		if _, err := registry.Detect(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("detect %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestPlaceholderRailsAreNotImplemented(t *testing.T) {
	registry := NewRegistry(DefaultMethods(noopWallet{})...)
	method, err := registry.Detect("lnbc100n1p")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if _, err := method.Redeem(context.Background(), "lnbc100n1p"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestMethodLookupByName(t *testing.T) {
	registry := NewRegistry(DefaultMethods(noopWallet{})...)
	if _, err := registry.Method("ecash"); err != nil {
		t.Fatalf("ecash lookup: %v", err)
	}
	if _, err := registry.Method("ECASH"); err != nil {
		t.Fatalf("case-insensitive lookup: %v", err)
	}
	if _, err := registry.Method("carrier-pigeon"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestUnitConversions(t *testing.T) {
	cases := []struct {
		msat   int64
		unit   string
		amount int64
		ok     bool
	}{
		{5000, UnitSat, 5, true},
		{5999, UnitSat, 5, true},
		{999, UnitSat, 0, false},
		{999, UnitMsat, 999, true},
		{0, UnitMsat, 0, false},
	}
	for _, tc := range cases {
		amount, ok := MsatToUnit(tc.msat, tc.unit)
		if amount != tc.amount || ok != tc.ok {
			t.Fatalf("MsatToUnit(%d, %s) = (%d, %v), want (%d, %v)",
				tc.msat, tc.unit, amount, ok, tc.amount, tc.ok)
		}
	}
	if got := UnitToMsat(5, UnitSat); got != 5000 {
		t.Fatalf("UnitToMsat sat = %d", got)
	}
	if got := UnitToMsat(5, UnitMsat); got != 5 {
		t.Fatalf("UnitToMsat msat = %d", got)
	}
}
