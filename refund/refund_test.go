package refund

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"satgate/auth"
	"satgate/credit"
	"satgate/wallet"
)

type countingWallet struct {
	sends     int
	sendErrs  []error
	addrCalls int
}

func (c *countingWallet) Receive(ctx context.Context, token string) (wallet.Redemption, error) {
	return wallet.Redemption{}, wallet.ErrInvalidToken
}

func (c *countingWallet) Send(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	c.sends++
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("cashuBpayout%d", amountMsat), nil
}

func (c *countingWallet) SendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error {
	c.addrCalls++
	return nil
}

func newTestService(t *testing.T) (*Service, *credit.Store, *countingWallet) {
	t.Helper()
	store, err := credit.Open(filepath.Join(t.TempDir(), "refund.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cw := &countingWallet{}
	registry := wallet.NewRegistry(wallet.DefaultMethods(cw)...)
	authn := auth.New(store, registry, nil)
	svc := NewService(authn, store, registry, NewCache(time.Minute), nil, nil)
	return svc, store, cw
}

func seedBearer(t *testing.T, store *credit.Store, bearer string, balance int64) string {
	t.Helper()
	ctx := context.Background()
	fp := auth.Fingerprint(bearer)
	if err := store.Upsert(ctx, fp); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Credit(ctx, fp, balance); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return fp
}

func TestRefundPaysOutAndDeletesRow(t *testing.T) {
	svc, store, cw := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBoriginal"
	fp := seedBearer(t, store, bearer, 7000)

	payout, err := svc.Refund(ctx, bearer, Options{})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	// 7000 msat truncates to 7 sat.
	if payout.AmountMsat != 7000 || payout.Unit != wallet.UnitSat {
		t.Fatalf("payout = %+v", payout)
	}
	if payout.Token == "" {
		t.Fatal("payout token missing")
	}
	if cw.sends != 1 {
		t.Fatalf("wallet sends = %d", cw.sends)
	}
	if _, err := store.Get(ctx, fp); !errors.Is(err, credit.ErrNotFound) {
		t.Fatalf("row should be gone, got %v", err)
	}
}

func TestRefundIdempotentWithinTTL(t *testing.T) {
	svc, store, cw := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBretry"
	seedBearer(t, store, bearer, 5000)

	first, err := svc.Refund(ctx, bearer, Options{})
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	// The row is gone now; only the cache can answer the retry.
	second, err := svc.Refund(ctx, bearer, Options{})
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if first != second {
		t.Fatalf("payouts diverged: %+v vs %+v", first, second)
	}
	if cw.sends != 1 {
		t.Fatalf("wallet invoked %d times, want 1", cw.sends)
	}
}

func TestRefundBlockedByReservation(t *testing.T) {
	svc, store, cw := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBheld"
	fp := seedBearer(t, store, bearer, 5000)
	if err := store.Reserve(ctx, fp, 1000); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := svc.Refund(ctx, bearer, Options{}); !errors.Is(err, ErrRefundBlocked) {
		t.Fatalf("expected ErrRefundBlocked, got %v", err)
	}
	if cw.sends != 0 {
		t.Fatal("wallet must not be touched while a reservation is held")
	}
}

func TestRefundBalanceTooSmall(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBdust"
	fp := seedBearer(t, store, bearer, 500)

	if _, err := svc.Refund(ctx, bearer, Options{}); !errors.Is(err, ErrBalanceTooSmall) {
		t.Fatalf("expected ErrBalanceTooSmall, got %v", err)
	}
	if _, err := store.Get(ctx, fp); err != nil {
		t.Fatalf("row must survive a failed refund: %v", err)
	}
}

func TestRefundMsatUnitKeepsDust(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBmsat"
	seedBearer(t, store, bearer, 500)

	payout, err := svc.Refund(ctx, bearer, Options{Unit: wallet.UnitMsat})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payout.AmountMsat != 500 || payout.Unit != wallet.UnitMsat {
		t.Fatalf("payout = %+v", payout)
	}
}

func TestRefundRetriesTransientMintFailure(t *testing.T) {
	svc, store, cw := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBflaky"
	seedBearer(t, store, bearer, 5000)
	cw.sendErrs = []error{wallet.ErrMintUnavailable}

	payout, err := svc.Refund(ctx, bearer, Options{})
	if err != nil {
		t.Fatalf("refund after retry: %v", err)
	}
	if payout.Token == "" {
		t.Fatal("payout token missing")
	}
	if cw.sends != 2 {
		t.Fatalf("wallet sends = %d, want 2", cw.sends)
	}
}

func TestRefundMintDownKeepsRow(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBdown"
	fp := seedBearer(t, store, bearer, 5000)

	svc2 := svc
	cw := &countingWallet{sendErrs: []error{
		wallet.ErrMintUnavailable, wallet.ErrMintUnavailable, wallet.ErrMintUnavailable,
	}}
	registry := wallet.NewRegistry(wallet.DefaultMethods(cw)...)
	svc2.registry = registry

	if _, err := svc2.Refund(ctx, bearer, Options{}); !errors.Is(err, wallet.ErrMintUnavailable) {
		t.Fatalf("expected ErrMintUnavailable, got %v", err)
	}
	if _, err := store.Get(ctx, fp); err != nil {
		t.Fatalf("row must survive mint downtime: %v", err)
	}
}

func TestRefundExternalAddress(t *testing.T) {
	svc, store, cw := newTestService(t)
	ctx := context.Background()
	bearer := "cashuBlnurl"
	fp := seedBearer(t, store, bearer, 5000)
	if err := store.SetRefundMetadata(ctx, fp, "lnurl1dest", "", "", nil); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	payout, err := svc.Refund(ctx, bearer, Options{})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payout.Recipient != "lnurl1dest" || payout.Token != "" {
		t.Fatalf("payout = %+v", payout)
	}
	if cw.addrCalls != 1 || cw.sends != 0 {
		t.Fatalf("addrCalls=%d sends=%d", cw.addrCalls, cw.sends)
	}
}
