package credit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "credit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedCredential(t *testing.T, store *Store, fingerprint string, balance int64) {
	t.Helper()
	ctx := context.Background()
	if err := store.Upsert(ctx, fingerprint); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if balance > 0 {
		if err := store.Credit(ctx, fingerprint, balance); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}

func TestReserveSettleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 10_000_000)

	if err := store.Reserve(ctx, "fp1", 200_000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cred, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.BalanceMsat != 9_800_000 || cred.ReservedMsat != 200_000 {
		t.Fatalf("after reserve: balance=%d reserved=%d", cred.BalanceMsat, cred.ReservedMsat)
	}

	if err := store.Settle(ctx, "fp1", 200_000, 150); err != nil {
		t.Fatalf("settle: %v", err)
	}
	cred, _ = store.Get(ctx, "fp1")
	if cred.BalanceMsat != 9_999_850 || cred.ReservedMsat != 0 {
		t.Fatalf("after settle: balance=%d reserved=%d", cred.BalanceMsat, cred.ReservedMsat)
	}
}

func TestReserveInsufficient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 100)

	err := store.Reserve(ctx, "fp1", 200)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	cred, _ := store.Get(ctx, "fp1")
	if cred.BalanceMsat != 100 || cred.ReservedMsat != 0 {
		t.Fatalf("failed reserve must not change the row: balance=%d reserved=%d",
			cred.BalanceMsat, cred.ReservedMsat)
	}
}

func TestSettleClipsActual(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 1000)

	if err := store.Reserve(ctx, "fp1", 500); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Actual above the reservation charges exactly the reservation.
	if err := store.Settle(ctx, "fp1", 500, 900); err != nil {
		t.Fatalf("settle: %v", err)
	}
	cred, _ := store.Get(ctx, "fp1")
	if cred.BalanceMsat != 500 || cred.ReservedMsat != 0 {
		t.Fatalf("after clipped settle: balance=%d reserved=%d", cred.BalanceMsat, cred.ReservedMsat)
	}
}

func TestReleaseRestoresBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 1000)

	if err := store.Reserve(ctx, "fp1", 500); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(ctx, "fp1", 500); err != nil {
		t.Fatalf("release: %v", err)
	}
	cred, _ := store.Get(ctx, "fp1")
	if cred.BalanceMsat != 1000 || cred.ReservedMsat != 0 {
		t.Fatalf("after release: balance=%d reserved=%d", cred.BalanceMsat, cred.ReservedMsat)
	}
}

func TestConcurrentReservationsNeverOverReserve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const balance = 1500
	const amount = 1000
	seedCredential(t, store, "fp1", balance)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Reserve(ctx, "fp1", amount); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var won int
	for range successes {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one reservation to win, got %d", won)
	}
	cred, _ := store.Get(ctx, "fp1")
	if cred.BalanceMsat+cred.ReservedMsat != balance {
		t.Fatalf("conservation violated: balance=%d reserved=%d", cred.BalanceMsat, cred.ReservedMsat)
	}
}

func TestConcurrentLifecyclesConserveTotals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const balance = 100_000
	seedCredential(t, store, "fp1", balance)

	const workers = 10
	const perRequest = 1000
	const actual = 300
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(settle bool) {
			defer wg.Done()
			if err := store.Reserve(ctx, "fp1", perRequest); err != nil {
				return
			}
			if settle {
				_ = store.Settle(ctx, "fp1", perRequest, actual)
			} else {
				_ = store.Release(ctx, "fp1", perRequest)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	cred, _ := store.Get(ctx, "fp1")
	if cred.ReservedMsat != 0 {
		t.Fatalf("reservations leaked: reserved=%d", cred.ReservedMsat)
	}
	spent := balance - cred.BalanceMsat
	if spent%actual != 0 || spent > workers*actual {
		t.Fatalf("unexpected spend %d", spent)
	}
}

func TestDeleteGuardedByReservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 1000)

	if err := store.Reserve(ctx, "fp1", 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Delete(ctx, "fp1"); !errors.Is(err, ErrReservationHeld) {
		t.Fatalf("expected ErrReservationHeld, got %v", err)
	}
	if err := store.Release(ctx, "fp1", 400); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "fp1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRefundMetadataSetOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 0)

	if err := store.SetRefundMetadata(ctx, "fp1", "lnurl1first", "https://mint.one", "sat", nil); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := store.SetRefundMetadata(ctx, "fp1", "lnurl1second", "https://mint.two", "msat", nil); err != nil {
		t.Fatalf("set metadata again: %v", err)
	}
	cred, _ := store.Get(ctx, "fp1")
	if cred.RefundAddress != "lnurl1first" || cred.RefundMint != "https://mint.one" {
		t.Fatalf("metadata overwritten: address=%q mint=%q", cred.RefundAddress, cred.RefundMint)
	}
}

func TestOrphanedReservationRecovery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, store, "fp1", 1000)

	if err := store.Reserve(ctx, "fp1", 600); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	orphans, err := store.OrphanedReservations(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Fingerprint != "fp1" {
		t.Fatalf("expected fp1 orphaned, got %+v", orphans)
	}
	if err := store.RecoverReservation(ctx, "fp1", orphans[0].ReservedMsat); err != nil {
		t.Fatalf("recover: %v", err)
	}
	cred, _ := store.Get(ctx, "fp1")
	if cred.BalanceMsat != 1000 || cred.ReservedMsat != 0 {
		t.Fatalf("after recovery: balance=%d reserved=%d", cred.BalanceMsat, cred.ReservedMsat)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutSetting(ctx, "banner", "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutSetting(ctx, "banner", "updated"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, err := store.GetSetting(ctx, "banner")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "updated" {
		t.Fatalf("expected updated, got %q", value)
	}
	all, err := store.ListSettings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all["banner"] != "updated" {
		t.Fatalf("unexpected settings map %v", all)
	}
}
