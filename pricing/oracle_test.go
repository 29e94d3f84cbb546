package pricing

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSource struct {
	name  string
	price float64
	err   error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) FetchUSDPerBTC(ctx context.Context) (float64, error) {
	return s.price, s.err
}

func TestRefreshPublishesMinimumOfSuccesses(t *testing.T) {
	oracle := NewOracle([]Source{
		stubSource{name: "a", price: 100_000},
		stubSource{name: "b", price: 99_000},
		stubSource{name: "c", err: errors.New("down")},
	}, time.Minute, nil)

	if _, ok := oracle.Rate(); ok {
		t.Fatal("rate must be absent before the first refresh")
	}
	oracle.Refresh(context.Background())

	rate, ok := oracle.Rate()
	if !ok {
		t.Fatal("expected a published rate")
	}
	want := 99_000.0 / satsPerBTC
	if rate != want {
		t.Fatalf("rate = %v, want %v", rate, want)
	}
	if oracle.Stale(time.Minute) {
		t.Fatal("fresh sample reported stale")
	}
}

func TestRefreshRetainsPreviousOnTotalFailure(t *testing.T) {
	good := stubSource{name: "a", price: 50_000}
	oracle := NewOracle([]Source{good}, time.Minute, nil)
	oracle.Refresh(context.Background())
	before, _ := oracle.Rate()

	oracle.sources = []Source{stubSource{name: "a", err: errors.New("down")}}
	oracle.Refresh(context.Background())

	after, ok := oracle.Rate()
	if !ok || after != before {
		t.Fatalf("rate changed across a failed refresh: before=%v after=%v ok=%v", before, after, ok)
	}
}

func TestRefreshIgnoresNonPositivePrices(t *testing.T) {
	oracle := NewOracle([]Source{
		stubSource{name: "a", price: 0},
		stubSource{name: "b", price: -4},
	}, time.Minute, nil)
	oracle.Refresh(context.Background())
	if _, ok := oracle.Rate(); ok {
		t.Fatal("non-positive prices must not publish a rate")
	}
}

func TestJitteredStaysWithinSpread(t *testing.T) {
	base := time.Minute
	for i := 0; i < 100; i++ {
		d := jittered(base)
		if d < 54*time.Second || d > 66*time.Second {
			t.Fatalf("jittered(%v) = %v outside the ten percent spread", base, d)
		}
	}
}
