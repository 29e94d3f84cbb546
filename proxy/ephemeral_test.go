package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"satgate/wallet"
)

func ephemeralRequest(model, token string) *http.Request {
	body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}]}`, model)
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("X-Cashu", token)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestEphemeralBufferedRefundsChange(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Cashu") != "" {
			t.Error("X-Cashu leaked upstream")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "cheap",
			"usage": map[string]int64{"prompt_tokens": 400, "completion_tokens": 400},
		})
	})

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("cheap", "cashuBephemeral"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cashu") == "" {
		t.Fatal("no refund token in response headers")
	}
	// 5000 msat redeemed, 400 prompt at 1 plus 400 completion at 2 settles
	// at 1200, so 3800 comes back.
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 3800 {
		t.Fatalf("refund mints = %v, want one of 3800", h.wallet.sent)
	}
}

func TestEphemeralNoTokenPricingChargesCeiling(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "pricey",
			"usage": map[string]int64{"prompt_tokens": 400, "completion_tokens": 400},
		})
	})

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("pricey", "cashuBceiling"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// pricey has no per-token pricing, so the 200 msat ceiling is charged.
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 4800 {
		t.Fatalf("refund mints = %v, want one of 4800", h.wallet.sent)
	}
}

func TestEphemeralStreamingIsBuffered(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, sseChunk(`{"model":"cheap","choices":[{"delta":{"content":"hi"}}]}`))
		_, _ = fmt.Fprint(w, sseChunk(`{"model":"cheap","usage":{"prompt_tokens":10,"completion_tokens":10}}`))
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("cheap", "cashuBstream"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// The refund header must be present even though the body is SSE: the
	// whole stream was buffered before the headers went out.
	if w.Header().Get("X-Cashu") == "" {
		t.Fatal("refund token missing from streamed response")
	}
	if !strings.Contains(w.Body.String(), "[DONE]") {
		t.Fatalf("SSE framing not preserved: %s", w.Body.String())
	}
	// 10 prompt at 1 plus 10 completion at 2 settles at 30.
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 4970 {
		t.Fatalf("refund mints = %v, want one of 4970", h.wallet.sent)
	}
}

func TestEphemeralUpstreamFailureEmergencyRefund(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream broke"}`))
	})

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("pricey", "cashuBfail"))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upstream broke") {
		t.Fatalf("upstream error body not relayed: %s", w.Body.String())
	}
	// 5000 redeemed minus the 1000 msat processing fee.
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 4000 {
		t.Fatalf("emergency refund = %v, want one of 4000", h.wallet.sent)
	}
	if w.Header().Get("X-Cashu") == "" {
		t.Fatal("emergency refund token missing")
	}
}

func TestEphemeralMalformedBodyEmergencyRefund(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`"<ReadableStream>"`))
	})

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("pricey", "cashuBmalformed"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 4000 {
		t.Fatalf("emergency refund = %v, want one of 4000", h.wallet.sent)
	}
}

func TestEphemeralInsufficientToken(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})

	// gpt-test's ceiling is 200000, far above the 5000 msat token.
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("gpt-test", "cashuBsmall"))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", w.Code)
	}
	// The redeemed amount minus the processing fee comes back.
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 4000 {
		t.Fatalf("refund = %v, want one of 4000", h.wallet.sent)
	}
}

func TestEphemeralRefundRetriesTransientMintFailure(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "cheap",
			"usage": map[string]int64{"prompt_tokens": 400, "completion_tokens": 400},
		})
	})
	h.wallet.sendErrs = []error{wallet.ErrMintUnavailable}

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("cheap", "cashuBflaky"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// The first mint attempt fails transiently; the change must still come
	// back on the retry.
	if w.Header().Get("X-Cashu") == "" {
		t.Fatal("refund token missing after transient mint failure")
	}
	if len(h.wallet.sent) != 1 || h.wallet.sent[0] != 3800 {
		t.Fatalf("refund mints = %v, want one of 3800", h.wallet.sent)
	}
}

func TestEphemeralRefundGivesUpAfterAttemptBudget(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "cheap",
			"usage": map[string]int64{"prompt_tokens": 400, "completion_tokens": 400},
		})
	})
	h.wallet.sendErrs = []error{
		wallet.ErrMintUnavailable,
		wallet.ErrMintUnavailable,
		wallet.ErrMintUnavailable,
	}

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("cheap", "cashuBdown"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Cashu") != "" {
		t.Fatal("no token should be set when every mint attempt fails")
	}
	if len(h.wallet.sent) != 0 {
		t.Fatalf("refund mints = %v, want none", h.wallet.sent)
	}
}

func TestEphemeralUnimplementedMethodIs501(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("cheap", "lnbc100n1pexample"))

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not_implemented") {
		t.Fatalf("body = %s", w.Body.String())
	}
	if len(h.wallet.sent) != 0 {
		t.Fatalf("no refund should be minted, got %v", h.wallet.sent)
	}
}

func TestEphemeralSpentToken(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})
	h.wallet.receiveErr = wallet.ErrAlreadySpent

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, ephemeralRequest("pricey", "cashuBspent"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if len(h.wallet.sent) != 0 {
		t.Fatalf("no refund should be minted for a spent token, got %v", h.wallet.sent)
	}
}
