package routes

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"satgate/auth"
	"satgate/credit"
	"satgate/refund"
	"satgate/wallet"
)

// balanceRoutes owns the credential management surface.
type balanceRoutes struct {
	store    *credit.Store
	auth     *auth.Authenticator
	registry *wallet.Registry
	refunds  *refund.Service
	logger   *slog.Logger
}

type balanceInfoResponse struct {
	APIKey   string `json:"api_key"`
	Balance  int64  `json:"balance"`
	Reserved int64  `json:"reserved"`
}

type balanceCreateResponse struct {
	APIKey  string `json:"api_key"`
	Balance int64  `json:"balance"`
}

type topupRequest struct {
	PaymentData   string `json:"payment_data"`
	PaymentMethod string `json:"payment_method"`
	// CashuToken is the legacy field older clients still send.
	CashuToken string `json:"cashu_token"`
}

type topupResponse struct {
	Msats int64 `json:"msats"`
}

// info reports the caller's balance. An ecash bearer in Authorization is
// redeemed first, so a fresh token can be inspected in one call.
func (b *balanceRoutes) info(w http.ResponseWriter, r *http.Request) {
	cred, err := b.auth.ResolveRequest(r.Context(), r)
	if err != nil {
		writeResolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceInfoResponse{
		APIKey:   auth.APIKeyPrefix + cred.Fingerprint,
		Balance:  cred.BalanceMsat,
		Reserved: cred.ReservedMsat,
	})
}

// create redeems initial_balance_token into a brand new credential. When the
// caller also presents a valid API key, the new credential records it as its
// parent.
func (b *balanceRoutes) create(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("initial_balance_token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "initial_balance_token is required")
		return
	}
	cred, err := b.auth.Resolve(r.Context(), token, auth.CreateOptions{})
	if err != nil {
		writeResolveError(w, err)
		return
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if parent, perr := b.auth.ResolveRequest(r.Context(), r); perr == nil && parent.Fingerprint != cred.Fingerprint {
			if serr := b.store.SetParent(r.Context(), cred.Fingerprint, parent.Fingerprint); serr != nil {
				b.logger.Warn("recording parent credential failed",
					slog.String("fingerprint", auth.Abbrev(cred.Fingerprint)),
					slog.String("error", serr.Error()))
			}
		}
	}
	writeJSON(w, http.StatusOK, balanceCreateResponse{
		APIKey:  auth.APIKeyPrefix + cred.Fingerprint,
		Balance: cred.BalanceMsat,
	})
}

// topup credits the caller's credential with a fresh payment token.
func (b *balanceRoutes) topup(w http.ResponseWriter, r *http.Request) {
	cred, err := b.auth.ResolveRequest(r.Context(), r)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed topup body")
		return
	}
	paymentData := strings.TrimSpace(req.PaymentData)
	if paymentData == "" {
		paymentData = strings.TrimSpace(req.CashuToken)
	}
	if paymentData == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "payment_data is required")
		return
	}

	var method wallet.Method
	if name := strings.TrimSpace(req.PaymentMethod); name != "" {
		method, err = b.registry.Method(name)
	} else {
		method, err = b.registry.Detect(paymentData)
	}
	if err != nil {
		if errors.Is(err, wallet.ErrNotImplemented) {
			writeError(w, http.StatusNotImplemented, "not_implemented", "payment method not available")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_token", "unrecognized payment token")
		return
	}

	red, err := method.Redeem(r.Context(), paymentData)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrAlreadySpent):
			writeError(w, http.StatusBadRequest, "already_spent", "token already spent")
		case errors.Is(err, wallet.ErrInvalidToken):
			writeError(w, http.StatusBadRequest, "invalid_token", "unparseable token")
		case errors.Is(err, wallet.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "not_implemented", "payment method not available")
		default:
			writeError(w, http.StatusServiceUnavailable, "payment_service_unavailable", "mint unavailable")
		}
		return
	}
	if err := b.store.Credit(r.Context(), cred.Fingerprint, red.AmountMsat); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "crediting balance")
		return
	}
	b.logger.Info("balance topped up",
		slog.String("fingerprint", auth.Abbrev(cred.Fingerprint)),
		slog.Int64("amount_msat", red.AmountMsat),
		slog.String("method", method.Name()))
	writeJSON(w, http.StatusOK, topupResponse{Msats: red.AmountMsat})
}

// refundBalance drains the caller's remaining balance back into a bearer or
// an external payout.
func (b *balanceRoutes) refundBalance(w http.ResponseWriter, r *http.Request) {
	bearer, err := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
		return
	}
	var opts refund.Options
	if r.Body != nil {
		var body struct {
			Mint string `json:"mint"`
			Unit string `json:"unit"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr == nil {
			opts.Mint = strings.TrimSpace(body.Mint)
			opts.Unit = strings.TrimSpace(body.Unit)
		}
	}
	payout, err := b.refunds.Refund(r.Context(), bearer, opts)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown credential")
		case errors.Is(err, refund.ErrRefundBlocked):
			writeError(w, http.StatusBadRequest, "refund_blocked", "requests in flight hold credit")
		case errors.Is(err, refund.ErrBalanceTooSmall):
			writeError(w, http.StatusBadRequest, "balance_too_small", "balance truncates to zero in the refund unit")
		case errors.Is(err, wallet.ErrMintUnavailable):
			writeError(w, http.StatusServiceUnavailable, "payment_service_unavailable", "mint unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "refund_failed", "refund failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// writeResolveError maps authenticator failures onto the HTTP surface.
func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid_token", "unparseable bearer")
	case errors.Is(err, auth.ErrAlreadySpent):
		writeError(w, http.StatusBadRequest, "already_spent", "token already spent")
	case errors.Is(err, auth.ErrMintUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment_service_unavailable", "mint unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "authentication failed")
	}
}
