package routes

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"satgate/credit"
	"satgate/gateway/middleware"
)

// adminRoutes exposes the operator settings surface behind session tokens.
type adminRoutes struct {
	store    *credit.Store
	auth     *middleware.AdminAuthenticator
	password string
	logger   *slog.Logger
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (a *adminRoutes) login(w http.ResponseWriter, r *http.Request) {
	if a.password == "" {
		writeError(w, http.StatusServiceUnavailable, "internal", "admin surface not configured")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed login body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.password)) != 1 {
		a.logger.Warn("admin login rejected")
		writeError(w, http.StatusUnauthorized, "unauthorized", "wrong password")
		return
	}
	token, err := a.auth.Issue("admin")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "issuing session token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (a *adminRoutes) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.store.ListSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *adminRoutes) putSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed settings body")
		return
	}
	for key, value := range updates {
		if err := a.store.PutSetting(r.Context(), key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "saving settings")
			return
		}
	}
	a.logger.Info("settings updated", slog.Int("count", len(updates)))
	a.getSettings(w, r)
}
