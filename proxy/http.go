package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
)

// errorBody is the synthetic error envelope emitted when the failure is ours
// rather than the upstream's.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// insufficientBody is the structured 402 payload.
type insufficientBody struct {
	Reason             string `json:"reason"`
	AmountRequiredMsat int64  `json:"amount_required_msat"`
	Model              string `json:"model"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: kind}})
}

func writeInsufficient(w http.ResponseWriter, amountMsat int64, model string) {
	writeJSON(w, http.StatusPaymentRequired, insufficientBody{
		Reason:             "Insufficient balance",
		AmountRequiredMsat: amountMsat,
		Model:              model,
	})
}

// copyResponseHeaders forwards upstream headers to the client except
// hop-by-hop ones.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func isHopByHop(key string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

func isEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}
