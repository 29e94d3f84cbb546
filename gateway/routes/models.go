package routes

import (
	"encoding/json"
	"net/http"

	"satgate/catalog"
)

// modelsRoutes serves the model listing from the local catalog so clients can
// discover priced models without an upstream round trip.
type modelsRoutes struct {
	catalog *catalog.Catalog
	// passthrough handles the listing when the catalog holds no models.
	passthrough http.Handler
}

type modelEntry struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	OwnedBy             string `json:"owned_by,omitempty"`
	ContextLength       int64  `json:"context_length,omitempty"`
	MaxCompletionTokens int64  `json:"max_completion_tokens,omitempty"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (m *modelsRoutes) list(w http.ResponseWriter, r *http.Request) {
	models := m.catalog.Models()
	if len(models) == 0 && m.passthrough != nil {
		m.passthrough.ServeHTTP(w, r)
		return
	}
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, model := range models {
		out.Data = append(out.Data, modelEntry{
			ID:                  model.ID,
			Object:              "model",
			OwnedBy:             model.ProviderID,
			ContextLength:       model.ContextLength,
			MaxCompletionTokens: model.MaxCompletionTokens,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
