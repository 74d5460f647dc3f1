package handlers

import "net/http"

// Model is one entry of the OpenAI-compatible model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ModelsHandler serves GET /v1/models. The upstream exposes one chat model;
// the -low/-medium/-high variants are aliases that preselect a reasoning
// effort for clients that cannot send reasoning_effort themselves.
func ModelsHandler() http.HandlerFunc {
	models := []Model{
		{ID: "gpt-5.2", Object: "model", Created: 1700000000, OwnedBy: "openai"},
		{ID: "gpt-5.2-low", Object: "model", Created: 1700000000, OwnedBy: "openai"},
		{ID: "gpt-5.2-medium", Object: "model", Created: 1700000000, OwnedBy: "openai"},
		{ID: "gpt-5.2-high", Object: "model", Created: 1700000000, OwnedBy: "openai"},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
	}
}
