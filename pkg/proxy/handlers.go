package proxy

import (
	"net/http"
)

type modelCard struct {
	ID          string `json:"id"`
	Alias       string `json:"alias"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "OK",
		"message": "chatgate is running",
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.Catalog()
	cards := make([]modelCard, 0, len(entries))
	for _, e := range entries {
		cards = append(cards, modelCard{ID: e.ID, Alias: e.Alias, Name: e.Name, Description: e.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  cards,
		"default": s.registry.Default(),
	})
}
