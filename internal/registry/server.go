package registry

import (
	"encoding/json"
	"net/http"
)

// Server exposes the feed registry over HTTP.
type Server struct {
	store *Store
}

// NewServer creates a new registry server.
func NewServer(store *Store) *Server {
	return &Server{
		store: store,
	}
}

// HandleListFeeds returns the status of every known feed.
// GET /api/feeds
func (s *Server) HandleListFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.ListFeeds())
}
