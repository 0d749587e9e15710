package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calvoice/calvoice/internal/gauth"
)

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	tok, ok, err := s.store.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	connected := ok && (tok.RefreshToken != "" || !tok.Expired())
	respondJSON(w, http.StatusOK, map[string]any{"connected": connected})
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	verifier, challenge, err := gauth.GeneratePKCE()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "pkce_error", err.Error())
		return
	}

	state := uuid.NewString()
	s.mu.Lock()
	s.prunePendingLocked()
	s.pending[state] = pendingAuth{verifier: verifier, expires: time.Now().Add(pendingAuthTTL)}
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"url": s.flow.AuthorizeURL(state, challenge)})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		http.Error(w, "authorization was denied: "+errMsg, http.StatusBadRequest)
		return
	}
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	pa, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()
	if !ok || time.Now().After(pa.expires) {
		http.Error(w, "unknown or expired authorization state", http.StatusBadRequest)
		return
	}

	tok, err := s.flow.Exchange(r.Context(), code, pa.verifier)
	if err != nil {
		http.Error(w, "token exchange failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.store.Save(r.Context(), tok); err != nil {
		http.Error(w, "could not persist credentials: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.metrics.SessionEvents.WithLabelValues("auth_connected").Inc()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><p>Calendar connected. You can close this window.</p></body></html>"))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"connected": false})
}

func (s *Server) prunePendingLocked() {
	now := time.Now()
	for state, pa := range s.pending {
		if now.After(pa.expires) {
			delete(s.pending, state)
		}
	}
}
