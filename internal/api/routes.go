package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"petsync/internal/config"
	"petsync/internal/remote"
	"petsync/internal/sync"
)

type Handler struct {
	manager *sync.Manager
	cfg     config.ServerConfig
}

func NewHandler(manager *sync.Manager, cfg config.ServerConfig) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/save", h.Save)
		r.Get("/load", h.Load)
		r.Post("/sync", h.TriggerSync)
		r.Get("/status", h.GetStatus)
		r.Get("/conflicts", h.GetConflicts)
		r.Post("/conflicts/acknowledge", h.AcknowledgeConflicts)
		r.Post("/conflicts/resolve", h.ResolveConflict)
		r.Get("/deadletters", h.GetDeadLetters)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	var mut sync.Mutation
	if err := json.NewDecoder(r.Body).Decode(&mut); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if mut.Table == "" || mut.Key == "" {
		http.Error(w, "table and key are required", http.StatusBadRequest)
		return
	}

	result := h.manager.Save(r.Context(), mut)

	// A queued (deferred) mutation is not a request failure; only a
	// permanent rejection maps to an error status.
	status := http.StatusOK
	if !result.Success && !result.Queued {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	key := r.URL.Query().Get("key")
	if table == "" || key == "" {
		http.Error(w, "table and key are required", http.StatusBadRequest)
		return
	}

	result, err := h.manager.Load(r.Context(), table, key)
	if err != nil {
		status := http.StatusServiceUnavailable
		if remote.IsPermanent(err) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Sync(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status(r.Context()))
}

func (h *Handler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Conflicts())
}

func (h *Handler) AcknowledgeConflicts(w http.ResponseWriter, r *http.Request) {
	h.manager.AcknowledgeConflicts()
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Field  string `json:"field"`
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Policy != string(sync.PolicyLocal) && req.Policy != string(sync.PolicyRemote) {
		http.Error(w, "policy must be \"local\" or \"remote\"", http.StatusBadRequest)
		return
	}

	conflict, err := h.manager.Override(r.Context(), req.Field, sync.Policy(req.Policy))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.manager.DeadLetters(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, letters)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CorsMiddleware allows the configured origins; with no origins
// configured, any origin is allowed.
func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(h.cfg.CorsOrigins) > 0 {
			w.Header().Add("Vary", "Origin")
			origin = ""
			for _, allowed := range h.cfg.CorsOrigins {
				if allowed == "*" || allowed == r.Header.Get("Origin") {
					origin = allowed
					break
				}
			}
		}

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		}

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+h.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
