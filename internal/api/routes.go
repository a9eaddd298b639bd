package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/store"
	"journal-sync-service/internal/sync"
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
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/force", h.ForceSync)
		r.Get("/sync/status", h.SyncStatus)
		r.Get("/queue", h.ListQueue)
		r.Post("/operations", h.EnqueueOperation)
		r.Post("/network/passive", h.SetPassiveSignal)

		r.Get("/entities/{entityType}/{entityId}", h.GetEntity)
		r.Put("/entities/{entityType}/{entityId}", h.SaveEntity)
		r.Delete("/entities/{entityType}/{entityId}", h.DeleteEntity)

		r.Get("/data/export", h.ExportData)
		r.Post("/data/import", h.ImportData)
		r.Delete("/data", h.ClearData)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.runDrain(w, r, h.manager.ProcessQueue)
}

func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	h.runDrain(w, r, h.manager.ForceSync)
}

func (h *Handler) runDrain(w http.ResponseWriter, r *http.Request, drain func(context.Context) error) {
	err := drain(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
	case errors.Is(err, sync.ErrDrainInProgress):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "drain already running"})
	case errors.Is(err, sync.ErrNetworkUnavailable):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "offline, drain skipped"})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	length, err := h.manager.QueueLength(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"network":     h.manager.NetworkStatus(),
		"queueLength": length,
	})
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.manager.Pending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var op sync.PendingOperation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch op.Type {
	case sync.OpCreate, sync.OpUpdate, sync.OpDelete:
	default:
		http.Error(w, "invalid operation type", http.StatusBadRequest)
		return
	}
	if op.EntityType == "" || op.EntityID == "" {
		http.Error(w, "entityType and entityId are required", http.StatusBadRequest)
		return
	}

	queued, err := h.manager.Enqueue(r.Context(), op)
	if err != nil {
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, queued)
}

func (h *Handler) SetPassiveSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.manager.SetPassiveOnline(body.Online)
	writeJSON(w, http.StatusOK, h.manager.NetworkStatus())
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Entity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) SaveEntity(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !json.Valid(payload) {
		http.Error(w, "payload must be valid JSON", http.StatusBadRequest)
		return
	}

	op, err := h.manager.SaveEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"), payload)
	if err != nil {
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	op, err := h.manager.DeleteEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
	if err != nil {
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) ExportData(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.ExportData(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) ImportData(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := store.ParseSnapshot(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.manager.ImportData(r.Context(), snap); err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidFormat):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrQuotaExceeded):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func (h *Handler) ClearData(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearOfflineData(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func storeErrorStatus(err error) int {
	if errors.Is(err, store.ErrQuotaExceeded) {
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
