package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/qcache/internal/cachestore"
	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/config"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/scheduler"
	"github.com/oriys/qcache/internal/worker"
)

// Handler serves the admin endpoints.
type Handler struct {
	Stores    map[metadata.CacheType]*cachestore.Store
	Scheduler *scheduler.Scheduler
	Health    func(ctx context.Context) error
	Config    func() *config.Config
}

// RegisterRoutes registers all admin routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /config", h.GetConfig)

	mux.HandleFunc("GET /stores", h.ListStores)
	mux.HandleFunc("GET /stores/{type}", h.GetStore)
	mux.HandleFunc("PUT /stores/{type}/settings", h.UpdateSettings)
	mux.HandleFunc("POST /stores/{type}/clear", h.ClearStore)

	mux.HandleFunc("GET /stores/{type}/entries/{key}", h.GetEntry)
	mux.HandleFunc("DELETE /stores/{type}/entries/{key}", h.DeleteEntry)

	mux.HandleFunc("POST /stores/{type}/evict", h.trigger("evict"))
	mux.HandleFunc("POST /stores/{type}/reload", h.trigger("reload"))
	mux.HandleFunc("POST /stores/{type}/restore", h.trigger("restore"))
}

// StoreStatus is the JSON view of one store.
type StoreStatus struct {
	Type       metadata.CacheType `json:"type"`
	Enabled    bool               `json:"enabled"`
	TTL        string             `json:"ttl"`
	MinimumTTL string             `json:"minimum_ttl"`
	Directory  string             `json:"directory,omitempty"`
	Live       int                `json:"live"`
	Removed    int                `json:"removed"`
}

// SettingsRequest is the body of PUT /stores/{type}/settings. TTL uses
// time.ParseDuration syntax; an omitted field keeps the current value.
type SettingsRequest struct {
	Enabled *bool  `json:"enabled,omitempty"`
	TTL     string `json:"ttl,omitempty"`
}

// JobResponse describes a submitted maintenance job.
type JobResponse struct {
	JobID  string `json:"job_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// EntryResponse is the JSON view of a cached value.
type EntryResponse struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Value     any       `json:"value"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*cachestore.Store, bool) {
	tc, err := cachestore.LookupType(r.PathValue("type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	s, ok := h.Stores[tc.Type]
	if !ok {
		http.Error(w, fmt.Sprintf("cache type %q is not configured", tc.Type), http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func status(s *cachestore.Store) StoreStatus {
	live, removed := s.Index().Counts()
	return StoreStatus{
		Type:       s.Type(),
		Enabled:    s.Enabled(),
		TTL:        s.TimeToLive().String(),
		MinimumTTL: s.Config().MinimumTTL.String(),
		Directory:  s.Config().Directory,
		Live:       live,
		Removed:    removed,
	}
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetConfig handles GET /config and renders YAML.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	if h.Config == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	out, err := yaml.Marshal(h.Config())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(out)
}

// ListStores handles GET /stores
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	out := make([]StoreStatus, 0, len(h.Stores))
	for _, tc := range cachestore.BuiltinTypes() {
		if s, ok := h.Stores[tc.Type]; ok {
			out = append(out, status(s))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStore handles GET /stores/{type}
func (h *Handler) GetStore(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, status(s))
}

// UpdateSettings handles PUT /stores/{type}/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	settings := cachestore.Settings{Enabled: s.Enabled(), TTL: s.TimeToLive()}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			http.Error(w, "invalid ttl: "+err.Error(), http.StatusBadRequest)
			return
		}
		settings.TTL = ttl
	}

	if err := s.Reconfigure(r.Context(), settings); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status(s))
}

// ClearStore handles POST /stores/{type}/clear
func (h *Handler) ClearStore(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	report, err := s.ClearAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetEntry handles GET /stores/{type}/entries/{key}. Values past the TTL
// are reported as not found.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	var hint codec.TypeHint
	if d, ok := s.Index().Get(key); ok && d.Query != nil {
		hint = codec.TypeHint(d.Query.ValueHint)
	}
	ct, ok := s.TryGetValue(r.Context(), key, hint)
	if !ok {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, EntryResponse{Key: key, CreatedAt: ct.CreatedAt, Value: ct.Payload})
}

// DeleteEntry handles DELETE /stores/{type}/entries/{key}
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	s.Remove(r.Context(), r.PathValue("key"))
	w.WriteHeader(http.StatusNoContent)
}

// trigger queues a maintenance job. With ?wait=true the request blocks until
// the job finishes.
func (h *Handler) trigger(job string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.store(w, r)
		if !ok {
			return
		}
		if h.Scheduler == nil {
			http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
			return
		}

		var (
			j   *worker.Job
			err error
		)
		switch job {
		case "evict":
			j, err = h.Scheduler.TriggerEviction(r.Context(), s.Type())
		case "reload":
			j, err = h.Scheduler.TriggerReload(r.Context(), s.Type())
		default:
			j, err = h.Scheduler.TriggerRestore(r.Context(), s.Type())
		}
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrPoolStopped) {
				code = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), code)
			return
		}

		resp := JobResponse{JobID: j.ID, Name: j.Name, Status: "queued"}
		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}

		if err := j.Wait(r.Context()); err != nil {
			if r.Context().Err() != nil {
				resp.Status = "waiting"
				resp.Error = err.Error()
				writeJSON(w, http.StatusGatewayTimeout, resp)
				return
			}
			resp.Status = "failed"
			resp.Error = err.Error()
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Status = "done"
		writeJSON(w, http.StatusOK, resp)
	}
}
