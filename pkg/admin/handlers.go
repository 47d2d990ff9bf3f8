package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// errorBody is the JSON error envelope every admin endpoint uses.
type errorBody struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind"`
}

// Handler serves the admin HTTP surface for a Service.
type Handler struct {
	service *Service
}

// NewHandler builds the admin HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts every admin route on the mux, wrapped in bearer auth.
// A blank api key disables the whole surface.
func (h *Handler) Register(mux *http.ServeMux, apiKey string) {
	if strings.TrimSpace(apiKey) == "" {
		return
	}
	auth := requireBearer(apiKey)

	mux.Handle("GET /api/admin/credentials", auth(http.HandlerFunc(h.list)))
	mux.Handle("POST /api/admin/credentials", auth(http.HandlerFunc(h.add)))
	mux.Handle("DELETE /api/admin/credentials/{id}", auth(http.HandlerFunc(h.delete)))
	mux.Handle("POST /api/admin/credentials/{id}/disabled", auth(http.HandlerFunc(h.setDisabled)))
	mux.Handle("POST /api/admin/credentials/{id}/priority", auth(http.HandlerFunc(h.setPriority)))
	mux.Handle("POST /api/admin/credentials/{id}/reset", auth(http.HandlerFunc(h.reset)))
	mux.Handle("GET /api/admin/credentials/{id}/balance", auth(http.HandlerFunc(h.balance)))
}

// requireBearer rejects requests whose Authorization header does not carry
// exactly the configured key.
func requireBearer(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{
					Error: "invalid or missing admin api key",
					Kind:  KindInvalidRequest,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Kind: KindInvalidRequest})
		return
	}

	id, err := h.service.Add(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) setDisabled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Disabled == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry a disabled flag", Kind: KindInvalidRequest})
		return
	}

	if err := h.service.SetDisabled(id, *req.Disabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) setPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Priority == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry a priority", Kind: KindInvalidRequest})
		return
	}

	if err := h.service.SetPriority(id, *req.Priority); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Reset(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limits, err := h.service.Balance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid credential id", Kind: KindInvalidRequest})
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	kind, status := Classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
