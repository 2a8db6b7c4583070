// Package httpapi exposes the economy core as a tenant-scoped REST API.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	app "github.com/guildworks/economy/internal/app"
	"github.com/guildworks/economy/internal/app/domain/shop"
	"github.com/guildworks/economy/internal/app/domain/task"
	apperrors "github.com/guildworks/economy/internal/errors"
	"github.com/guildworks/economy/internal/metrics"
	"github.com/guildworks/economy/internal/middleware"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API. Authentication and
// rate limiting are layered on by the caller; admin-only routes enforce the
// role themselves.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/tenants/{tenant}").Subrouter()

	// Balances and ledger.
	api.HandleFunc("/balance/{user}", h.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/balance/{user}/history", h.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/adjust", middleware.RequireRole(middleware.RoleAdmin, h.adjust)).Methods(http.MethodPost)
	api.HandleFunc("/reconcile/{user}", middleware.RequireRole(middleware.RoleAdmin, h.reconcile)).Methods(http.MethodPost)

	// Tasks and claims.
	api.HandleFunc("/tasks", h.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", middleware.RequireRole(middleware.RoleAdmin, h.createTask)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", h.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/cancel", middleware.RequireRole(middleware.RoleAdmin, h.cancelTask)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/complete", middleware.RequireRole(middleware.RoleAdmin, h.completeTask)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/claim", h.claimTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/start", h.startClaim).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/submit", h.submitClaim).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/approve", middleware.RequireRole(middleware.RoleAdmin, h.approveClaim)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reject", middleware.RequireRole(middleware.RoleAdmin, h.rejectClaim)).Methods(http.MethodPost)
	api.HandleFunc("/claims", h.listClaims).Methods(http.MethodGet)

	// Shop and inventory.
	api.HandleFunc("/shop/items", h.listItems).Methods(http.MethodGet)
	api.HandleFunc("/shop/items", middleware.RequireRole(middleware.RoleAdmin, h.createItem)).Methods(http.MethodPost)
	api.HandleFunc("/shop/items/{id}/active", middleware.RequireRole(middleware.RoleAdmin, h.setItemActive)).Methods(http.MethodPost)
	api.HandleFunc("/shop/items/{id}/purchase", h.purchase).Methods(http.MethodPost)
	api.HandleFunc("/shop/items/{id}/redeem", h.redeem).Methods(http.MethodPost)
	api.HandleFunc("/inventory", h.inventory).Methods(http.MethodGet)

	// Recent activity for dashboards.
	api.HandleFunc("/events", middleware.RequireRole(middleware.RoleAdmin, h.recentEvents)).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- balances ---------------------------------------------------------------

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acct, degraded, err := h.app.Coordinator.Balance(r.Context(), vars["tenant"], vars["user"])
	if err != nil {
		writeAppError(w, err)
		return
	}

	resp := map[string]interface{}{
		"tenant_id":    acct.TenantID,
		"user_id":      acct.UserID,
		"balance":      acct.Balance,
		"total_earned": acct.TotalEarned,
		"total_spent":  acct.TotalSpent,
	}
	if degraded {
		// Safe default served while the store is unreachable.
		resp["degraded"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.app.Coordinator.History(r.Context(), vars["tenant"], vars["user"], limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handler) adjust(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		UserID string `json:"user_id"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
		Type   string `json:"type"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	balance, err := h.app.Coordinator.Adjust(r.Context(), vars["tenant"], payload.UserID, payload.Amount, payload.Reason, payload.Type)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	drift, err := h.app.Coordinator.Reconcile(r.Context(), vars["tenant"], vars["user"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"drift": drift})
}

// --- tasks ------------------------------------------------------------------

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status := task.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = task.TaskActive
	}

	tasks, err := h.app.Tasks.ListTasks(r.Context(), vars["tenant"], status)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) createTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload task.Task
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload.TenantID = vars["tenant"]

	created, err := h.app.Tasks.CreateTask(r.Context(), payload)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := h.app.Tasks.GetTask(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := h.app.Tasks.CancelTask(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) completeTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := h.app.Tasks.CompleteTask(r.Context(), vars["tenant"], vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) claimTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	c, err := h.app.Tasks.Claim(r.Context(), vars["tenant"], user, vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) startClaim(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	c, err := h.app.Tasks.Start(r.Context(), vars["tenant"], user, vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) submitClaim(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	c, err := h.app.Tasks.Submit(r.Context(), vars["tenant"], user, vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) approveClaim(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := h.app.Tasks.Approve(r.Context(), vars["tenant"], payload.UserID, vars["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) rejectClaim(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := h.app.Tasks.Reject(r.Context(), vars["tenant"], payload.UserID, vars["id"], payload.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) listClaims(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	claims, err := h.app.Tasks.ListClaims(r.Context(), vars["tenant"], user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// --- shop -------------------------------------------------------------------

func (h *handler) listItems(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	activeOnly := r.URL.Query().Get("all") == ""

	items, err := h.app.Shop.ListItems(r.Context(), vars["tenant"], activeOnly)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) createItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload shop.Item
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload.TenantID = vars["tenant"]

	created, err := h.app.Shop.CreateItem(r.Context(), payload)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) setItemActive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		Active bool `json:"active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	item, err := h.app.Shop.SetItemActive(r.Context(), vars["tenant"], vars["id"], payload.Active)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	var payload struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Quantity == 0 {
		payload.Quantity = 1
	}

	entry, err := h.app.Shop.Purchase(r.Context(), vars["tenant"], user, vars["id"], payload.Quantity)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) redeem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	var payload struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Quantity == 0 {
		payload.Quantity = 1
	}

	entry, err := h.app.Shop.Redeem(r.Context(), vars["tenant"], user, vars["id"], payload.Quantity)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) inventory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user := middleware.UserID(r.Context())
	if user == "" {
		writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("authentication required"))
		return
	}

	entries, err := h.app.Shop.Inventory(r.Context(), vars["tenant"], user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, h.app.Events.RecentByTenant(vars["tenant"], limit))
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeAppError maps domain errors onto HTTP statuses. Business rejections
// carry their message; infrastructure failures get a generic body so callers
// retry instead of parsing internals.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case apperrors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case apperrors.Is(err, apperrors.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err)
	case apperrors.Is(err, apperrors.ErrInsufficientFunds),
		apperrors.Is(err, apperrors.ErrInsufficientStock):
		writeError(w, http.StatusConflict, err)
	case apperrors.Is(err, apperrors.ErrAlreadyClaimed),
		apperrors.Is(err, apperrors.ErrAlreadyCompleted),
		apperrors.Is(err, apperrors.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err)
	case apperrors.Is(err, apperrors.ErrStoreUnavailable):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"temporarily unavailable, try again"}`))
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
	}
}
