package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creditledger/creditledger/internal/domain"
	"github.com/creditledger/creditledger/internal/ledger"
)

// CallerHeader carries the authenticated caller identity, vouched for
// by the fronting authenticator.
const CallerHeader = "X-Caller-ID"

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	svc *ledger.Service
}

func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{svc: svc}
}

// Router builds the full route table, including /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/initialize", h.Initialize).Methods("POST")
	v1.HandleFunc("/requests", h.Submit).Methods("POST")
	v1.HandleFunc("/requests/{id}", h.GetRequest).Methods("GET")
	v1.HandleFunc("/requests/{id}/confirm", h.Confirm).Methods("POST")
	v1.HandleFunc("/accounts/{identity}/balance", h.BalanceOf).Methods("GET")
	v1.HandleFunc("/owner", h.ChangeOwnership).Methods("POST")
	v1.HandleFunc("/events", h.Events).Methods("GET")
	return r
}

func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r, "POST", "/initialize")
	if !ok {
		return
	}
	if err := h.svc.Initialize(r.Context(), caller); err != nil {
		h.respondLedgerError(w, err, "POST", "/initialize")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"owner": caller.String()}, "POST", "/initialize")
}

type submitRequest struct {
	ReqID  domain.RequestID `json:"req_id"`
	Amount uint64           `json:"amount"`
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/requests"))
	defer timer.ObserveDuration()

	caller, ok := h.caller(w, r, "POST", "/requests")
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/requests")
		return
	}
	if err := h.svc.Submit(r.Context(), caller, req.ReqID, req.Amount); err != nil {
		h.respondLedgerError(w, err, "POST", "/requests")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/requests/%s", req.ReqID))
	h.respondJSON(w, http.StatusCreated, map[string]string{
		"req_id": req.ReqID.String(),
		"status": "active",
	}, "POST", "/requests")
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/requests/{id}/confirm"))
	defer timer.ObserveDuration()

	caller, ok := h.caller(w, r, "POST", "/requests/{id}/confirm")
	if !ok {
		return
	}
	reqID, err := domain.ParseRequestID(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "POST", "/requests/{id}/confirm")
		return
	}
	if err := h.svc.Confirm(r.Context(), caller, reqID); err != nil {
		h.respondLedgerError(w, err, "POST", "/requests/{id}/confirm")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{
		"req_id": reqID.String(),
		"status": "confirmed",
	}, "POST", "/requests/{id}/confirm")
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	viewer, ok := h.caller(w, r, "GET", "/requests/{id}")
	if !ok {
		return
	}
	reqID, err := domain.ParseRequestID(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", "/requests/{id}")
		return
	}
	req, err := h.svc.GetRequest(r.Context(), viewer, reqID)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/requests/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, req, "GET", "/requests/{id}")
}

func (h *Handler) BalanceOf(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseIdentity(mux.Vars(r)["identity"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", "/accounts/{identity}/balance")
		return
	}
	balance, err := h.svc.BalanceOf(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/accounts/{identity}/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"identity": id.String(),
		"balance":  balance,
	}, "GET", "/accounts/{identity}/balance")
}

type changeOwnerRequest struct {
	NewOwner domain.Identity `json:"new_owner"`
}

func (h *Handler) ChangeOwnership(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r, "POST", "/owner")
	if !ok {
		return
	}
	var req changeOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/owner")
		return
	}
	if err := h.svc.ChangeOwnership(r.Context(), caller, req.NewOwner); err != nil {
		h.respondLedgerError(w, err, "POST", "/owner")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"owner": req.NewOwner.String()}, "POST", "/owner")
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := h.svc.Events(r.Context(), after, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/events")
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"events": events}, "GET", "/events")
}

// caller extracts the authenticated identity from the request header.
// The zero identity is rejected at the boundary so the core never sees
// a caller that collides with the reserved empty value.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request, method, endpoint string) (domain.Identity, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		h.respondError(w, http.StatusBadRequest, "Missing "+CallerHeader+" header", method, endpoint)
		return domain.Identity{}, false
	}
	id, err := domain.ParseIdentity(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return domain.Identity{}, false
	}
	if id.IsZero() {
		h.respondError(w, http.StatusBadRequest, "Zero identity not allowed as caller", method, endpoint)
		return domain.Identity{}, false
	}
	return id, true
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, err error, method, endpoint string) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotOwner):
		code = http.StatusForbidden
	case errors.Is(err, ledger.ErrRequestIDAlreadyUsed):
		code = http.StatusConflict
	case errors.Is(err, ledger.ErrIncorrectRequestID):
		code = http.StatusNotFound
	case errors.Is(err, ledger.ErrNewOwnerIsZero):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrBalanceOverflow):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		code = http.StatusConflict
	case errors.Is(err, ledger.ErrNotInitialized):
		code = http.StatusConflict
	}
	h.respondError(w, code, err.Error(), method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
