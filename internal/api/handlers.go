package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/idempotency"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/metrics"
	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/abkawan/p2p-ledger/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Pinger reports whether the ledger store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// breakerState is implemented by stores guarded by a circuit breaker
type breakerState interface {
	State() string
}

// Options wires the API. Health, Idempotency, Metrics and MetricsHandler
// are optional.
type Options struct {
	Accounts  *service.AccountService
	Transfers *service.TransferService
	Auth      *service.AuthService

	Health         Pinger
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Metrics        *metrics.Prometheus
	MetricsHandler http.Handler
	Logger         *logging.Logger
}

// Handler is for handling api requests
type Handler struct {
	accounts  *service.AccountService
	transfers *service.TransferService
	auth      *service.AuthService
	health    Pinger

	idempotency    idempotency.Store
	idempotencyTTL time.Duration

	validate *validator.Validate
	logger   *logging.Logger
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &Handler{
		accounts:       opts.Accounts,
		transfers:      opts.Transfers,
		auth:           opts.Auth,
		health:         opts.Health,
		idempotency:    opts.Idempotency,
		idempotencyTTL: ttl,
		validate:       newValidator(),
		logger:         logger.Named("api"),
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// for error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type validationResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.BadRequestKind, apperr.ValidationKind, apperr.AccountClosedKind:
		return http.StatusBadRequest
	case apperr.NotFoundKind:
		return http.StatusNotFound
	case apperr.AccountOwnershipKind:
		return http.StatusForbidden
	case apperr.UnauthorizedKind:
		return http.StatusUnauthorized
	case apperr.ConflictKind:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError writes err with the status of its kind. Internal causes
// are logged and never sent to the client.
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind == apperr.Internal {
		h.logger.Error("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if e.Kind == apperr.ValidationKind {
		respondJSON(w, http.StatusBadRequest, validationResponse{Error: e.Detail, Fields: e.Fields})
		return
	}
	respondError(w, statusFor(e.Kind), e.Detail)
}

// handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

// handles login and returns a bearer token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.TokenResponse{Token: token})
}

// account creation
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request, callerID string) {
	var req models.CreateAccountRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), callerID, *req.InitialBalance)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, account.View())
}

// lists the caller's open accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request, callerID string) {
	views, err := h.accounts.ListOpenAccounts(r.Context(), callerID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

// handles account retrieval
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request, callerID string) {
	view, err := h.accounts.GetOpenAccountView(r.Context(), callerID, mux.Vars(r)["id"])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request, callerID string) {
	if err := h.accounts.CloseAccount(r.Context(), callerID, mux.Vars(r)["id"]); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GetTransactions handles transaction list retrieval
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request, callerID string) {
	// invalid values fall back to the defaults
	limit := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	txs, err := h.transfers.ListTransactions(r.Context(), callerID, mux.Vars(r)["id"], limit, offset)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txs)
}

type transferResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// handles both the preview and the confirmed transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request, callerID string) {
	var req models.TransferRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	outcome, err := h.transfers.Transfer(r.Context(), callerID, req)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	resp := transferResponse{Status: string(outcome.Status), Message: outcome.Message}
	if outcome.Transaction != nil {
		resp.TransactionID = outcome.Transaction.ID
	}
	respondJSON(w, http.StatusOK, resp)
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}

	body := map[string]string{"status": status}
	if b, ok := h.health.(breakerState); ok {
		body["store"] = b.State()
	}
	respondJSON(w, code, body)
}

// sets up the API routes
func SetupRoutes(r *mux.Router, opts Options) *Handler {
	h := NewHandler(opts)

	r.Use(RequestID, h.LogRequests)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware())
	}

	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler).Methods("GET")
	}

	// Auth routes
	r.HandleFunc("/auth/register", h.Register).Methods("POST")
	r.HandleFunc("/auth/login", h.Login).Methods("POST")

	// Account routes
	r.HandleFunc("/accounts", h.authenticated(h.CreateAccount)).Methods("POST")
	r.HandleFunc("/accounts", h.authenticated(h.ListAccounts)).Methods("GET")
	r.HandleFunc("/accounts/{id}", h.authenticated(h.GetAccount)).Methods("GET")
	r.HandleFunc("/accounts/{id}/close", h.authenticated(h.CloseAccount)).Methods("POST")
	r.HandleFunc("/accounts/{id}/transactions", h.authenticated(h.GetTransactions)).Methods("GET")

	// Transfer routes
	r.HandleFunc("/transactions/transfer", h.authenticated(h.idempotent(h.Transfer))).Methods("POST")

	return h
}
