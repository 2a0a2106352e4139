package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/identity"
	"github.com/abkawan/p2p-ledger/internal/idempotency"
	"github.com/abkawan/p2p-ledger/internal/models"
	"github.com/abkawan/p2p-ledger/internal/service"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

type testAPI struct {
	router *mux.Router
	store  *db.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := db.NewMemory()
	auth := service.NewAuthService(
		store,
		identity.NewPasswordHasher(bcrypt.MinCost),
		identity.NewTokens("test-secret", "p2p-ledger", time.Hour),
		nil,
	)

	router := mux.NewRouter()
	SetupRoutes(router, Options{
		Accounts:    service.NewAccountService(store, nil),
		Transfers:   service.NewTransferService(store, nil, nil, nil),
		Auth:        auth,
		Health:      store,
		Idempotency: idempotency.NewMemory(),
	})
	return &testAPI{router: router, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

// login registers username and returns a bearer token
func (a *testAPI) login(t *testing.T, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "secret"}
	if rr := a.do(t, "POST", "/auth/register", "", creds, nil); rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	rr := a.do(t, "POST", "/auth/login", "", creds, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp models.TokenResponse
	decode(t, rr, &resp)
	return resp.Token
}

func (a *testAPI) createAccount(t *testing.T, token string, balance int64) string {
	t.Helper()
	rr := a.do(t, "POST", "/accounts", token, map[string]int64{"initial_balance": balance}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var view models.AccountView
	decode(t, rr, &view)
	return view.ID
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	decode(t, rr, &body)
	msg, _ := body["error"].(string)
	return msg
}

func TestHealthCheck(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, "GET", "/health", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
}

func TestHealthCheck_ReportsBreakerState(t *testing.T) {
	cfg := db.ResilientConfig{
		Timeout:             time.Second,
		MaxRequests:         1,
		Interval:            time.Minute,
		OpenTimeout:         time.Minute,
		ConsecutiveFailures: 3,
	}
	router := mux.NewRouter()
	SetupRoutes(router, Options{Health: db.NewResilientStore(db.NewMemory(), cfg, nil)})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	decode(t, rr, &body)
	if body["status"] != "ok" || body["store"] != "closed" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestAuth(t *testing.T) {
	a := newTestAPI(t)
	a.login(t, "alice")

	t.Run("duplicate username", func(t *testing.T) {
		rr := a.do(t, "POST", "/auth/register", "", map[string]string{"username": "alice", "password": "other"}, nil)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rr.Code)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		rr := a.do(t, "POST", "/auth/login", "", map[string]string{"username": "alice", "password": "nope"}, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("short password", func(t *testing.T) {
		rr := a.do(t, "POST", "/auth/register", "", map[string]string{"username": "bob", "password": "abc"}, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		var resp validationResponse
		decode(t, rr, &resp)
		if _, ok := resp.Fields["password"]; !ok {
			t.Errorf("expected password field error, got %v", resp.Fields)
		}
	})

	t.Run("long password", func(t *testing.T) {
		for name, password := range map[string]string{
			"ascii":     strings.Repeat("a", 80),
			"multibyte": strings.Repeat("é", 40),
		} {
			rr := a.do(t, "POST", "/auth/register", "", map[string]string{"username": "carol", "password": password}, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("%s: expected 400, got %d", name, rr.Code)
			}
			var resp validationResponse
			decode(t, rr, &resp)
			if _, ok := resp.Fields["password"]; !ok {
				t.Errorf("%s: expected password field error, got %v", name, resp.Fields)
			}
		}
	})

	t.Run("missing token", func(t *testing.T) {
		rr := a.do(t, "GET", "/accounts", "", nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		rr := a.do(t, "GET", "/accounts", "not-a-token", nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestAccounts(t *testing.T) {
	a := newTestAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")

	id := a.createAccount(t, alice, 1000)

	rr := a.do(t, "GET", "/accounts", alice, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var views []models.AccountView
	decode(t, rr, &views)
	if len(views) != 1 || views[0].ID != id || views[0].Balance != 1000 {
		t.Fatalf("unexpected accounts %+v", views)
	}

	rr = a.do(t, "GET", "/accounts", bob, nil, nil)
	if rr.Body.String() != "[]\n" {
		t.Errorf("expected empty list for bob, got %q", rr.Body.String())
	}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		status int
	}{
		{"owner reads account", "GET", "/accounts/" + id, alice, nil, http.StatusOK},
		{"other user reads account", "GET", "/accounts/" + id, bob, nil, http.StatusForbidden},
		{"missing account", "GET", "/accounts/ghost", alice, nil, http.StatusNotFound},
		{"malformed body", "POST", "/accounts", alice, "{not json", http.StatusBadRequest},
		{"missing balance", "POST", "/accounts", alice, map[string]string{}, http.StatusBadRequest},
		{"negative balance", "POST", "/accounts", alice, map[string]int64{"initial_balance": -1}, http.StatusBadRequest},
		{"other user closes account", "POST", "/accounts/" + id + "/close", bob, nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, tt.method, tt.path, tt.token, tt.body, nil)
			if rr.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}

	t.Run("validation fields use json names", func(t *testing.T) {
		rr := a.do(t, "POST", "/accounts", alice, map[string]string{}, nil)
		var resp validationResponse
		decode(t, rr, &resp)
		if _, ok := resp.Fields["initial_balance"]; !ok {
			t.Errorf("expected initial_balance field error, got %v", resp.Fields)
		}
	})

	t.Run("close", func(t *testing.T) {
		rr := a.do(t, "POST", "/accounts/"+id+"/close", alice, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		rr = a.do(t, "POST", "/accounts/"+id+"/close", alice, nil, nil)
		if rr.Code != http.StatusBadRequest || errorMessage(t, rr) != "account is already closed" {
			t.Errorf("expected already closed, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = a.do(t, "GET", "/accounts/"+id, alice, nil, nil)
		if rr.Code != http.StatusBadRequest || errorMessage(t, rr) != "account is closed" {
			t.Errorf("expected closed, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestTransfer(t *testing.T) {
	a := newTestAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")

	from := a.createAccount(t, alice, 1000)
	to := a.createAccount(t, bob, 0)

	req := map[string]interface{}{"from_account_id": from, "to_account_id": to, "amount": 500}

	rr := a.do(t, "POST", "/transactions/transfer", alice, req, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp transferResponse
	decode(t, rr, &resp)
	if resp.Status != "confirmation_required" || resp.TransactionID != "" {
		t.Fatalf("unexpected preview %+v", resp)
	}

	req["confirm"] = true
	rr = a.do(t, "POST", "/transactions/transfer", alice, req, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	decode(t, rr, &resp)
	if resp.Status != "completed" || resp.TransactionID == "" {
		t.Fatalf("unexpected result %+v", resp)
	}

	rr = a.do(t, "GET", "/accounts/"+to, bob, nil, nil)
	var view models.AccountView
	decode(t, rr, &view)
	if view.Balance != 500 {
		t.Errorf("expected destination balance 500, got %d", view.Balance)
	}

	rr = a.do(t, "GET", "/accounts/"+from+"/transactions?limit=5", alice, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rr.Code)
	}
	var txs []models.Transaction
	decode(t, rr, &txs)
	if len(txs) != 1 || txs[0].Amount != 500 {
		t.Errorf("unexpected history %+v", txs)
	}

	rr = a.do(t, "GET", "/accounts/"+from+"/transactions", bob, nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("history of foreign account: expected 403, got %d", rr.Code)
	}

	errorCases := []struct {
		name    string
		token   string
		body    map[string]interface{}
		status  int
		message string
	}{
		{"insufficient funds", alice, map[string]interface{}{"from_account_id": from, "to_account_id": to, "amount": 501, "confirm": true}, http.StatusBadRequest, "insufficient funds"},
		{"zero amount", alice, map[string]interface{}{"from_account_id": from, "to_account_id": to, "amount": 0}, http.StatusBadRequest, "amount must be positive"},
		{"same account", alice, map[string]interface{}{"from_account_id": from, "to_account_id": from, "amount": 1}, http.StatusBadRequest, "cannot transfer to the same account"},
		{"foreign source", bob, map[string]interface{}{"from_account_id": from, "to_account_id": to, "amount": 1}, http.StatusBadRequest, "account not owned by caller"},
		{"missing source", alice, map[string]interface{}{"from_account_id": "ghost", "to_account_id": to, "amount": 1}, http.StatusNotFound, "source account not found"},
		{"missing destination", alice, map[string]interface{}{"from_account_id": from, "to_account_id": "ghost", "amount": 1}, http.StatusNotFound, "destination account not found"},
		{"missing amount", alice, map[string]interface{}{"from_account_id": from, "to_account_id": to}, http.StatusBadRequest, "validation failed"},
	}

	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, "POST", "/transactions/transfer", tt.token, tt.body, nil)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if msg := errorMessage(t, rr); msg != tt.message {
				t.Errorf("expected %q, got %q", tt.message, msg)
			}
		})
	}
}

func TestTransfer_IdempotencyKey(t *testing.T) {
	a := newTestAPI(t)
	alice := a.login(t, "alice")
	from := a.createAccount(t, alice, 1000)
	to := a.createAccount(t, alice, 0)

	req := map[string]interface{}{"from_account_id": from, "to_account_id": to, "amount": 100, "confirm": true}
	headers := map[string]string{IdempotencyHeader: "key-1"}

	first := a.do(t, "POST", "/transactions/transfer", alice, req, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}

	again := a.do(t, "POST", "/transactions/transfer", alice, req, headers)
	if again.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", again.Code)
	}
	if again.Header().Get(ReplayHeader) != "true" {
		t.Error("expected replay header")
	}
	if again.Body.String() != first.Body.String() {
		t.Errorf("replayed body differs: %q vs %q", again.Body.String(), first.Body.String())
	}

	rr := a.do(t, "GET", "/accounts/"+from, alice, nil, nil)
	var view models.AccountView
	decode(t, rr, &view)
	if view.Balance != 900 {
		t.Errorf("expected a single debit, balance is %d", view.Balance)
	}

	req["amount"] = 200
	rr = a.do(t, "POST", "/transactions/transfer", alice, req, headers)
	if rr.Code != http.StatusConflict {
		t.Errorf("different body with same key: expected 409, got %d", rr.Code)
	}

	// without the header every confirmed call executes
	a.do(t, "POST", "/transactions/transfer", alice, req, nil)
	a.do(t, "POST", "/transactions/transfer", alice, req, nil)
	rr = a.do(t, "GET", "/accounts/"+from, alice, nil, nil)
	decode(t, rr, &view)
	if view.Balance != 500 {
		t.Errorf("expected balance 500, got %d", view.Balance)
	}
}

func TestTransfer_IdempotencyKeyOversizedBody(t *testing.T) {
	a := newTestAPI(t)
	alice := a.login(t, "alice")
	from := a.createAccount(t, alice, 1000)
	to := a.createAccount(t, alice, 0)
	headers := map[string]string{IdempotencyHeader: "key-big"}

	payload := `{"from_account_id":"` + from + `","to_account_id":"` + to + `","amount":100,"confirm":true}`
	padded := payload + strings.Repeat(" ", maxBodyBytes)

	rr := a.do(t, "POST", "/transactions/transfer", alice, padded, headers)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp validationResponse
	decode(t, rr, &resp)
	if resp.Fields["body"] != "request body too large" {
		t.Errorf("unexpected body error %v", resp.Fields)
	}

	// the rejected request must not hold the key
	rr = a.do(t, "POST", "/transactions/transfer", alice, payload, headers)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(ReplayHeader) != "" {
		t.Error("expected a fresh execution, got a replay")
	}

	rr = a.do(t, "GET", "/accounts/"+from, alice, nil, nil)
	var view models.AccountView
	decode(t, rr, &view)
	if view.Balance != 900 {
		t.Errorf("expected balance 900, got %d", view.Balance)
	}
}

func TestRespondAppError_HidesInternalCause(t *testing.T) {
	h := NewHandler(Options{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)

	h.respondAppError(rr, req, apperr.Wrap(errors.New("pq: connection refused"), "failed to get account"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if msg := errorMessage(t, rr); msg != "internal server error" {
		t.Errorf("expected generic message, got %q", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.BadRequestKind, http.StatusBadRequest},
		{apperr.ValidationKind, http.StatusBadRequest},
		{apperr.AccountClosedKind, http.StatusBadRequest},
		{apperr.NotFoundKind, http.StatusNotFound},
		{apperr.AccountOwnershipKind, http.StatusForbidden},
		{apperr.UnauthorizedKind, http.StatusUnauthorized},
		{apperr.ConflictKind, http.StatusConflict},
		{apperr.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := statusFor(tt.kind); got != tt.status {
				t.Errorf("expected %d, got %d", tt.status, got)
			}
		})
	}
}
