package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	app "github.com/guildworks/economy/internal/app"
	"github.com/guildworks/economy/internal/middleware"
)

const testSecret = "handler-test-secret"

type apiFixture struct {
	t       *testing.T
	handler http.Handler
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	auth := middleware.NewAuth(testSecret, nil, "/health", "/metrics")
	return &apiFixture{t: t, handler: auth.Handler(NewHandler(application))}
}

func (f *apiFixture) token(userID, role string) string {
	f.t.Helper()
	claims := middleware.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *apiFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/tenants/t1/balance/u1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newFixture(t)
	member := f.token("u1", "")

	rec := f.do(http.MethodPost, "/api/v1/tenants/t1/adjust", member, map[string]interface{}{
		"user_id": "u1", "amount": 100, "reason": "nope",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdjustAndBalanceRoundTrip(t *testing.T) {
	f := newFixture(t)
	admin := f.token("admin", middleware.RoleAdmin)

	rec := f.do(http.MethodPost, "/api/v1/tenants/t1/adjust", admin, map[string]interface{}{
		"user_id": "u1", "amount": 250, "reason": "event prize",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/v1/tenants/t1/balance/u1", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", rec.Code)
	}
	var balance struct {
		Balance  int64 `json:"balance"`
		Degraded bool  `json:"degraded"`
	}
	decodeBody(t, rec, &balance)
	if balance.Balance != 250 || balance.Degraded {
		t.Fatalf("unexpected balance payload: %+v", balance)
	}

	// A different tenant sees nothing.
	rec = f.do(http.MethodGet, "/api/v1/tenants/t2/balance/u1", admin, nil)
	decodeBody(t, rec, &balance)
	if balance.Balance != 0 {
		t.Fatalf("tenant isolation broken: %+v", balance)
	}

	rec = f.do(http.MethodGet, "/api/v1/tenants/t1/balance/u1/history", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var history []map[string]interface{}
	decodeBody(t, rec, &history)
	if len(history) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(history))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	admin := f.token("admin", middleware.RoleAdmin)
	member := f.token("worker", "")

	rec := f.do(http.MethodPost, "/api/v1/tenants/t1/tasks", admin, map[string]interface{}{
		"title": "write patch notes", "reward": 75, "max_claims": -1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	base := "/api/v1/tenants/t1/tasks/" + created.ID
	rec = f.do(http.MethodPost, base+"/claim", member, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Second claim by the same user conflicts.
	rec = f.do(http.MethodPost, base+"/claim", member, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double claim: expected 409, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, base+"/submit", member, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodPost, base+"/approve", admin, map[string]string{"user_id": "worker"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/v1/tenants/t1/balance/worker", member, nil)
	var balance struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, rec, &balance)
	if balance.Balance != 75 {
		t.Fatalf("reward not credited, balance %d", balance.Balance)
	}

	// Re-approval of a settled claim conflicts.
	rec = f.do(http.MethodPost, base+"/approve", admin, map[string]string{"user_id": "worker"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-approve: expected 409, got %d", rec.Code)
	}
}

func TestPurchaseOverHTTP(t *testing.T) {
	f := newFixture(t)
	admin := f.token("admin", middleware.RoleAdmin)
	member := f.token("buyer", "")

	rec := f.do(http.MethodPost, "/api/v1/tenants/t1/shop/items", admin, map[string]interface{}{
		"name": "name color", "price": 40, "stock": 2, "category": "permanent",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var item struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &item)

	purchase := fmt.Sprintf("/api/v1/tenants/t1/shop/items/%s/purchase", item.ID)

	// Broke buyer is rejected with a clear conflict.
	rec = f.do(http.MethodPost, purchase, member, map[string]int{"quantity": 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("broke purchase: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	f.do(http.MethodPost, "/api/v1/tenants/t1/adjust", admin, map[string]interface{}{
		"user_id": "buyer", "amount": 100, "reason": "grant",
	})

	rec = f.do(http.MethodPost, purchase, member, map[string]int{"quantity": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entry struct {
		Quantity int `json:"quantity"`
	}
	decodeBody(t, rec, &entry)
	if entry.Quantity != 1 {
		t.Fatalf("expected 1 owned, got %d", entry.Quantity)
	}

	rec = f.do(http.MethodGet, "/api/v1/tenants/t1/inventory", member, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inventory: expected 200, got %d", rec.Code)
	}
	var inv []struct {
		ItemID   string `json:"item_id"`
		Quantity int    `json:"quantity"`
	}
	decodeBody(t, rec, &inv)
	if len(inv) != 1 || inv[0].ItemID != item.ID {
		t.Fatalf("unexpected inventory: %+v", inv)
	}
}

func TestUnknownTaskReturns404(t *testing.T) {
	f := newFixture(t)
	member := f.token("u1", "")

	rec := f.do(http.MethodGet, "/api/v1/tenants/t1/tasks/nope", member, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	f := newFixture(t)
	admin := f.token("admin", middleware.RoleAdmin)

	rec := f.do(http.MethodPost, "/api/v1/tenants/t1/adjust", admin, map[string]interface{}{
		"user_id": "u1", "amount": 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero adjust: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodPost, "/api/v1/tenants/t1/tasks", admin, map[string]interface{}{
		"title": "", "reward": 10,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty title: expected 400, got %d", rec.Code)
	}
}
