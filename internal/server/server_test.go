package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasoahq/kasoa/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		Currency:        "GHS",
		CommissionBps:   1000,
		AccountLockWait: 2 * time.Second,
		NotifyTimeout:   5 * time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/v1/platform",
		"GET:/v1/accounts/:kind/:id/balance",
		"GET:/v1/accounts/:kind/:id/ledger",
		"POST:/v1/sellers/:id/account",
		"POST:/v1/admin/adjustments",
		"GET:/v1/admin/reconcile",
		"GET:/v1/admin/audit",
		"POST:/v1/orders",
		"GET:/v1/orders/:id",
		"PUT:/v1/orders/:id/status",
		"GET:/v1/sellers/:id/orders",
		"GET:/v1/buyers/:id/orders",
		"POST:/v1/orders/:id/pay",
		"POST:/v1/topups",
		"POST:/v1/webhooks/stripe",
		"POST:/v1/accounts/:kind/:id/webhooks",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end order flow (in-memory storage)
// ---------------------------------------------------------------------------

func TestCODOrderFlowCreditsSellers(t *testing.T) {
	s := newTestServer(t)

	// Seller onboarding
	w := doJSON(t, s, "POST", "/v1/sellers/s_1/account", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("seller account: %d %s", w.Code, w.Body.String())
	}

	// COD orders need no upfront payment
	w = doJSON(t, s, "POST", "/v1/orders",
		`{"buyerId":"u_1","sellerId":"s_1","total":"30.00","paymentMethod":"cod"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse create response: %v", err)
	}
	orderID := created.Order.ID

	// Admin walks the order through fulfillment
	for _, status := range []string{
		"processing", "confirmed", "preparing",
		"ready_for_dispatch", "out_for_delivery", "delivered",
	} {
		body := fmt.Sprintf(`{"status":%q,"actor":"admin","actorRole":"admin"}`, status)
		w = doJSON(t, s, "PUT", "/v1/orders/"+orderID+"/status", body)
		if w.Code != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", status, w.Code, w.Body.String())
		}
	}

	// Seller earned 30.00 minus 10% commission
	w = doJSON(t, s, "GET", "/v1/accounts/seller/s_1/balance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("seller balance: %d %s", w.Code, w.Body.String())
	}
	var bal struct {
		Formatted string `json:"formatted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("parse balance: %v", err)
	}
	if bal.Formatted != "27.00" {
		t.Errorf("seller balance = %s, want 27.00", bal.Formatted)
	}
}

func TestWalletCheckoutFlow(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/sellers/s_1/account", "")

	// Seed the buyer wallet through an admin adjustment
	w := doJSON(t, s, "POST", "/v1/admin/adjustments",
		`{"accountKey":"buyer:u_1","amount":"100.00","direction":"credit","reason":"test seed"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("adjustment: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/orders",
		`{"buyerId":"u_1","sellerId":"s_1","total":"30.00","paymentMethod":"wallet"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse create response: %v", err)
	}

	w = doJSON(t, s, "POST", "/v1/orders/"+created.Order.ID+"/pay", `{"buyerId":"u_1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pay: %d %s", w.Code, w.Body.String())
	}

	// Paying again is rejected, not double-charged
	w = doJSON(t, s, "POST", "/v1/orders/"+created.Order.ID+"/pay", `{"buyerId":"u_1"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("repay: %d, want 409", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/accounts/buyer/u_1/balance", "")
	var bal struct {
		Formatted string `json:"formatted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("parse balance: %v", err)
	}
	if bal.Formatted != "70.00" {
		t.Errorf("buyer balance = %s, want 70.00", bal.Formatted)
	}
}

func TestTopupsDisabledWithoutStripe(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/topups", `{"buyerId":"u_1","amount":"50.00"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("topup: %d, want 503", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
