package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/engine"
	"github.com/efreitasn/carbonexchange/internal/event"
	"github.com/efreitasn/carbonexchange/internal/ledger"
	"github.com/efreitasn/carbonexchange/internal/metrics"
	"github.com/efreitasn/carbonexchange/internal/outbox"
	"github.com/efreitasn/carbonexchange/internal/service"
	"github.com/efreitasn/carbonexchange/internal/store"
)

const testCreditType = "VCS-2020"

// syncSink publishes every batch before Enqueue returns, so tests can
// assert on delivery without waiting.
type syncSink struct {
	publisher event.Publisher
}

func (s syncSink) Enqueue(events []event.Event) {
	_ = s.publisher.Publish(context.Background(), events)
}

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router  http.Handler
	admin   http.Handler
	books   *engine.BookManager
	ledger  *ledger.Memory
	outbox  *outbox.Store
	hub     *event.Hub
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ob, err := outbox.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { ob.Close() })

	mem := ledger.NewMemory()
	registry := domain.NewCreditTypeRegistry()
	books := engine.NewBookManager()
	m := metrics.New()
	hub := event.NewHub(logger)
	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), 5*time.Second, logger)
	sink := syncSink{publisher: event.Fanout{ob, hub, webhookSvc}}

	creditSvc := service.NewCreditTypeService(registry, mem, logger)
	if err := creditSvc.Load(context.Background(), []string{testCreditType}); err != nil {
		t.Fatalf("load credit types: %v", err)
	}

	expiry := engine.NewExpiryManager(time.Hour, nil, logger) // long interval, no auto-expiry in tests
	orders := service.NewOrderRouter(books, engine.NewMatcher(), mem, registry, expiry, sink, m, logger,
		service.WithLockTimeout(50*time.Millisecond))
	expiry.SetExpirer(orders)

	svc := Services{
		Orders:      orders,
		Market:      service.NewMarketService(books, mem, registry, 5*time.Minute),
		Portfolios:  service.NewPortfolioService(mem, registry, sink),
		CreditTypes: creditSvc,
		Settlements: service.NewSettlementService(ob, logger),
		Webhooks:    webhookSvc,
		Hub:         hub,
		Metrics:     m,
	}

	return &testEnv{
		router:  NewRouter(svc, logger),
		admin:   NewAdminRouter(svc, logger),
		books:   books,
		ledger:  mem,
		outbox:  ob,
		hub:     hub,
		metrics: m,
	}
}

// do sends a request to the account-facing router as account (none when
// empty) with an optional JSON body and returns the recorder.
func (env *testEnv) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return send(t, env.router, method, path, account, body)
}

// doAdmin sends a request to the operator router.
func (env *testEnv) doAdmin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return send(t, env.admin, method, path, "", body)
}

func send(t *testing.T, h http.Handler, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// doRaw sends a raw request with optional content-type override.
func (env *testEnv) doRaw(t *testing.T, method, path, account, contentType, rawBody string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(rawBody))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func (env *testEnv) deposit(t *testing.T, owner string, qty int64) {
	t.Helper()
	rr := env.doAdmin(t, "POST", "/portfolios/"+owner+"/deposits", map[string]any{
		"credit_type_id": testCreditType,
		"quantity":       qty,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("deposit for %s: expected 201, got %d: %s", owner, rr.Code, rr.Body.String())
	}
}

// submitOrder submits a limit order via the API and returns the response.
func (env *testEnv) submitOrder(t *testing.T, owner, side, price string, qty int64) map[string]any {
	t.Helper()
	rr := env.do(t, "POST", "/orders", owner, map[string]any{
		"credit_type_id": testCreditType,
		"side":           side,
		"price":          price,
		"quantity":       qty,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit %s order for %s: expected 201, got %d: %s", side, owner, rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 10)
	env.submitOrder(t, "seller", "sell", "20", 10)

	rr := env.do(t, "GET", "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "carbonexchange_orders_submitted_total") {
		t.Fatalf("metrics output missing order counter:\n%s", rr.Body.String())
	}
}

func TestAccountHeaderRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/orders", "/trades", "/portfolio", "/webhooks"} {
		rr := env.do(t, "GET", path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without account: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestAccountHeaderMalformed(t *testing.T) {
	env := newTestEnv(t)
	for _, account := range []string{"alice@example.com", "alice.smith", strings.Repeat("a", 65)} {
		for _, path := range []string{"/orders", "/webhooks", "/ws"} {
			rr := env.do(t, "GET", path, account, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("GET %s as %q: expected 401, got %d", path, account, rr.Code)
			}
		}
	}
}

func TestAdminRoutesOnlyOnAdminRouter(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/portfolios/alice/deposits", "alice", map[string]any{"credit_type_id": testCreditType, "quantity": 10})
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("deposit on public router: got %d, want 404 or 405", rr.Code)
	}
	rr = env.do(t, "POST", "/credit-types", "alice", map[string]any{"id": "GS-2019"})
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("credit type registration on public router: got %d, want 404 or 405", rr.Code)
	}
	rr = env.do(t, "POST", "/settlements/x/ack", "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("settlement ack on public router: got %d, want 404", rr.Code)
	}
	if entry, _ := env.ledger.PortfolioEntry(context.Background(), "alice", testCreditType); entry != nil && entry.Balance != 0 {
		t.Errorf("public deposit changed balance to %d", entry.Balance)
	}

	rr = env.doAdmin(t, "GET", "/orders", nil)
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("orders on admin router: got %d, want 404 or 405", rr.Code)
	}
}

func TestOrder_Submit_Match(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 100)

	ask := env.submitOrder(t, "seller", "sell", "20", 100)
	if ask["status"] != "open" || ask["remaining_quantity"] != 100.0 {
		t.Fatalf("unexpected ask: %v", ask)
	}

	bid := env.submitOrder(t, "buyer", "buy", "25", 60)
	if bid["status"] != "filled" {
		t.Fatalf("expected status=filled, got %v", bid["status"])
	}
	if bid["price"] != "25" {
		t.Fatalf("expected price=\"25\", got %v", bid["price"])
	}
	if bid["average_price"] != "20" {
		t.Fatalf("expected average_price=\"20\", got %v", bid["average_price"])
	}
	trades, ok := bid["trades"].([]any)
	if !ok || len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %v", bid["trades"])
	}
	trade := trades[0].(map[string]any)
	if trade["price"] != "20" || trade["quantity"] != 60.0 || trade["total_value"] != "1200" {
		t.Fatalf("unexpected trade: %v", trade)
	}
	if trade["seller_id"] != "seller" || trade["buyer_id"] != "buyer" {
		t.Fatalf("unexpected parties: %v", trade)
	}

	// Resting ask is partially filled.
	rr := env.do(t, "GET", "/orders/"+ask["order_id"].(string), "seller", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]any
	decodeJSON(t, rr, &got)
	if got["status"] != "partially_filled" || got["remaining_quantity"] != 40.0 {
		t.Fatalf("unexpected ask after match: %v", got)
	}
}

func TestOrder_Submit_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"invalid side", map[string]any{"credit_type_id": testCreditType, "side": "hold", "price": "1", "quantity": 1}},
		{"zero price", map[string]any{"credit_type_id": testCreditType, "side": "buy", "price": "0", "quantity": 1}},
		{"price not a number", map[string]any{"credit_type_id": testCreditType, "side": "buy", "price": "ten", "quantity": 1}},
		{"too many decimals", map[string]any{"credit_type_id": testCreditType, "side": "buy", "price": "1.000000001", "quantity": 1}},
		{"zero quantity", map[string]any{"credit_type_id": testCreditType, "side": "buy", "price": "1", "quantity": 0}},
		{"bad expires_at", map[string]any{"credit_type_id": testCreditType, "side": "buy", "price": "1", "quantity": 1, "expires_at": "tomorrow"}},
		{"past expires_at", map[string]any{"credit_type_id": testCreditType, "side": "buy", "price": "1", "quantity": 1, "expires_at": "2001-01-01T00:00:00Z"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/orders", "buyer", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp map[string]any
			decodeJSON(t, rr, &resp)
			if resp["error"] != "validation_error" {
				t.Fatalf("expected error=validation_error, got %v", resp["error"])
			}
		})
	}
}

func TestOrder_Submit_UnknownCreditType(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/orders", "buyer", map[string]any{
		"credit_type_id": "GS-2019", "side": "buy", "price": "1", "quantity": 1,
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrder_Submit_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 5)

	rr := env.do(t, "POST", "/orders", "seller", map[string]any{
		"credit_type_id": testCreditType, "side": "sell", "price": "20", "quantity": 6,
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["error"] != "insufficient_holdings" {
		t.Fatalf("expected error=insufficient_holdings, got %v", resp["error"])
	}
}

func TestOrder_Submit_Busy(t *testing.T) {
	env := newTestEnv(t)
	book := env.books.GetOrCreate(testCreditType)
	if err := book.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer book.Release()

	rr := env.do(t, "POST", "/orders", "buyer", map[string]any{
		"credit_type_id": testCreditType, "side": "buy", "price": "1", "quantity": 1,
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestOrder_Get_OtherOwnerNotFound(t *testing.T) {
	env := newTestEnv(t)
	order := env.submitOrder(t, "buyer", "buy", "10", 1)

	rr := env.do(t, "GET", "/orders/"+order["order_id"].(string), "intruder", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrder_Cancel(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 10)
	order := env.submitOrder(t, "seller", "sell", "20", 10)
	path := "/orders/" + order["order_id"].(string)

	rr := env.do(t, "DELETE", path, "intruder", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cancel by non-owner: expected 403, got %d", rr.Code)
	}

	rr = env.do(t, "DELETE", path, "seller", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["status"] != "cancelled" || resp["cancelled_at"] == nil {
		t.Fatalf("unexpected cancelled order: %v", resp)
	}

	rr = env.do(t, "DELETE", path, "seller", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rr.Code)
	}

	rr = env.do(t, "DELETE", "/orders/missing", "seller", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown order: expected 404, got %d", rr.Code)
	}
}

func TestOrder_List(t *testing.T) {
	env := newTestEnv(t)
	env.submitOrder(t, "buyer", "buy", "10", 1)
	env.submitOrder(t, "buyer", "buy", "11", 1)
	env.submitOrder(t, "other", "buy", "12", 1)

	rr := env.do(t, "GET", "/orders?status=open&limit=1", "buyer", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Orders []map[string]any `json:"orders"`
		Total  int              `json:"total"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Total != 2 || len(resp.Orders) != 1 {
		t.Fatalf("expected 1 of 2 orders, got %d of %d", len(resp.Orders), resp.Total)
	}

	for _, q := range []string{"?status=pending", "?page=0", "?limit=abc", "?limit=500"} {
		rr := env.do(t, "GET", "/orders"+q, "buyer", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("GET /orders%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestTrades_OwnOnly(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 10)
	env.submitOrder(t, "seller", "sell", "20", 10)
	env.submitOrder(t, "buyer", "buy", "20", 4)

	var resp struct {
		Trades []map[string]any `json:"trades"`
	}
	rr := env.do(t, "GET", "/trades?credit_type_id="+testCreditType, "buyer", nil)
	decodeJSON(t, rr, &resp)
	if len(resp.Trades) != 1 {
		t.Fatalf("buyer: expected 1 trade, got %d", len(resp.Trades))
	}

	rr = env.do(t, "GET", "/trades", "carol", nil)
	decodeJSON(t, rr, &resp)
	if len(resp.Trades) != 0 {
		t.Fatalf("third party: expected no trades, got %d", len(resp.Trades))
	}
}

func TestPortfolio(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 100)
	env.submitOrder(t, "seller", "sell", "20", 30)

	rr := env.do(t, "GET", "/portfolio", "seller", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		OwnerID string           `json:"owner_id"`
		Entries []map[string]any `json:"entries"`
	}
	decodeJSON(t, rr, &resp)
	if resp.OwnerID != "seller" || len(resp.Entries) != 1 {
		t.Fatalf("unexpected portfolio: %+v", resp)
	}
	e := resp.Entries[0]
	if e["balance"] != 100.0 || e["reserved"] != 30.0 || e["available"] != 70.0 {
		t.Fatalf("unexpected entry: %v", e)
	}
}

func TestDeposit_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doAdmin(t, "POST", "/portfolios/alice/deposits", map[string]any{"credit_type_id": testCreditType, "quantity": -1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("negative quantity: expected 400, got %d", rr.Code)
	}
	rr = env.doAdmin(t, "POST", "/portfolios/alice/deposits", map[string]any{"credit_type_id": "nope", "quantity": 1})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown credit type: expected 404, got %d", rr.Code)
	}
}

func TestMarket_BookTradesAndPrice(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 100)
	env.submitOrder(t, "seller", "sell", "20", 10)
	env.submitOrder(t, "seller", "sell", "21", 10)
	env.submitOrder(t, "buyer", "buy", "20", 4)
	env.submitOrder(t, "buyer", "buy", "19", 5)

	rr := env.do(t, "GET", "/markets/"+testCreditType+"/book?depth=5", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("book: expected 200, got %d", rr.Code)
	}
	var book map[string]any
	decodeJSON(t, rr, &book)
	asks := book["asks"].([]any)
	if len(asks) != 2 {
		t.Fatalf("expected 2 ask levels, got %d", len(asks))
	}
	top := asks[0].(map[string]any)
	if top["price"] != "20" || top["total_quantity"] != 6.0 {
		t.Fatalf("unexpected top ask: %v", top)
	}
	if book["spread"] != "1" {
		t.Fatalf("expected spread=\"1\", got %v", book["spread"])
	}

	rr = env.do(t, "GET", "/markets/"+testCreditType+"/trades", "", nil)
	var tape struct {
		Trades []map[string]any `json:"trades"`
	}
	decodeJSON(t, rr, &tape)
	if len(tape.Trades) != 1 {
		t.Fatalf("expected 1 trade on tape, got %d", len(tape.Trades))
	}
	if _, ok := tape.Trades[0]["buyer_id"]; ok {
		t.Fatal("public tape exposes buyer_id")
	}

	rr = env.do(t, "GET", "/markets/"+testCreditType+"/price", "", nil)
	var price map[string]any
	decodeJSON(t, rr, &price)
	if price["current_price"] != "20" || price["window"] != "5m" {
		t.Fatalf("unexpected price: %v", price)
	}

	rr = env.do(t, "GET", "/markets/"+testCreditType+"/book?depth=51", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("depth 51: expected 400, got %d", rr.Code)
	}
	rr = env.do(t, "GET", "/markets/NOPE/price", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown market: expected 404, got %d", rr.Code)
	}
}

func TestCreditTypes(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doAdmin(t, "POST", "/credit-types", map[string]any{
		"id": "GS-2019", "name": "Gold Standard 2019", "registry": "Gold Standard", "vintage": 2019,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.doAdmin(t, "POST", "/credit-types", map[string]any{"id": "GS-2019"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rr.Code)
	}

	rr = env.do(t, "GET", "/credit-types", "", nil)
	var resp struct {
		CreditTypes []map[string]any `json:"credit_types"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.CreditTypes) != 2 || resp.CreditTypes[0]["id"] != "GS-2019" {
		t.Fatalf("unexpected list: %v", resp.CreditTypes)
	}

	// The new market is immediately tradable.
	rr = env.do(t, "POST", "/orders", "buyer", map[string]any{
		"credit_type_id": "GS-2019", "side": "buy", "price": "5", "quantity": 1,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("order on new market: expected 201, got %d", rr.Code)
	}
}

func TestSettlement_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "seller", 10)
	env.submitOrder(t, "seller", "sell", "20", 10)
	bid := env.submitOrder(t, "buyer", "buy", "20", 10)
	tradeID := bid["trades"].([]any)[0].(map[string]any)["trade_id"].(string)

	rr := env.doAdmin(t, "GET", "/settlements/"+tradeID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var rec map[string]any
	decodeJSON(t, rr, &rec)
	if rec["state"] != "NEW" || rec["seller_id"] != "seller" || rec["buyer_id"] != "buyer" || rec["quantity"] != 10.0 {
		t.Fatalf("unexpected settlement: %v", rec)
	}

	rr = env.doAdmin(t, "POST", "/settlements/"+tradeID+"/retry", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("retry of NEW: expected 400, got %d", rr.Code)
	}

	rr = env.doAdmin(t, "POST", "/settlements/"+tradeID+"/ack", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("ack: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.doAdmin(t, "POST", "/settlements/"+tradeID+"/ack", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second ack: expected 404, got %d", rr.Code)
	}
}

func TestWebhook_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/webhooks", "alice", map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{"trade.executed", "order.updated"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created webhookListResponse
	decodeJSON(t, rr, &created)
	if len(created.Webhooks) != 2 || created.Webhooks[0].OwnerID != "alice" {
		t.Fatalf("unexpected webhooks: %+v", created.Webhooks)
	}

	rr = env.do(t, "POST", "/webhooks", "alice", map[string]any{
		"url":    "http://example.com/hook",
		"events": []string{"trade.executed"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("http url: expected 400, got %d", rr.Code)
	}

	rr = env.do(t, "GET", "/webhooks", "bob", nil)
	var listed webhookListResponse
	decodeJSON(t, rr, &listed)
	if len(listed.Webhooks) != 0 {
		t.Fatalf("bob sees %d webhooks", len(listed.Webhooks))
	}

	id := created.Webhooks[0].WebhookID
	rr = env.do(t, "DELETE", "/webhooks/"+id, "bob", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete by other owner: expected 404, got %d", rr.Code)
	}
	rr = env.do(t, "DELETE", "/webhooks/"+id, "alice", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
}

func TestWebSocket_StreamsOwnEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set(AccountHeader, "buyer")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("ws client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.deposit(t, "seller", 10)
	env.submitOrder(t, "seller", "sell", "20", 10)
	env.submitOrder(t, "buyer", "buy", "20", 10)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for len(types) < 2 {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (got %v)", err, types)
		}
		var e event.Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		types = append(types, string(e.Type))
	}
	// The buyer's own order update comes first, then the trade.
	if types[0] != "order.updated" || types[1] != "trade.executed" {
		t.Fatalf("unexpected event order: %v", types)
	}
}

func TestContentType_WrongOnPost(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doRaw(t, "POST", "/orders", "buyer", "text/plain", `{"side":"buy"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestContentType_MissingOnPost(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doRaw(t, "POST", "/orders", "buyer", "", `{"side":"buy"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestResponseFormat_TimestampRFC3339(t *testing.T) {
	env := newTestEnv(t)
	order := env.submitOrder(t, "buyer", "buy", "10", 1)
	createdAt, ok := order["created_at"].(string)
	if !ok {
		t.Fatal("created_at should be a string")
	}
	if _, err := time.Parse(time.RFC3339Nano, createdAt); err != nil {
		t.Fatalf("created_at not RFC 3339: %v", err)
	}
	if order["expires_at"] != nil {
		t.Fatalf("expected null expires_at, got %v", order["expires_at"])
	}
}
