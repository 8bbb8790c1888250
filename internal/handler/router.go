package handler

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/event"
	"github.com/efreitasn/carbonexchange/internal/metrics"
	"github.com/efreitasn/carbonexchange/internal/service"
)

// AccountHeader carries the authenticated account id. The gateway in
// front of the exchange sets it.
const AccountHeader = "X-Account-Id"

// Services bundles everything the HTTP surface calls into.
type Services struct {
	Orders      *service.OrderRouter
	Market      *service.MarketService
	Portfolios  *service.PortfolioService
	CreditTypes *service.CreditTypeService
	Settlements *service.SettlementService
	Webhooks    *service.WebhookService
	Hub         *event.Hub
	Metrics     *metrics.Metrics
}

// NewRouter creates the account-facing chi router with request logging
// and Content-Type validation middleware. Operator routes live on
// NewAdminRouter.
func NewRouter(svc Services, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	// Create handlers.
	orderH := NewOrderHandler(svc.Orders)
	marketH := NewMarketHandler(svc.Market)
	portfolioH := NewPortfolioHandler(svc.Portfolios)
	creditH := NewCreditTypeHandler(svc.CreditTypes)
	webhookH := NewWebhookHandler(svc.Webhooks)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	}

	// Public market data.
	r.Get("/markets/{credit_type_id}/book", marketH.GetBook)
	r.Get("/markets/{credit_type_id}/trades", marketH.GetTrades)
	r.Get("/markets/{credit_type_id}/price", marketH.GetPrice)
	r.Get("/credit-types", creditH.List)

	// Account-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(requireAccount)

		r.Post("/orders", orderH.SubmitOrder)
		r.Get("/orders", orderH.ListOrders)
		r.Get("/orders/{order_id}", orderH.GetOrder)
		r.Delete("/orders/{order_id}", orderH.CancelOrder)
		r.Get("/trades", orderH.ListTrades)
		r.Get("/portfolio", portfolioH.Get)

		r.Post("/webhooks", webhookH.Upsert)
		r.Get("/webhooks", webhookH.List)
		r.Delete("/webhooks/{webhook_id}", webhookH.Delete)

		if svc.Hub != nil {
			r.Get("/ws", serveWS(svc.Hub, logger))
		}
	})

	return r
}

// NewAdminRouter creates the router for operator and chain bridge routes.
// It carries no account check and must be served on a listener that is
// not reachable by account holders.
func NewAdminRouter(svc Services, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	creditH := NewCreditTypeHandler(svc.CreditTypes)
	portfolioH := NewPortfolioHandler(svc.Portfolios)
	settlementH := NewSettlementHandler(svc.Settlements)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/credit-types", creditH.Register)
	r.Post("/portfolios/{owner_id}/deposits", portfolioH.Deposit)
	r.Get("/settlements/{trade_id}", settlementH.Get)
	r.Post("/settlements/{trade_id}/ack", settlementH.Ack)
	r.Post("/settlements/{trade_id}/retry", settlementH.Retry)

	return r
}

type accountKey struct{}

// requireAccount rejects requests without a well-formed account header and
// stores the account id in the request context.
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(AccountHeader))
		if id == "" {
			WriteError(w, http.StatusUnauthorized, "unauthorized", AccountHeader+" header is required")
			return
		}
		if !domain.ValidAccountID(id) {
			WriteError(w, http.StatusUnauthorized, "unauthorized", AccountHeader+" must match "+domain.AccountIDPattern)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, id)))
	})
}

// accountID returns the id stored by requireAccount.
func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountKey{}).(string)
	return id
}

func serveWS(hub *event.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// On failure the upgrader has already answered the request.
		if err := hub.ServeWS(w, r, accountID(r)); err != nil {
			logger.Warn("ws upgrade failed", "account_id", accountID(r), "error", err)
		}
	}
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests that carry a body. If the Content-Type header doesn't start
// with "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) && r.ContentLength != 0 {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
