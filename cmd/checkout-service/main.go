package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/checkout-settlement-go/internal/checkout"
	"github.com/nazeru/checkout-settlement-go/internal/checkout/domain"
	"github.com/nazeru/checkout-settlement-go/internal/checkout/pricing"
	"github.com/nazeru/checkout-settlement-go/internal/gateway"
	"github.com/nazeru/checkout-settlement-go/internal/settlement"
	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
	"github.com/nazeru/checkout-settlement-go/pkg/idempotency"
	"github.com/nazeru/checkout-settlement-go/pkg/metrics"
)

const maxWebhookBody = 1 << 20

type cfg struct {
	Port           string
	StoreKind      string // postgres | memory
	DatabaseURL    string
	GatewayBaseURL string
	GatewaySecret  string
	GatewayTimeout time.Duration
	ShippingFlat   int64
	TaxBasisPoints int64
}

func readCfg() (cfg, error) {
	store := strings.ToLower(getenv("STORE", "postgres"))
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if store == "postgres" && db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	gwURL := strings.TrimSpace(os.Getenv("GATEWAY_BASE_URL"))
	if gwURL == "" {
		return cfg{}, errors.New("GATEWAY_BASE_URL is required")
	}
	secret := strings.TrimSpace(os.Getenv("GATEWAY_SECRET"))
	if secret == "" {
		return cfg{}, errors.New("GATEWAY_SECRET is required")
	}
	toutMS, _ := strconv.Atoi(getenv("GATEWAY_TIMEOUT_MS", "2500"))
	shipping, _ := strconv.ParseInt(getenv("SHIPPING_FLAT", "5000"), 10, 64)
	taxBPS, _ := strconv.ParseInt(getenv("TAX_BASIS_POINTS", "750"), 10, 64)

	return cfg{
		Port:           getenv("PORT", "8080"),
		StoreKind:      store,
		DatabaseURL:    db,
		GatewayBaseURL: gwURL,
		GatewaySecret:  secret,
		GatewayTimeout: time.Duration(toutMS) * time.Millisecond,
		ShippingFlat:   shipping,
		TaxBasisPoints: taxBPS,
	}, nil
}

// demoCatalog backs STORE=memory so the service runs without Postgres.
func demoCatalog() pricing.StaticCatalog {
	return pricing.StaticCatalog{
		"prod-1/":      {ProductID: "prod-1", Name: "Enamel Mug", UnitPrice: 2500, Stock: 100},
		"prod-2/":      {ProductID: "prod-2", Name: "Canvas Tote", UnitPrice: 70000, Stock: 50},
		"prod-3/large": {ProductID: "prod-3", VariantID: "large", Name: "Hoodie", UnitPrice: 120000, Stock: 25},
	}
}

func main() {
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var (
		store   settlement.Store
		catalog pricing.Catalog
		pool    *pgxpool.Pool
	)
	if cfg.StoreKind == "memory" {
		store = settlement.NewMemStore()
		catalog = demoCatalog()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect error: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		store = settlement.NewPGStore(pool)
		catalog = &pricing.PGCatalog{Pool: pool}
	}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecret, cfg.GatewayTimeout)
	coord := settlement.NewCoordinator(store, gw, cfg.GatewaySecret)
	svc := &checkout.Service{
		Store:  store,
		Pricer: &pricing.Pricer{Catalog: catalog, FlatShipping: cfg.ShippingFlat, TaxBasisPoints: cfg.TaxBasisPoints},
	}

	srvMetrics := metrics.NewServerMetrics("checkout_service")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := handleCheckout(svc, w, r)
		srvMetrics.Observe("checkout", strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
	})
	mux.HandleFunc("/payments/initialize", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := handleInitialize(coord, w, r)
		srvMetrics.Observe("payments_initialize", strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
	})
	mux.HandleFunc("/payments/by-reference", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := handlePaymentByReference(coord, w, r)
		srvMetrics.Observe("payments_by_reference", strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
	})
	mux.HandleFunc("/payments/by-order", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := handlePaymentByOrder(coord, w, r)
		srvMetrics.Observe("payments_by_order", strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
	})
	mux.HandleFunc("/webhooks/gateway", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := handleWebhook(coord, srvMetrics, w, r)
		srvMetrics.Observe("webhooks_gateway", strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
	})
	mux.HandleFunc("/orders/cancel", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := handleCancel(coord, w, r)
		srvMetrics.Observe("orders_cancel", strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("checkout-service listening on :%s (STORE=%s)", cfg.Port, cfg.StoreKind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server error: %v", err)
	}
}

type checkoutRequest struct {
	CustomerID string                `json:"customer_id"`
	Currency   string                `json:"currency"`
	Lines      []pricing.LineRequest `json:"lines"`
}

func handleCheckout(svc *checkout.Service, w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, replayed, err := svc.CreateOrder(ctx, checkout.CreateOrderInput{
		CustomerID:     req.CustomerID,
		Currency:       req.Currency,
		Lines:          req.Lines,
		IdempotencyKey: idempotency.Key(r),
	})
	if err != nil {
		return writeErr(w, err)
	}

	status := "CREATED"
	if replayed {
		status = "IDEMPOTENT_REPLAY"
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"order_id": o.ID,
		"code":     o.Code,
		"total":    o.Total,
		"currency": o.Currency,
		"state":    o.State,
		"status":   status,
	})
}

type initializeRequest struct {
	OrderID string `json:"order_id"`
	Email   string `json:"email"`
	Amount  int64  `json:"amount"`
}

func handleInitialize(coord *settlement.Coordinator, w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := coord.InitializePayment(ctx, domain.OrderID(req.OrderID), req.Email, req.Amount)
	if err != nil {
		return writeErr(w, err)
	}
	return writeJSON(w, http.StatusOK, out)
}

func handlePaymentByReference(coord *settlement.Coordinator, w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodGet {
		return writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
	ref := strings.TrimSpace(r.URL.Query().Get("reference"))
	if ref == "" {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "reference is required"})
	}
	p, err := coord.GetPaymentByReference(r.Context(), ref)
	if err != nil {
		return writeErr(w, err)
	}
	return writeJSON(w, http.StatusOK, paymentResponse(p))
}

func handlePaymentByOrder(coord *settlement.Coordinator, w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodGet {
		return writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
	orderID := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if orderID == "" {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "order_id is required"})
	}
	p, err := coord.GetPaymentByOrderID(r.Context(), domain.OrderID(orderID))
	if err != nil {
		return writeErr(w, err)
	}
	return writeJSON(w, http.StatusOK, paymentResponse(p))
}

func handleWebhook(coord *settlement.Coordinator, srvMetrics *metrics.ServerMetrics, w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := coord.ProcessWebhook(ctx, raw, r.Header.Get("X-Gateway-Signature"))
	if err != nil {
		srvMetrics.Settlements.WithLabelValues("rejected").Inc()
		return writeErr(w, err)
	}
	if p == nil {
		return writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	}

	switch p.State {
	case domain.PaymentSettled:
		srvMetrics.Settlements.WithLabelValues("settled").Inc()
	case domain.PaymentDeclined:
		srvMetrics.Settlements.WithLabelValues("declined").Inc()
	}
	return writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "payment": paymentResponse(p)})
}

type cancelRequest struct {
	OrderID string `json:"order_id"`
}

func handleCancel(coord *settlement.Coordinator, w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.OrderID) == "" {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "order_id is required"})
	}
	o, err := coord.CancelOrder(r.Context(), domain.OrderID(req.OrderID))
	if err != nil {
		return writeErr(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "state": o.State})
}

func paymentResponse(p *domain.Payment) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"order_id":       p.OrderID,
		"method":         p.Method,
		"amount":         p.Amount,
		"state":          p.State,
		"reference":      p.GatewayReference,
		"transaction_id": p.TransactionID,
		"error_message":  p.ErrorMessage,
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	}
}

func writeErr(w http.ResponseWriter, err error) int {
	return writeJSON(w, apperr.HTTPStatus(err), map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
	return code
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
