package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &Config{AppEnv: "test", StoreDriver: StoreDriverMemory, LowStockQueue: "alerts"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewContainer(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return NewRouter(c.Handlers())
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "ops")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestOrderFlowOverMemoryStore(t *testing.T) {
	router := newMemoryRouter(t)

	rec := call(t, router, http.MethodPost, "/api/products", map[string]any{
		"name": "Lamb Shoulder", "sku": "LAMB-SHOULDER", "price": "12.50", "low_stock_threshold": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	product := decode[struct {
		ID int64 `json:"id"`
	}](t, rec)
	productPath := strconv.FormatInt(product.ID, 10)

	rec = call(t, router, http.MethodPost, "/api/stock/adjustments", map[string]any{
		"product_id": product.ID, "quantity": "10", "mode": "set", "reason": "opening count",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodPost, "/api/orders", map[string]any{
		"customer_id": 5, "payment_method": "card",
		"items": []map[string]any{{"product_id": product.ID, "quantity": "50"}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodPost, "/api/orders", map[string]any{
		"customer_id": 5, "payment_method": "card",
		"items": []map[string]any{{"product_id": product.ID, "quantity": "3"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[struct {
		ID     int64           `json:"id"`
		Status string          `json:"status"`
		Total  decimal.Decimal `json:"total"`
	}](t, rec)
	require.Equal(t, "pending", order.Status)
	require.True(t, order.Total.Equal(decimal.RequireFromString("37.5")))
	orderPath := "/api/orders/" + strconv.FormatInt(order.ID, 10)

	rec = call(t, router, http.MethodGet, "/api/stock/"+productPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[struct {
		Quantity  decimal.Decimal `json:"quantity"`
		Reserved  decimal.Decimal `json:"reserved_quantity"`
		Available decimal.Decimal `json:"available_quantity"`
	}](t, rec)
	assert.True(t, item.Reserved.Equal(decimal.NewFromInt(3)))
	assert.True(t, item.Available.Equal(decimal.NewFromInt(7)))

	rec = call(t, router, http.MethodPost, orderPath+"/status", map[string]any{"status": "delivered"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = call(t, router, http.MethodPost, orderPath+"/status", map[string]any{"status": "pending"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodGet, "/api/stock/"+productPath, nil)
	item = decode[struct {
		Quantity  decimal.Decimal `json:"quantity"`
		Reserved  decimal.Decimal `json:"reserved_quantity"`
		Available decimal.Decimal `json:"available_quantity"`
	}](t, rec)
	assert.True(t, item.Quantity.Equal(decimal.NewFromInt(7)))
	assert.True(t, item.Reserved.IsZero())

	rec = call(t, router, http.MethodGet, "/api/audit/orders/"+strconv.FormatInt(order.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)

	rec = call(t, router, http.MethodGet, "/api/audit/timeline?entity=order", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"actor":"ops"`)

	rec = call(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `meatcart_order_transitions_total{from="pending",to="delivered"} 1`)
	assert.Contains(t, rec.Body.String(), `meatcart_finance_postings_total{type="sale"} 1`)
}

func TestHealthAndUnknownRoute(t *testing.T) {
	router := newMemoryRouter(t)

	rec := call(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = call(t, router, http.MethodGet, "/api/nothing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = call(t, router, http.MethodGet, "/jobs/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"alerts","pending":0}`, rec.Body.String())
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("STORE_DRIVER", StoreDriverMemory)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.UsesMemoryStore())
	require.Equal(t, "alerts", cfg.LowStockQueue)
}
