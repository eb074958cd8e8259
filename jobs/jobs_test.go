package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatcart/meatcart/internal/audit"
	jobmetrics "github.com/meatcart/meatcart/internal/jobs"
	"github.com/meatcart/meatcart/internal/orders"
	"github.com/meatcart/meatcart/internal/stock"
)

func TestLowStockTaskCarriesAlert(t *testing.T) {
	at := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	task, err := NewLowStockTask(stock.LowStockAlert{
		ProductID:       4,
		Available:       decimal.RequireFromString("2.5"),
		Threshold:       5,
		ReorderPoint:    5,
		ReorderQuantity: 40,
		At:              at,
	})
	require.NoError(t, err)
	require.Equal(t, TaskLowStock, task.Type())

	var payload LowStockPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, int64(4), payload.ProductID)
	assert.True(t, payload.Available.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, at, payload.RaisedAt)

	var buf bytes.Buffer
	job := &LowStockJob{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Contains(t, buf.String(), "low stock alert")
	assert.Contains(t, buf.String(), "reorder_quantity=40")
}

func TestHandlersSkipRetryOnBadPayload(t *testing.T) {
	bad := asynq.NewTask(TaskLowStock, []byte("{"))
	job := &LowStockJob{}
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
	require.ErrorIs(t, HandleOrderConfirmedTask(context.Background(), asynq.NewTask(TaskOrderConfirmed, []byte("x"))), asynq.SkipRetry)
}

func TestOrderConfirmedTask(t *testing.T) {
	task, err := NewOrderConfirmedTask(orders.Order{ID: 7, Number: "ORD-20260314-ABCDEF", CustomerID: 3, Total: decimal.NewFromInt(60)})
	require.NoError(t, err)
	require.Equal(t, TaskOrderConfirmed, task.Type())
	require.NoError(t, HandleOrderConfirmedTask(context.Background(), task))
}

type stubChecker struct {
	reports []audit.StockReport
	err     error
}

func (s stubChecker) CheckAllStock(context.Context) ([]audit.StockReport, error) {
	return s.reports, s.err
}

func TestStockIntegrityJobReportsDrift(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	checker := stubChecker{reports: []audit.StockReport{
		{ProductID: 1, Consistent: true},
		{ProductID: 2, Findings: []audit.Finding{{Code: audit.FindingQuantity, ProductID: 2, Detail: "stored 10, replayed 8"}}},
	}}
	job := NewStockIntegrityJob(checker, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), metrics)

	task, err := NewStockIntegrityTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	drifted, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, int64(2), drifted[0].ProductID)

	families, err := registry.Gather()
	require.NoError(t, err)
	var findings float64
	for _, family := range families {
		if family.GetName() != "meatcart_stock_integrity_findings_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			findings += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(2), findings)
}

func TestStockIntegrityJobPropagatesFailure(t *testing.T) {
	job := NewStockIntegrityJob(stubChecker{err: errors.New("db down")}, nil, nil)
	task, err := NewStockIntegrityTask()
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))

	var nilJob *StockIntegrityJob
	require.Error(t, nilJob.Handle(context.Background(), task))
}

func TestHealthWithoutInspector(t *testing.T) {
	h := NewHandler(nil, "alerts", nil)
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"alerts","pending":0}`, rec.Body.String())
}
