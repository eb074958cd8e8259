package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/orders"
	"github.com/meatcart/meatcart/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLowStock carries a low-stock alert raised after a depletion.
	TaskLowStock = "stock:low_stock"
	// TaskOrderConfirmed announces an order that reached confirmed.
	TaskOrderConfirmed = "order:confirmed"
)

// LowStockPayload is the queued form of stock.LowStockAlert.
type LowStockPayload struct {
	ProductID       int64           `json:"product_id"`
	Available       decimal.Decimal `json:"available"`
	Threshold       int             `json:"threshold"`
	ReorderPoint    int             `json:"reorder_point"`
	ReorderQuantity int             `json:"reorder_quantity"`
	RaisedAt        time.Time       `json:"raised_at"`
}

// NewLowStockTask constructs a low-stock task.
func NewLowStockTask(alert stock.LowStockAlert) (*asynq.Task, error) {
	body, err := json.Marshal(LowStockPayload{
		ProductID:       alert.ProductID,
		Available:       alert.Available,
		Threshold:       alert.Threshold,
		ReorderPoint:    alert.ReorderPoint,
		ReorderQuantity: alert.ReorderQuantity,
		RaisedAt:        alert.At,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStock, body, asynq.MaxRetry(3)), nil
}

// LowStockJob consumes low-stock tasks.
type LowStockJob struct {
	Logger *slog.Logger
}

// Handle logs the alert with its reorder suggestion.
func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LowStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := slog.Default()
	if j != nil && j.Logger != nil {
		logger = j.Logger
	}
	attrs := []any{
		slog.Int64("product_id", payload.ProductID),
		slog.String("available", payload.Available.String()),
		slog.Int("threshold", payload.Threshold),
		slog.Time("raised_at", payload.RaisedAt),
	}
	if payload.ReorderQuantity > 0 && payload.Available.LessThanOrEqual(decimal.NewFromInt(int64(payload.ReorderPoint))) {
		attrs = append(attrs, slog.Int("reorder_quantity", payload.ReorderQuantity))
	}
	logger.WarnContext(ctx, "low stock alert", attrs...)
	return nil
}

// OrderConfirmedPayload identifies a confirmed order.
type OrderConfirmedPayload struct {
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  int64           `json:"customer_id"`
	Total       decimal.Decimal `json:"total"`
}

// NewOrderConfirmedTask constructs an order confirmation task.
func NewOrderConfirmedTask(order orders.Order) (*asynq.Task, error) {
	body, err := json.Marshal(OrderConfirmedPayload{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		CustomerID:  order.CustomerID,
		Total:       order.Total,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrderConfirmed, body, asynq.MaxRetry(5)), nil
}

// HandleOrderConfirmedTask processes TaskOrderConfirmed tasks.
func HandleOrderConfirmedTask(ctx context.Context, t *asynq.Task) error {
	var payload OrderConfirmedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder until a customer messaging channel exists.
	slog.Default().InfoContext(ctx, "order confirmed",
		slog.Int64("order_id", payload.OrderID),
		slog.String("order_number", payload.OrderNumber),
		slog.Int64("customer_id", payload.CustomerID))
	return nil
}
