package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/catalog"
	"github.com/meatcart/meatcart/internal/finance"
	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
	"github.com/meatcart/meatcart/internal/stock"
)

// RepositoryPort abstracts order persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	ListHistory(ctx context.Context, orderID int64) ([]HistoryEntry, error)
	ListTracking(ctx context.Context, orderID int64) ([]TrackingEvent, error)
	GetPayment(ctx context.Context, orderID int64) (Payment, error)
}

// StockLedger is the subset of the stock ledger used by the order lifecycle.
type StockLedger interface {
	CheckAvailability(ctx context.Context, lines []stock.Line) error
	Reserve(ctx context.Context, ref stock.OrderRef) error
	ConfirmDepletion(ctx context.Context, ref stock.OrderRef) error
	Release(ctx context.Context, ref stock.OrderRef) error
}

// FinancePoster appends finance transactions.
type FinancePoster interface {
	Post(ctx context.Context, input finance.PostingInput) (finance.Transaction, error)
}

// ProductCatalog resolves products for price and name snapshots.
type ProductCatalog interface {
	LookupActive(ctx context.Context, id int64) (catalog.Product, error)
}

// ConfirmationNotifier is told about confirmed orders once committed.
type ConfirmationNotifier interface {
	NotifyOrderConfirmed(ctx context.Context, order Order) error
}

// TransitionObserver counts committed status transitions.
type TransitionObserver interface {
	ObserveTransition(from, to string)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates the order lifecycle with stock and finance.
type Service struct {
	repo     RepositoryPort
	stock    StockLedger
	finance  FinancePoster
	catalog  ProductCatalog
	notifier ConfirmationNotifier
	audit    AuditPort
	metrics  TransitionObserver
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger StockLedger, poster FinancePoster, products ProductCatalog, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		stock:    ledger,
		finance:  poster,
		catalog:  products,
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches a transition observer.
func (s *Service) WithMetrics(m TransitionObserver) {
	s.metrics = m
}

// WithNotifier attaches the confirmation notifier.
func (s *Service) WithNotifier(n ConfirmationNotifier) {
	s.notifier = n
}

// PlaceOrder prices the lines from the catalog, checks the totals and
// inserts the order together with its stock reservation.
func (s *Service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (Order, error) {
	if err := s.validate.Struct(input); err != nil {
		return Order{}, err
	}
	if input.PlacedBy == "" {
		input.PlacedBy = "system"
	}
	for _, v := range []decimal.Decimal{input.Discount, input.DeliveryFee, input.VATAmount} {
		if v.IsNegative() {
			return Order{}, ErrInvalidAmount
		}
		if !shared.FitsScale(v, shared.MoneyPlaces) {
			return Order{}, fmt.Errorf("orders: amount %s: %w", v, ErrAmountScale)
		}
	}

	order := Order{
		CustomerID:    input.CustomerID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		PaymentMethod: input.PaymentMethod,
		Discount:      input.Discount,
		DeliveryFee:   input.DeliveryFee,
		VATAmount:     input.VATAmount,
		Notes:         strings.TrimSpace(input.Notes),
	}
	subtotal := decimal.Zero
	lines := make([]stock.Line, 0, len(input.Items))
	for _, in := range input.Items {
		if !in.Quantity.IsPositive() {
			return Order{}, fmt.Errorf("orders: product %d quantity %s: %w", in.ProductID, in.Quantity, ErrInvalidAmount)
		}
		if !shared.FitsScale(in.Quantity, shared.QuantityPlaces) {
			return Order{}, fmt.Errorf("orders: product %d quantity %s: %w", in.ProductID, in.Quantity, ErrQuantityScale)
		}
		product, err := s.catalog.LookupActive(ctx, in.ProductID)
		if err != nil {
			return Order{}, err
		}
		lineTotal := product.Price.Mul(in.Quantity).Round(2)
		subtotal = subtotal.Add(lineTotal)
		order.Items = append(order.Items, Item{
			ProductID:   product.ID,
			ProductName: product.Name,
			SKU:         product.SKU,
			Quantity:    in.Quantity,
			UnitPrice:   product.Price,
			TotalPrice:  lineTotal,
		})
		lines = append(lines, stock.Line{ProductID: in.ProductID, Quantity: in.Quantity})
	}
	order.Subtotal = subtotal
	if order.Discount.GreaterThan(subtotal) {
		return Order{}, fmt.Errorf("orders: discount %s exceeds subtotal %s: %w", order.Discount, subtotal, ErrInvalidAmount)
	}
	order.Total = subtotal.Sub(order.Discount).Add(order.DeliveryFee).Add(order.VATAmount)
	if !order.Total.IsPositive() {
		return Order{}, fmt.Errorf("orders: total %s: %w", order.Total, ErrInvalidAmount)
	}
	if !input.ExpectedTotal.IsZero() && !input.ExpectedTotal.Equal(order.Total) {
		return Order{}, fmt.Errorf("orders: expected %s, computed %s: %w", input.ExpectedTotal, order.Total, ErrTotalMismatch)
	}

	// Fail fast before taking row locks; Reserve re-checks under lock.
	if err := s.stock.CheckAvailability(ctx, lines); err != nil {
		return Order{}, err
	}

	var placed Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		order.Number = orderNumber(now)
		order.CreatedAt = now
		order.UpdatedAt = now
		inserted, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		if _, err := tx.AppendHistory(ctx, HistoryEntry{
			OrderID:   inserted.ID,
			Status:    StatusPending,
			ChangedAt: now,
			ChangedBy: input.PlacedBy,
			Notes:     "order placed",
		}); err != nil {
			return err
		}
		if err := s.stock.Reserve(ctx, inserted.StockRef(input.PlacedBy)); err != nil {
			return err
		}
		placed = inserted
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.logger.InfoContext(ctx, "order placed",
				slog.Int64("order_id", placed.ID),
				slog.String("order_number", placed.Number),
				slog.String("total", placed.Total.String()))
			s.record(ctx, input.PlacedBy, "order.place", placed.ID, map[string]any{
				"order_number": placed.Number,
				"total":        placed.Total.String(),
			})
		})
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return placed, nil
}

// SetStatus moves an order through its lifecycle. Stock and finance side
// effects commit or roll back together with the status change.
func (s *Service) SetStatus(ctx context.Context, input StatusInput) (Order, error) {
	if !input.Status.Valid() {
		return Order{}, fmt.Errorf("%w: %q", ErrUnknownStatus, input.Status)
	}
	if input.Actor == "" {
		input.Actor = "system"
	}
	var updated Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, input.OrderID)
		if err != nil {
			return err
		}
		updated, err = s.transition(ctx, tx, o, input)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

func (s *Service) transition(ctx context.Context, tx TxRepository, o Order, input StatusInput) (Order, error) {
	from, to := o.Status, input.Status
	if !CanTransition(from, to) {
		return Order{}, invalidTransition(from, to)
	}
	now := s.now().UTC()
	if _, err := tx.AppendHistory(ctx, HistoryEntry{
		OrderID:   o.ID,
		Status:    to,
		ChangedAt: now,
		ChangedBy: input.Actor,
		Notes:     input.Notes,
	}); err != nil {
		return Order{}, err
	}
	if from == to {
		return o, nil
	}

	ref := o.StockRef(input.Actor)
	switch to {
	case StatusDelivered:
		if err := s.stock.ConfirmDepletion(ctx, ref); err != nil {
			return Order{}, err
		}
		if err := s.post(ctx, o, finance.TypeSale, input.Actor); err != nil {
			return Order{}, err
		}
	case StatusCancelled:
		if err := s.stock.Release(ctx, ref); err != nil {
			return Order{}, err
		}
	case StatusRefunded:
		if from != StatusDelivered {
			if err := s.stock.Release(ctx, ref); err != nil {
				return Order{}, err
			}
		}
		if err := s.post(ctx, o, finance.TypeRefund, input.Actor); err != nil {
			return Order{}, err
		}
	}

	if err := tx.UpdateOrderStatus(ctx, o.ID, to, now); err != nil {
		return Order{}, err
	}
	o.Status = to
	o.UpdatedAt = now

	committed := o
	db.AfterCommit(ctx, func(ctx context.Context) {
		if s.metrics != nil {
			s.metrics.ObserveTransition(string(from), string(to))
		}
		s.logger.InfoContext(ctx, "order status changed",
			slog.Int64("order_id", committed.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		s.record(ctx, input.Actor, "order.status", committed.ID, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
		if to == StatusConfirmed && s.notifier != nil {
			if err := s.notifier.NotifyOrderConfirmed(ctx, committed); err != nil {
				s.logger.WarnContext(ctx, "order confirmation notify", slog.Int64("order_id", committed.ID), slog.Any("error", err))
			}
		}
	})
	return o, nil
}

func (s *Service) post(ctx context.Context, o Order, kind finance.TransactionType, actor string) error {
	status := finance.StatusCompleted
	if kind == finance.TypeSale && o.PaymentMethod == PaymentCOD {
		status = finance.StatusPending
	}
	_, err := s.finance.Post(ctx, finance.PostingInput{
		Type:          kind,
		Amount:        o.Total,
		AccountName:   finance.AccountForPaymentMethod(string(o.PaymentMethod)),
		ReferenceType: finance.ReferenceOrder,
		ReferenceID:   o.ID,
		Status:        status,
		Description:   fmt.Sprintf("%s for order %s", kind, o.Number),
		SourceKey:     finance.SourceKey(string(kind), finance.ReferenceOrder, o.ID),
		CreatedBy:     actor,
	})
	return err
}

// UpdateTracking records a driver update and advances the order when the
// mapped status is a legal forward move. Other updates are recorded only.
func (s *Service) UpdateTracking(ctx context.Context, input TrackingInput) (TrackingEvent, Order, error) {
	if err := s.validate.Struct(input); err != nil {
		return TrackingEvent{}, Order{}, err
	}
	if !input.Status.Valid() {
		return TrackingEvent{}, Order{}, fmt.Errorf("%w: tracking %q", ErrUnknownStatus, input.Status)
	}
	var (
		event TrackingEvent
		order Order
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, input.OrderID)
		if err != nil {
			return err
		}
		event, err = tx.InsertTracking(ctx, TrackingEvent{
			OrderID:   o.ID,
			Status:    input.Status,
			DriverID:  input.DriverID,
			Notes:     input.Notes,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		order = o
		mapped := input.Status.OrderStatus()
		if mapped == o.Status || !CanTransition(o.Status, mapped) {
			return nil
		}
		order, err = s.transition(ctx, tx, o, StatusInput{
			OrderID: o.ID,
			Status:  mapped,
			Actor:   "driver:" + input.DriverID,
			Notes:   fmt.Sprintf("tracking %s", input.Status),
		})
		return err
	})
	if err != nil {
		return TrackingEvent{}, Order{}, err
	}
	return event, order, nil
}

// SetPaymentStatus moves the payment status. Capturing a payment records the
// payment row; refunds update it.
func (s *Service) SetPaymentStatus(ctx context.Context, input PaymentInput) (Order, error) {
	if _, ok := paymentTransitions[input.Status]; !ok {
		return Order{}, fmt.Errorf("%w: payment %q", ErrUnknownStatus, input.Status)
	}
	if input.Actor == "" {
		input.Actor = "system"
	}
	var updated Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOrderForUpdate(ctx, input.OrderID)
		if err != nil {
			return err
		}
		from := o.PaymentStatus
		if !CanTransitionPayment(from, input.Status) {
			return invalidTransition(from, input.Status)
		}
		if from == input.Status {
			updated = o
			return nil
		}
		now := s.now().UTC()
		if err := tx.UpdatePaymentStatus(ctx, o.ID, input.Status, now); err != nil {
			return err
		}
		switch input.Status {
		case PaymentCaptured, PaymentRefunded, PaymentPartiallyRefunded:
			p := Payment{
				OrderID:        o.ID,
				Method:         o.PaymentMethod,
				Amount:         o.Total,
				Status:         input.Status,
				TransactionRef: input.TransactionRef,
				UpdatedAt:      now,
			}
			if input.Status == PaymentCaptured {
				p.CapturedAt = &now
			}
			if _, err := tx.UpsertPayment(ctx, p); err != nil {
				return err
			}
		}
		o.PaymentStatus = input.Status
		o.UpdatedAt = now
		updated = o
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.record(ctx, input.Actor, "order.payment", o.ID, map[string]any{
				"from": string(from),
				"to":   string(input.Status),
			})
		})
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

// GetOrder loads an order with its items.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders lists orders matching filter.
func (s *Service) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	return s.repo.ListOrders(ctx, filter)
}

// ListHistory returns the status history oldest first.
func (s *Service) ListHistory(ctx context.Context, orderID int64) ([]HistoryEntry, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, orderID)
}

// ListTracking returns driver updates oldest first.
func (s *Service) ListTracking(ctx context.Context, orderID int64) ([]TrackingEvent, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListTracking(ctx, orderID)
}

// GetPayment returns the recorded payment of an order.
func (s *Service) GetPayment(ctx context.Context, orderID int64) (Payment, error) {
	return s.repo.GetPayment(ctx, orderID)
}

func (s *Service) record(ctx context.Context, actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "order",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func orderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
