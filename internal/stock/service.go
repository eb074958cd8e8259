package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, productID int64) (Item, error)
	ListItems(ctx context.Context) ([]Item, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AlertNotifier receives low-stock alerts once the triggering write has committed.
type AlertNotifier interface {
	NotifyLowStock(ctx context.Context, alert LowStockAlert) error
}

// MovementObserver counts committed movements.
type MovementObserver interface {
	ObserveMovement(movementType string)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the stock ledger. Every mutation locks the affected stock rows,
// updates them and appends the matching movements in one transaction.
type Service struct {
	repo    RepositoryPort
	alerts  AlertNotifier
	audit   AuditPort
	metrics MovementObserver
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, alerts AlertNotifier, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, alerts: alerts, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches a movement observer.
func (s *Service) WithMetrics(m MovementObserver) {
	s.metrics = m
}

// CheckAvailability verifies every line is covered by available stock.
// Products without a stock row count as zero available.
func (s *Service) CheckAvailability(ctx context.Context, lines []Line) error {
	merged, err := mergeLines(lines)
	if err != nil {
		return err
	}
	var shortages []Shortage
	for _, l := range merged {
		available := decimal.Zero
		item, err := s.repo.GetItem(ctx, l.ProductID)
		switch {
		case err == nil:
			available = item.AvailableQuantity
		case !errors.Is(err, ErrItemNotFound):
			return err
		}
		if available.LessThan(l.Quantity) {
			shortages = append(shortages, Shortage{ProductID: l.ProductID, Available: available, Requested: l.Quantity})
		}
	}
	if len(shortages) > 0 {
		return &InsufficientStockError{Items: shortages}
	}
	return nil
}

// Reserve places holds for every line of the order, re-validating
// availability under the row locks. Either all lines are reserved or none.
func (s *Service) Reserve(ctx context.Context, ref OrderRef) error {
	lines, err := mergeLines(ref.Lines)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		items := make([]Item, len(lines))
		var shortages []Shortage
		for idx, l := range lines {
			item, err := tx.GetItemForUpdate(ctx, l.ProductID)
			if errors.Is(err, ErrItemNotFound) {
				shortages = append(shortages, Shortage{ProductID: l.ProductID, Available: decimal.Zero, Requested: l.Quantity})
				continue
			}
			if err != nil {
				return err
			}
			if item.AvailableQuantity.LessThan(l.Quantity) {
				shortages = append(shortages, Shortage{ProductID: l.ProductID, Available: item.AvailableQuantity, Requested: l.Quantity})
				continue
			}
			items[idx] = item
		}
		if len(shortages) > 0 {
			return &InsufficientStockError{Items: shortages}
		}
		for idx, l := range lines {
			item := items[idx]
			item.ReservedQuantity = item.ReservedQuantity.Add(l.Quantity)
			if err := s.write(ctx, tx, item, Movement{
				Type:          MovementReserved,
				Quantity:      l.Quantity,
				Reason:        fmt.Sprintf("Reserved for order %s", ref.OrderNumber),
				ReferenceType: ReferenceOrder,
				ReferenceID:   ref.OrderID,
				PerformedBy:   ref.PerformedBy,
			}, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConfirmDepletion turns the order's reservations into permanent stock out.
func (s *Service) ConfirmDepletion(ctx context.Context, ref OrderRef) error {
	lines, err := mergeLines(ref.Lines)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, l := range lines {
			item, err := tx.GetItemForUpdate(ctx, l.ProductID)
			if err != nil {
				return fmt.Errorf("stock: deplete product %d: %w", l.ProductID, err)
			}
			prev := item.Quantity
			item.Quantity = item.Quantity.Sub(l.Quantity)
			if item.Quantity.IsNegative() {
				return ErrNegativeStock
			}
			item.ReservedQuantity = decimal.Max(decimal.Zero, item.ReservedQuantity.Sub(l.Quantity))
			if err := s.write(ctx, tx, item, Movement{
				Type:             MovementOut,
				Quantity:         l.Quantity,
				PreviousQuantity: prev,
				Reason:           fmt.Sprintf("Delivered order %s", ref.OrderNumber),
				ReferenceType:    ReferenceOrder,
				ReferenceID:      ref.OrderID,
				PerformedBy:      ref.PerformedBy,
			}, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

// Release lifts the order's reservations. Products without a stock row were
// never reserved and are skipped.
func (s *Service) Release(ctx context.Context, ref OrderRef) error {
	lines, err := mergeLines(ref.Lines)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, l := range lines {
			item, err := tx.GetItemForUpdate(ctx, l.ProductID)
			if errors.Is(err, ErrItemNotFound) {
				s.logger.WarnContext(ctx, "release skipped product without stock row",
					slog.Int64("product_id", l.ProductID), slog.String("order_number", ref.OrderNumber))
				continue
			}
			if err != nil {
				return err
			}
			item.ReservedQuantity = decimal.Max(decimal.Zero, item.ReservedQuantity.Sub(l.Quantity))
			if err := s.write(ctx, tx, item, Movement{
				Type:          MovementReleased,
				Quantity:      l.Quantity,
				Reason:        fmt.Sprintf("Released from order %s", ref.OrderNumber),
				ReferenceType: ReferenceOrder,
				ReferenceID:   ref.OrderID,
				PerformedBy:   ref.PerformedBy,
			}, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

// Receive books goods arriving against a purchase order, creating stock rows
// for products seen for the first time.
func (s *Service) Receive(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if len(input.Lines) == 0 {
		return ReceiptResult{}, ErrNoLines
	}
	lines := make([]ReceiptLine, len(input.Lines))
	copy(lines, input.Lines)
	for _, l := range lines {
		if l.ProductID <= 0 {
			return ReceiptResult{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
		}
		if !l.Quantity.IsPositive() {
			return ReceiptResult{}, ErrInvalidQuantity
		}
		if !shared.FitsScale(l.Quantity, shared.QuantityPlaces) {
			return ReceiptResult{}, ErrQuantityScale
		}
		if l.UnitCost.IsNegative() {
			return ReceiptResult{}, ErrInvalidUnitCost
		}
		if !shared.FitsScale(l.UnitCost, shared.MoneyPlaces) {
			return ReceiptResult{}, ErrUnitCostScale
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	result := ReceiptResult{TotalValue: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		for _, l := range lines {
			if err := tx.EnsureItem(ctx, Item{ProductID: l.ProductID, UpdatedAt: now}); err != nil {
				return err
			}
			item, err := tx.GetItemForUpdate(ctx, l.ProductID)
			if err != nil {
				return err
			}
			prev := item.Quantity
			item.Quantity = item.Quantity.Add(l.Quantity)
			restocked := now
			item.LastRestockedAt = &restocked
			mv := Movement{
				Type:             MovementIn,
				Quantity:         l.Quantity,
				PreviousQuantity: prev,
				UnitCost:         decimal.NewNullDecimal(l.UnitCost),
				Reason:           fmt.Sprintf("Received from purchase order %s", input.PONumber),
				ReferenceType:    ReferencePurchaseOrder,
				ReferenceID:      input.PurchaseOrderID,
				PerformedBy:      input.PerformedBy,
			}
			if err := s.writeMovement(ctx, tx, item, &mv, item.Quantity); err != nil {
				return err
			}
			result.Movements = append(result.Movements, mv)
			result.TotalValue = result.TotalValue.Add(l.Quantity.Mul(l.UnitCost))
		}
		return nil
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	result.TotalValue = result.TotalValue.Round(2)
	return result, nil
}

// ManualAdjust applies an operator correction. Added stock is logged as an
// in movement and removed stock as an out movement.
func (s *Service) ManualAdjust(ctx context.Context, input AdjustInput) (Item, error) {
	if input.ProductID <= 0 {
		return Item{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	if input.Reason == "" {
		return Item{}, ErrReasonRequired
	}
	switch input.Mode {
	case AdjustAdd, AdjustSubtract:
		if !input.Quantity.IsPositive() {
			return Item{}, ErrInvalidQuantity
		}
	case AdjustSet:
		if input.Quantity.IsNegative() {
			return Item{}, ErrNegativeStock
		}
	default:
		return Item{}, ErrInvalidMode
	}
	if !shared.FitsScale(input.Quantity, shared.QuantityPlaces) {
		return Item{}, ErrQuantityScale
	}

	var updated Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, input.ProductID)
		if err != nil {
			return err
		}
		prev := item.Quantity
		var next decimal.Decimal
		switch input.Mode {
		case AdjustAdd:
			next = prev.Add(input.Quantity)
		case AdjustSubtract:
			next = prev.Sub(input.Quantity)
		default:
			next = input.Quantity
		}
		if next.IsNegative() {
			return ErrNegativeStock
		}
		if next.LessThan(item.ReservedQuantity) {
			return ErrBelowReserved
		}
		diff := next.Sub(prev)
		if diff.IsZero() {
			updated = item
			return nil
		}
		mvType := MovementIn
		if diff.IsNegative() {
			mvType = MovementOut
		}
		item.Quantity = next
		if err := s.write(ctx, tx, item, Movement{
			Type:             mvType,
			Quantity:         diff.Abs(),
			PreviousQuantity: prev,
			Reason:           input.Reason,
			ReferenceType:    ReferenceNone,
			PerformedBy:      input.PerformedBy,
		}, next); err != nil {
			return err
		}
		item.recompute()
		updated = item
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    input.PerformedBy,
			Action:   "stock.adjust",
			Entity:   "stock_item",
			EntityID: fmt.Sprintf("%d", input.ProductID),
			Meta: map[string]any{
				"mode":     string(input.Mode),
				"quantity": input.Quantity.String(),
				"reason":   input.Reason,
			},
			At: s.now(),
		}); err != nil {
			s.logger.WarnContext(ctx, "audit record", slog.String("action", "stock.adjust"), slog.Any("error", err))
		}
	}
	return updated, nil
}

// InitItem creates an empty stock row for a new product. Existing rows are kept.
func (s *Service) InitItem(ctx context.Context, input InitInput) (Item, error) {
	if input.ProductID <= 0 {
		return Item{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	var item Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.EnsureItem(ctx, Item{
			ProductID:         input.ProductID,
			LowStockThreshold: input.LowStockThreshold,
			ReorderPoint:      input.ReorderPoint,
			ReorderQuantity:   input.ReorderQuantity,
			UpdatedAt:         s.now().UTC(),
		}); err != nil {
			return err
		}
		var err error
		item, err = tx.GetItemForUpdate(ctx, input.ProductID)
		return err
	})
	return item, err
}

// InitProductStock creates the stock row for a product registered in the catalog.
func (s *Service) InitProductStock(ctx context.Context, productID int64, lowStockThreshold int) error {
	_, err := s.InitItem(ctx, InitInput{ProductID: productID, LowStockThreshold: lowStockThreshold})
	return err
}

// UpdateThresholds changes alert and reorder settings without touching quantities.
func (s *Service) UpdateThresholds(ctx context.Context, productID int64, input ThresholdInput) (Item, error) {
	if input.LowStockThreshold < 0 || input.ReorderPoint < 0 || input.ReorderQuantity < 0 {
		return Item{}, fmt.Errorf("stock: thresholds must be >= 0: %w", shared.ErrValidation)
	}
	var item Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		item, err = tx.GetItemForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		item.LowStockThreshold = input.LowStockThreshold
		item.ReorderPoint = input.ReorderPoint
		item.ReorderQuantity = input.ReorderQuantity
		item.UpdatedAt = s.now().UTC()
		return tx.UpdateItem(ctx, item)
	})
	return item, err
}

// GetItem returns the stock row of a product.
func (s *Service) GetItem(ctx context.Context, productID int64) (Item, error) {
	return s.repo.GetItem(ctx, productID)
}

// ListItems returns every stock row ordered by product.
func (s *Service) ListItems(ctx context.Context) ([]Item, error) {
	return s.repo.ListItems(ctx)
}

// ListLowStock returns products at or below their alert threshold.
func (s *Service) ListLowStock(ctx context.Context) ([]Item, error) {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]Item, 0)
	for _, item := range items {
		if item.IsLow() {
			low = append(low, item)
		}
	}
	return low, nil
}

// ListMovements lists ledger entries in insertion order.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) write(ctx context.Context, tx TxRepository, item Item, mv Movement, newQty decimal.Decimal) error {
	return s.writeMovement(ctx, tx, item, &mv, newQty)
}

// writeMovement persists the item and its movement together. Quantity-neutral
// movements carry the unchanged total as both previous and new quantity.
func (s *Service) writeMovement(ctx context.Context, tx TxRepository, item Item, mv *Movement, newQty decimal.Decimal) error {
	now := s.now().UTC()
	item.recompute()
	item.UpdatedAt = now
	if item.AvailableQuantity.IsNegative() {
		return ErrNegativeStock
	}
	if err := tx.UpdateItem(ctx, item); err != nil {
		return err
	}
	mv.ProductID = item.ProductID
	if mv.Type == MovementReserved || mv.Type == MovementReleased {
		mv.PreviousQuantity = newQty
	}
	mv.NewQuantity = newQty
	mv.CreatedAt = now
	saved, err := tx.InsertMovement(ctx, *mv)
	if err != nil {
		return err
	}
	*mv = saved

	mvType := string(mv.Type)
	db.AfterCommit(ctx, func(ctx context.Context) {
		if s.metrics != nil {
			s.metrics.ObserveMovement(mvType)
		}
	})
	if mv.Type == MovementOut && item.IsLow() {
		alert := LowStockAlert{
			ProductID:       item.ProductID,
			Available:       item.AvailableQuantity,
			Threshold:       item.LowStockThreshold,
			ReorderPoint:    item.ReorderPoint,
			ReorderQuantity: item.ReorderQuantity,
			At:              now,
		}
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.notifyLowStock(ctx, alert)
		})
	}
	return nil
}

func (s *Service) notifyLowStock(ctx context.Context, alert LowStockAlert) {
	s.logger.WarnContext(ctx, "low stock",
		slog.Int64("product_id", alert.ProductID),
		slog.String("available", alert.Available.String()),
		slog.Int("threshold", alert.Threshold))
	if s.alerts == nil {
		return
	}
	if err := s.alerts.NotifyLowStock(ctx, alert); err != nil {
		s.logger.ErrorContext(ctx, "notify low stock", slog.Int64("product_id", alert.ProductID), slog.Any("error", err))
	}
}
