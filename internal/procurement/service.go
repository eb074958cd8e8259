package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/finance"
	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
	"github.com/meatcart/meatcart/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error)
	ListReceipts(ctx context.Context, poID int64) ([]ReceiptBatch, error)
}

// StockReceiver books received goods into the stock ledger.
type StockReceiver interface {
	Receive(ctx context.Context, input stock.ReceiptInput) (stock.ReceiptResult, error)
}

// FinancePoster appends finance transactions.
type FinancePoster interface {
	Post(ctx context.Context, input finance.PostingInput) (finance.Transaction, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates purchase order flows.
type Service struct {
	repo     RepositoryPort
	stock    StockReceiver
	finance  FinancePoster
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, receiver StockReceiver, poster FinancePoster, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		stock:    receiver,
		finance:  poster,
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

// CreatePurchaseOrder persists a draft PO with computed totals.
func (s *Service) CreatePurchaseOrder(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if err := s.validate.Struct(input); err != nil {
		return PurchaseOrder{}, err
	}
	if input.TaxAmount.IsNegative() || input.ShippingCost.IsNegative() {
		return PurchaseOrder{}, fmt.Errorf("procurement: tax and shipping must be >= 0: %w", shared.ErrValidation)
	}
	if !shared.FitsScale(input.TaxAmount, shared.MoneyPlaces) || !shared.FitsScale(input.ShippingCost, shared.MoneyPlaces) {
		return PurchaseOrder{}, ErrAmountScale
	}
	now := s.now().UTC()
	po := PurchaseOrder{
		Number:       strings.TrimSpace(input.Number),
		SupplierID:   input.SupplierID,
		Status:       StatusDraft,
		TaxAmount:    input.TaxAmount,
		ShippingCost: input.ShippingCost,
		ExpectedDate: input.ExpectedDate,
		Notes:        input.Notes,
		CreatedBy:    defaultString(input.CreatedBy, "system"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if po.Number == "" {
		po.Number = generateNumber("PO", now)
	}
	subtotal := decimal.Zero
	for _, l := range input.Lines {
		if !l.Quantity.IsPositive() {
			return PurchaseOrder{}, ErrInvalidQuantity
		}
		if !shared.FitsScale(l.Quantity, shared.QuantityPlaces) {
			return PurchaseOrder{}, ErrQuantityScale
		}
		if l.UnitCost.IsNegative() {
			return PurchaseOrder{}, fmt.Errorf("procurement: unit cost must be >= 0: %w", shared.ErrValidation)
		}
		if !shared.FitsScale(l.UnitCost, shared.MoneyPlaces) {
			return PurchaseOrder{}, ErrAmountScale
		}
		total := l.Quantity.Mul(l.UnitCost).Round(2)
		subtotal = subtotal.Add(total)
		po.Lines = append(po.Lines, Line{
			ProductID:        l.ProductID,
			Quantity:         l.Quantity,
			UnitCost:         l.UnitCost,
			TotalCost:        total,
			ReceivedQuantity: decimal.Zero,
		})
	}
	po.Subtotal = subtotal
	po.Total = subtotal.Add(po.TaxAmount).Add(po.ShippingCost)

	var created PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertPurchaseOrder(ctx, po)
		return err
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, created.CreatedBy, "po.create", created.ID, map[string]any{"number": created.Number, "total": created.Total.String()})
	return created, nil
}

// SubmitPurchaseOrder requests approval.
func (s *Service) SubmitPurchaseOrder(ctx context.Context, poID int64, actor string) (PurchaseOrder, error) {
	return s.move(ctx, poID, actor, StatusPending, StatusDraft)
}

// ApprovePurchaseOrder approves a pending PO.
func (s *Service) ApprovePurchaseOrder(ctx context.Context, poID int64, actor string) (PurchaseOrder, error) {
	return s.move(ctx, poID, actor, StatusApproved, StatusPending)
}

// MarkOrdered records that the PO was sent to the supplier.
func (s *Service) MarkOrdered(ctx context.Context, poID int64, actor string) (PurchaseOrder, error) {
	return s.move(ctx, poID, actor, StatusOrdered, StatusApproved)
}

// CancelPurchaseOrder cancels a PO that has received nothing yet.
func (s *Service) CancelPurchaseOrder(ctx context.Context, poID int64, actor string) (PurchaseOrder, error) {
	return s.move(ctx, poID, actor, StatusCancelled, StatusDraft, StatusPending, StatusApproved, StatusOrdered)
}

func (s *Service) move(ctx context.Context, poID int64, actor string, to POStatus, from ...POStatus) (PurchaseOrder, error) {
	actor = defaultString(actor, "system")
	var updated PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPurchaseOrderForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if po.Status == f {
				allowed = true
				break
			}
		}
		if !allowed || (to == StatusCancelled && po.AnyReceived()) {
			return invalidTransition(po.Status, to)
		}
		now := s.now().UTC()
		if to == StatusApproved {
			if err := tx.SetApproval(ctx, po.ID, actor, now); err != nil {
				return err
			}
			po.ApprovedBy = actor
			po.ApprovedAt = &now
		}
		if err := tx.UpdateStatus(ctx, po.ID, to, now); err != nil {
			return err
		}
		prev := po.Status
		po.Status = to
		po.UpdatedAt = now
		updated = po
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.recordAudit(ctx, actor, "po."+string(to), po.ID, map[string]any{"from": string(prev), "to": string(to)})
		})
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return updated, nil
}

// ReceiveItems applies one receipt batch: it advances received quantities,
// books the goods into stock and, once the PO is complete, posts the
// purchase to finance. A batch is applied at most once per line.
func (s *Service) ReceiveItems(ctx context.Context, input ReceiveInput) (ReceiveResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return ReceiveResult{}, err
	}
	input.BatchID = strings.TrimSpace(input.BatchID)
	if input.BatchID == "" {
		input.BatchID = uuid.NewString()
	}
	input.PerformedBy = defaultString(input.PerformedBy, "system")
	seen := make(map[int64]struct{}, len(input.Lines))
	for _, l := range input.Lines {
		if l.ReceivedQty.IsNegative() {
			return ReceiveResult{}, ErrInvalidQuantity
		}
		if !shared.FitsScale(l.ReceivedQty, shared.QuantityPlaces) {
			return ReceiveResult{}, ErrQuantityScale
		}
		if _, dup := seen[l.LineID]; dup {
			return ReceiveResult{}, fmt.Errorf("procurement: line %d listed twice: %w", l.LineID, shared.ErrValidation)
		}
		seen[l.LineID] = struct{}{}
	}

	result := ReceiveResult{BatchID: input.BatchID, TotalValue: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPurchaseOrderForUpdate(ctx, input.PurchaseOrderID)
		if err != nil {
			return err
		}
		if !po.Status.Receivable() {
			return invalidTransition(po.Status, StatusReceived)
		}
		now := s.now().UTC()
		var receipts []stock.ReceiptLine
		for _, in := range input.Lines {
			line, ok := po.Line(in.LineID)
			if !ok {
				return fmt.Errorf("%w: %d", ErrLineNotFound, in.LineID)
			}
			applied, err := tx.ReceiptApplied(ctx, line.ID, input.BatchID)
			if err != nil {
				return err
			}
			if applied {
				return fmt.Errorf("%w: line %d batch %s", ErrReceiptAlreadyApplied, line.ID, input.BatchID)
			}
			if in.ReceivedQty.IsZero() {
				continue
			}
			if in.ReceivedQty.GreaterThan(line.Remaining()) {
				return fmt.Errorf("%w: line %d remaining %s, received %s", ErrOverReceipt, line.ID, line.Remaining(), in.ReceivedQty)
			}
			if err := tx.InsertReceiptBatch(ctx, ReceiptBatch{
				PurchaseOrderID: po.ID,
				LineID:          line.ID,
				BatchID:         input.BatchID,
				Quantity:        in.ReceivedQty,
				ReceivedBy:      input.PerformedBy,
				ReceivedAt:      now,
			}); err != nil {
				return err
			}
			if err := tx.AddReceivedQuantity(ctx, line.ID, in.ReceivedQty); err != nil {
				return err
			}
			for i := range po.Lines {
				if po.Lines[i].ID == line.ID {
					po.Lines[i].ReceivedQuantity = po.Lines[i].ReceivedQuantity.Add(in.ReceivedQty)
				}
			}
			receipts = append(receipts, stock.ReceiptLine{ProductID: line.ProductID, Quantity: in.ReceivedQty, UnitCost: line.UnitCost})
		}

		next := po.Status
		switch {
		case po.FullyReceived():
			next = StatusReceived
		case po.AnyReceived():
			next = StatusPartiallyReceived
		}
		if next != po.Status {
			if err := tx.UpdateStatus(ctx, po.ID, next, now); err != nil {
				return err
			}
			po.Status = next
			po.UpdatedAt = now
		}

		if len(receipts) > 0 {
			booked, err := s.stock.Receive(ctx, stock.ReceiptInput{
				PurchaseOrderID: po.ID,
				PONumber:        po.Number,
				Lines:           receipts,
				PerformedBy:     input.PerformedBy,
			})
			if err != nil {
				return err
			}
			result.TotalValue = booked.TotalValue
		}

		// A zero-total PO has nothing to book against Accounts Payable.
		if next == StatusReceived && len(receipts) > 0 && po.Total.IsPositive() {
			if _, err := s.finance.Post(ctx, finance.PostingInput{
				Type:          finance.TypePurchase,
				Amount:        po.Total,
				AccountName:   finance.AccountAccountsPayable,
				ReferenceType: finance.ReferencePurchaseOrder,
				ReferenceID:   po.ID,
				Status:        finance.StatusCompleted,
				Description:   fmt.Sprintf("purchase for %s", po.Number),
				SourceKey:     finance.SourceKey(string(finance.TypePurchase), finance.ReferencePurchaseOrder, po.ID),
				CreatedBy:     input.PerformedBy,
			}); err != nil {
				return err
			}
			result.Posted = true
		}
		result.PurchaseOrder = po

		db.AfterCommit(ctx, func(ctx context.Context) {
			s.logger.InfoContext(ctx, "purchase order receipt applied",
				slog.Int64("po_id", po.ID),
				slog.String("batch_id", input.BatchID),
				slog.String("status", string(po.Status)),
				slog.String("total_value", result.TotalValue.String()))
			s.recordAudit(ctx, input.PerformedBy, "po.receive", po.ID, map[string]any{
				"batch_id":    input.BatchID,
				"status":      string(po.Status),
				"total_value": result.TotalValue.String(),
			})
		})
		return nil
	})
	if err != nil {
		return ReceiveResult{}, err
	}
	return result, nil
}

// GetPurchaseOrder loads a PO with its lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPurchaseOrder(ctx, id)
}

// ListPurchaseOrders lists POs matching filter.
func (s *Service) ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	return s.repo.ListPurchaseOrders(ctx, filter)
}

// ListReceipts lists applied receipt batches of a PO.
func (s *Service) ListReceipts(ctx context.Context, poID int64) ([]ReceiptBatch, error) {
	if _, err := s.repo.GetPurchaseOrder(ctx, poID); err != nil {
		return nil, err
	}
	return s.repo.ListReceipts(ctx, poID)
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func generateNumber(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), suffix)
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
