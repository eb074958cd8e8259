package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/shared"
)

// POStatus enumerates purchase order lifecycle states.
type POStatus string

const (
	StatusDraft             POStatus = "draft"
	StatusPending           POStatus = "pending"
	StatusApproved          POStatus = "approved"
	StatusOrdered           POStatus = "ordered"
	StatusPartiallyReceived POStatus = "partially_received"
	StatusReceived          POStatus = "received"
	StatusCancelled         POStatus = "cancelled"
)

// Receivable reports whether goods may be received against the status.
func (s POStatus) Receivable() bool {
	return s == StatusApproved || s == StatusOrdered || s == StatusPartiallyReceived
}

// PurchaseOrder is a supplier order with its lines.
type PurchaseOrder struct {
	ID           int64           `json:"id"`
	Number       string          `json:"po_number"`
	SupplierID   int64           `json:"supplier_id"`
	Status       POStatus        `json:"status"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Total        decimal.Decimal `json:"total"`
	ExpectedDate *time.Time      `json:"expected_date,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	CreatedBy    string          `json:"created_by"`
	ApprovedBy   string          `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Lines        []Line          `json:"lines"`
}

// Line returns the line with id.
func (po PurchaseOrder) Line(id int64) (Line, bool) {
	for _, l := range po.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

// FullyReceived reports whether every line has been received in full.
func (po PurchaseOrder) FullyReceived() bool {
	for _, l := range po.Lines {
		if l.ReceivedQuantity.LessThan(l.Quantity) {
			return false
		}
	}
	return len(po.Lines) > 0
}

// AnyReceived reports whether any goods arrived.
func (po PurchaseOrder) AnyReceived() bool {
	for _, l := range po.Lines {
		if l.ReceivedQuantity.IsPositive() {
			return true
		}
	}
	return false
}

// Line is one product ordered from the supplier.
type Line struct {
	ID               int64           `json:"id"`
	PurchaseOrderID  int64           `json:"purchase_order_id"`
	ProductID        int64           `json:"product_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	ReceivedQuantity decimal.Decimal `json:"received_quantity"`
}

// Remaining returns the quantity still expected.
func (l Line) Remaining() decimal.Decimal {
	return l.Quantity.Sub(l.ReceivedQuantity)
}

// ReceiptBatch records one line applied by a receipt batch.
type ReceiptBatch struct {
	ID              int64           `json:"id"`
	PurchaseOrderID int64           `json:"purchase_order_id"`
	LineID          int64           `json:"line_id"`
	BatchID         string          `json:"batch_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	ReceivedBy      string          `json:"received_by"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	Number       string          `json:"po_number"`
	SupplierID   int64           `json:"supplier_id" validate:"required,gt=0"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	ExpectedDate *time.Time      `json:"expected_date"`
	Notes        string          `json:"notes"`
	CreatedBy    string          `json:"created_by"`
	Lines        []LineInput     `json:"lines" validate:"required,min=1,dive"`
}

// LineInput describes an ordered product.
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

// ReceiveInput applies one receipt batch to a purchase order.
type ReceiveInput struct {
	PurchaseOrderID int64         `json:"-"`
	BatchID         string        `json:"batch_id"`
	Lines           []ReceiveLine `json:"lines" validate:"required,min=1,dive"`
	PerformedBy     string        `json:"performed_by"`
}

// ReceiveLine is the quantity received for one PO line.
type ReceiveLine struct {
	LineID      int64           `json:"line_id" validate:"required,gt=0"`
	ReceivedQty decimal.Decimal `json:"received_qty"`
}

// ReceiveResult summarises an applied receipt batch.
type ReceiveResult struct {
	PurchaseOrder PurchaseOrder   `json:"purchase_order"`
	BatchID       string          `json:"batch_id"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Posted        bool            `json:"purchase_posted"`
}

// ListFilter narrows purchase order listings.
type ListFilter struct {
	Status     POStatus
	SupplierID int64
	Limit      int
}

var (
	// ErrPONotFound indicates missing purchase order.
	ErrPONotFound = fmt.Errorf("procurement: purchase order %w", shared.ErrNotFound)
	// ErrLineNotFound indicates a receipt for a line outside the purchase order.
	ErrLineNotFound = fmt.Errorf("procurement: purchase order line %w", shared.ErrNotFound)
	// ErrReceiptAlreadyApplied indicates the batch was already applied to the line.
	ErrReceiptAlreadyApplied = fmt.Errorf("procurement: receipt batch already applied: %w", shared.ErrConflict)
	// ErrOverReceipt indicates more goods than remain on the line.
	ErrOverReceipt = fmt.Errorf("procurement: receipt exceeds remaining quantity: %w", shared.ErrValidation)
	// ErrInvalidQuantity indicates a non-positive ordered or negative received quantity.
	ErrInvalidQuantity = fmt.Errorf("procurement: invalid quantity: %w", shared.ErrValidation)
	// ErrQuantityScale indicates a quantity with more than four decimal places.
	ErrQuantityScale = fmt.Errorf("procurement: quantity allows at most %d decimal places: %w", shared.QuantityPlaces, shared.ErrValidation)
	// ErrAmountScale indicates money with more than two decimal places.
	ErrAmountScale = fmt.Errorf("procurement: amounts allow at most %d decimal places: %w", shared.MoneyPlaces, shared.ErrValidation)
)

func invalidTransition(from, to POStatus) error {
	return fmt.Errorf("procurement: %s -> %s: %w", from, to, shared.ErrInvalidTransition)
}
