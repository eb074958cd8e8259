package stock

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/shared"
)

// MovementType enumerates stock movement kinds.
type MovementType string

const (
	// MovementIn increases on-hand quantity.
	MovementIn MovementType = "in"
	// MovementOut decreases on-hand quantity.
	MovementOut MovementType = "out"
	// MovementAdjustment is reserved for corrections recorded outside manual adjust.
	MovementAdjustment MovementType = "adjustment"
	// MovementReserved places a hold on available stock.
	MovementReserved MovementType = "reserved"
	// MovementReleased lifts a hold on available stock.
	MovementReleased MovementType = "released"
)

// ReferenceType links a movement to the document that caused it.
type ReferenceType string

const (
	// ReferenceNone marks movements without a source document.
	ReferenceNone ReferenceType = ""
	// ReferenceOrder marks movements caused by a customer order.
	ReferenceOrder ReferenceType = "order"
	// ReferencePurchaseOrder marks movements caused by a purchase order.
	ReferencePurchaseOrder ReferenceType = "purchase_order"
)

// Item holds the pooled quantities of one product.
type Item struct {
	ProductID         int64
	Quantity          decimal.Decimal
	ReservedQuantity  decimal.Decimal
	AvailableQuantity decimal.Decimal
	LowStockThreshold int
	ReorderPoint      int
	ReorderQuantity   int
	LastRestockedAt   *time.Time
	UpdatedAt         time.Time
}

func (i *Item) recompute() {
	i.AvailableQuantity = i.Quantity.Sub(i.ReservedQuantity)
}

// IsLow reports whether available stock is at or below the alert threshold.
func (i Item) IsLow() bool {
	return i.AvailableQuantity.LessThanOrEqual(decimal.NewFromInt(int64(i.LowStockThreshold)))
}

// Movement is one immutable entry of the stock ledger.
type Movement struct {
	ID               int64
	ProductID        int64
	Type             MovementType
	Quantity         decimal.Decimal
	PreviousQuantity decimal.Decimal
	NewQuantity      decimal.Decimal
	UnitCost         decimal.NullDecimal
	Reason           string
	ReferenceType    ReferenceType
	ReferenceID      int64
	PerformedBy      string
	CreatedAt        time.Time
}

// Delta returns the signed effect of the movement on total quantity.
func (m Movement) Delta() decimal.Decimal {
	return m.NewQuantity.Sub(m.PreviousQuantity)
}

// Line requests a quantity of one product.
type Line struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// OrderRef identifies the order whose lines drive a reservation lifecycle call.
type OrderRef struct {
	OrderID     int64
	OrderNumber string
	Lines       []Line
	PerformedBy string
}

// Shortage describes one under-available line.
type Shortage struct {
	ProductID int64           `json:"product_id"`
	Available decimal.Decimal `json:"available"`
	Requested decimal.Decimal `json:"requested"`
}

// InsufficientStockError lists every line that cannot be covered.
type InsufficientStockError struct {
	Items []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("product %d: available %s, requested %s", it.ProductID, it.Available.String(), it.Requested.String()))
	}
	return "stock: insufficient stock (" + strings.Join(parts, "; ") + ")"
}

// Is lets callers match the error with shared.ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == shared.ErrInsufficientStock
}

// Shortages exposes the per-line shortages for problem responses.
func (e *InsufficientStockError) Shortages() any {
	return e.Items
}

// ReceiptLine is one received product on a purchase order.
type ReceiptLine struct {
	ProductID int64
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
}

// ReceiptInput describes goods arriving against a purchase order.
type ReceiptInput struct {
	PurchaseOrderID int64
	PONumber        string
	Lines           []ReceiptLine
	PerformedBy     string
}

// ReceiptResult summarises a receipt.
type ReceiptResult struct {
	TotalValue decimal.Decimal
	Movements  []Movement
}

// AdjustMode selects how ManualAdjust interprets the quantity.
type AdjustMode string

const (
	// AdjustAdd adds the quantity to on-hand stock.
	AdjustAdd AdjustMode = "add"
	// AdjustSubtract removes the quantity from on-hand stock.
	AdjustSubtract AdjustMode = "subtract"
	// AdjustSet replaces on-hand stock with the quantity.
	AdjustSet AdjustMode = "set"
)

// AdjustInput describes a manual correction.
type AdjustInput struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	Quantity    decimal.Decimal `json:"quantity"`
	Mode        AdjustMode      `json:"mode" validate:"required,oneof=add subtract set"`
	Reason      string          `json:"reason" validate:"required"`
	PerformedBy string          `json:"performed_by"`
}

// InitInput creates the stock row of a new product.
type InitInput struct {
	ProductID         int64
	LowStockThreshold int
	ReorderPoint      int
	ReorderQuantity   int
}

// ThresholdInput updates alert and reorder settings.
type ThresholdInput struct {
	LowStockThreshold int `json:"low_stock_threshold" validate:"gte=0"`
	ReorderPoint      int `json:"reorder_point" validate:"gte=0"`
	ReorderQuantity   int `json:"reorder_quantity" validate:"gte=0"`
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	ProductID     int64
	Type          MovementType
	ReferenceType ReferenceType
	ReferenceID   int64
	From          time.Time
	To            time.Time
	Limit         int
}

// LowStockAlert is emitted after a write leaves a product at or below its threshold.
type LowStockAlert struct {
	ProductID       int64           `json:"product_id"`
	Available       decimal.Decimal `json:"available"`
	Threshold       int             `json:"threshold"`
	ReorderPoint    int             `json:"reorder_point"`
	ReorderQuantity int             `json:"reorder_quantity"`
	At              time.Time       `json:"at"`
}

var (
	// ErrItemNotFound indicates the product has no stock row.
	ErrItemNotFound = fmt.Errorf("stock: item %w", shared.ErrNotFound)
	// ErrNegativeStock indicates a write would take on-hand quantity below zero.
	ErrNegativeStock = fmt.Errorf("stock: negative stock not allowed: %w", shared.ErrValidation)
	// ErrBelowReserved indicates an adjustment would leave less than is reserved.
	ErrBelowReserved = fmt.Errorf("stock: quantity below reserved: %w", shared.ErrConflict)
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = fmt.Errorf("stock: quantity must be positive: %w", shared.ErrValidation)
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = fmt.Errorf("stock: unit cost must be >= 0: %w", shared.ErrValidation)
	// ErrQuantityScale indicates a quantity with more than four decimal places.
	ErrQuantityScale = fmt.Errorf("stock: quantity allows at most %d decimal places: %w", shared.QuantityPlaces, shared.ErrValidation)
	// ErrUnitCostScale indicates a unit cost with more than two decimal places.
	ErrUnitCostScale = fmt.Errorf("stock: unit cost allows at most %d decimal places: %w", shared.MoneyPlaces, shared.ErrValidation)
	// ErrInvalidMode indicates an unknown adjustment mode.
	ErrInvalidMode = fmt.Errorf("stock: unknown adjust mode: %w", shared.ErrValidation)
	// ErrReasonRequired indicates a manual adjustment without reason.
	ErrReasonRequired = fmt.Errorf("stock: reason required: %w", shared.ErrValidation)
	// ErrNoLines indicates an empty request.
	ErrNoLines = fmt.Errorf("stock: at least one line required: %w", shared.ErrValidation)
)

// mergeLines validates lines, folds duplicates per product and sorts them by
// product so that row locks are always taken in the same order.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	totals := make(map[int64]decimal.Decimal, len(lines))
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
		}
		if !l.Quantity.IsPositive() {
			return nil, ErrInvalidQuantity
		}
		if !shared.FitsScale(l.Quantity, shared.QuantityPlaces) {
			return nil, ErrQuantityScale
		}
		totals[l.ProductID] = totals[l.ProductID].Add(l.Quantity)
	}
	merged := make([]Line, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
}
