package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/shared"
	"github.com/meatcart/meatcart/internal/stock"
)

// Status enumerates order lifecycle states.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusProcessing     Status = "processing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// happyPath orders the forward states; a forward move may skip steps.
var happyPath = map[Status]int{
	StatusPending:        0,
	StatusConfirmed:      1,
	StatusProcessing:     2,
	StatusReadyForPickup: 3,
	StatusOutForDelivery: 4,
	StatusDelivered:      5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, forward := happyPath[s]
	return forward || s == StatusCancelled || s == StatusRefunded
}

// Terminal reports whether no further lifecycle moves are expected.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// CanTransition reports whether an order may move from one status to another.
// Re-entering the current status is allowed and only appends history.
// Delivered orders can still be refunded.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return from == StatusDelivered && to == StatusRefunded
	}
	if to == StatusCancelled || to == StatusRefunded {
		return true
	}
	return happyPath[to] > happyPath[from]
}

// PaymentStatus tracks the customer's payment independently of fulfilment.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentAuthorized        PaymentStatus = "authorized"
	PaymentCaptured          PaymentStatus = "captured"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentAuthorized, PaymentCaptured, PaymentFailed},
	PaymentAuthorized:        {PaymentCaptured, PaymentFailed},
	PaymentFailed:            {PaymentPending, PaymentAuthorized, PaymentCaptured},
	PaymentCaptured:          {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentRefunded:          nil,
}

// CanTransitionPayment reports whether a payment may move between statuses.
func CanTransitionPayment(from, to PaymentStatus) bool {
	if _, ok := paymentTransitions[to]; !ok {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentMethod selects how the customer pays.
type PaymentMethod string

const (
	PaymentCard         PaymentMethod = "card"
	PaymentCOD          PaymentMethod = "cod"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

// TrackingStatus is reported by the delivery driver.
type TrackingStatus string

const (
	TrackingAssigned  TrackingStatus = "assigned"
	TrackingPickedUp  TrackingStatus = "picked_up"
	TrackingInTransit TrackingStatus = "in_transit"
	TrackingNearby    TrackingStatus = "nearby"
	TrackingDelivered TrackingStatus = "delivered"
)

// Valid reports whether t is a known tracking status.
func (t TrackingStatus) Valid() bool {
	switch t {
	case TrackingAssigned, TrackingPickedUp, TrackingInTransit, TrackingNearby, TrackingDelivered:
		return true
	}
	return false
}

// OrderStatus maps a driver tracking status onto the order lifecycle.
func (t TrackingStatus) OrderStatus() Status {
	switch t {
	case TrackingInTransit, TrackingNearby:
		return StatusOutForDelivery
	case TrackingDelivered:
		return StatusDelivered
	default:
		return StatusReadyForPickup
	}
}

// Order is a customer order with its line items.
type Order struct {
	ID            int64           `json:"id"`
	Number        string          `json:"order_number"`
	CustomerID    int64           `json:"customer_id"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	VATAmount     decimal.Decimal `json:"vat_amount"`
	Total         decimal.Decimal `json:"total"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Items         []Item          `json:"items"`
}

// StockRef builds the stock ledger reference for the order's lines.
func (o Order) StockRef(actor string) stock.OrderRef {
	lines := make([]stock.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, stock.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return stock.OrderRef{OrderID: o.ID, OrderNumber: o.Number, Lines: lines, PerformedBy: actor}
}

// Item is one order line with product snapshots.
type Item struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// HistoryEntry is one append-only status history row.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
	ChangedBy string    `json:"changed_by"`
	Notes     string    `json:"notes,omitempty"`
}

// TrackingEvent is one driver update.
type TrackingEvent struct {
	ID        int64          `json:"id"`
	OrderID   int64          `json:"order_id"`
	Status    TrackingStatus `json:"status"`
	DriverID  string         `json:"driver_id"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Payment records a captured customer payment.
type Payment struct {
	ID             int64           `json:"id"`
	OrderID        int64           `json:"order_id"`
	Method         PaymentMethod   `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Status         PaymentStatus   `json:"status"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	CapturedAt     *time.Time      `json:"captured_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PlaceOrderInput describes a new order.
type PlaceOrderInput struct {
	CustomerID    int64            `json:"customer_id" validate:"required,gt=0"`
	PaymentMethod PaymentMethod    `json:"payment_method" validate:"required,oneof=card cod bank_transfer"`
	Items         []PlaceItemInput `json:"items" validate:"required,min=1,dive"`
	Discount      decimal.Decimal  `json:"discount"`
	DeliveryFee   decimal.Decimal  `json:"delivery_fee"`
	VATAmount     decimal.Decimal  `json:"vat_amount"`
	// ExpectedTotal, when set, must equal the computed total.
	ExpectedTotal decimal.Decimal `json:"expected_total"`
	Notes         string          `json:"notes"`
	PlacedBy      string          `json:"placed_by"`
}

// PlaceItemInput requests a quantity of one product.
type PlaceItemInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// StatusInput requests a lifecycle move.
type StatusInput struct {
	OrderID int64  `json:"-"`
	Status  Status `json:"status" validate:"required"`
	Actor   string `json:"actor"`
	Notes   string `json:"notes"`
}

// TrackingInput records a driver update.
type TrackingInput struct {
	OrderID  int64          `json:"-"`
	Status   TrackingStatus `json:"status" validate:"required"`
	DriverID string         `json:"driver_id" validate:"required"`
	Notes    string         `json:"notes"`
}

// PaymentInput requests a payment status change.
type PaymentInput struct {
	OrderID        int64         `json:"-"`
	Status         PaymentStatus `json:"status" validate:"required"`
	TransactionRef string        `json:"transaction_ref"`
	Actor          string        `json:"actor"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status Status
	Limit  int
}

var (
	// ErrOrderNotFound indicates missing order.
	ErrOrderNotFound = fmt.Errorf("orders: order %w", shared.ErrNotFound)
	// ErrPaymentNotFound indicates no payment has been captured.
	ErrPaymentNotFound = fmt.Errorf("orders: payment %w", shared.ErrNotFound)
	// ErrUnknownStatus indicates an unrecognised status value.
	ErrUnknownStatus = fmt.Errorf("orders: unknown status: %w", shared.ErrValidation)
	// ErrTotalMismatch indicates the order totals do not add up.
	ErrTotalMismatch = fmt.Errorf("orders: total mismatch: %w", shared.ErrValidation)
	// ErrInvalidAmount indicates a negative fee, discount or quantity.
	ErrInvalidAmount = fmt.Errorf("orders: invalid amount: %w", shared.ErrValidation)
	// ErrQuantityScale indicates a quantity with more than four decimal places.
	ErrQuantityScale = fmt.Errorf("orders: quantity allows at most %d decimal places: %w", shared.QuantityPlaces, shared.ErrValidation)
	// ErrAmountScale indicates money with more than two decimal places.
	ErrAmountScale = fmt.Errorf("orders: amounts allow at most %d decimal places: %w", shared.MoneyPlaces, shared.ErrValidation)
)

func invalidTransition(from, to any) error {
	return fmt.Errorf("orders: %v -> %v: %w", from, to, shared.ErrInvalidTransition)
}
