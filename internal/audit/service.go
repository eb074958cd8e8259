package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/finance"
	"github.com/meatcart/meatcart/internal/orders"
	"github.com/meatcart/meatcart/internal/stock"
)

// OrderReader reads orders and their history.
type OrderReader interface {
	GetOrder(ctx context.Context, id int64) (orders.Order, error)
	ListHistory(ctx context.Context, orderID int64) ([]orders.HistoryEntry, error)
}

// LedgerReader reads stock rows and movements.
type LedgerReader interface {
	GetItem(ctx context.Context, productID int64) (stock.Item, error)
	ListItems(ctx context.Context) ([]stock.Item, error)
	ListMovements(ctx context.Context, filter stock.MovementFilter) ([]stock.Movement, error)
}

// PostingReader reads finance transactions.
type PostingReader interface {
	ListTransactions(ctx context.Context, filter finance.TransactionFilter) ([]finance.Transaction, error)
}

// Service serves the audit timeline and reconciles the ledgers against
// each other.
type Service struct {
	repo    Repository
	orders  OrderReader
	stock   LedgerReader
	finance PostingReader
	logger  *slog.Logger
}

// NewService builds the audit service.
func NewService(repo Repository, orderReader OrderReader, ledger LedgerReader, postings PostingReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, orders: orderReader, stock: ledger, finance: postings, logger: logger}
}

// Timeline returns one page of audit records.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.Window(ctx, filters, (page-1)*pageSize, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns the whole filtered timeline.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.All(ctx, filters)
}

// Finding describes one broken invariant.
type Finding struct {
	Code      string `json:"code"`
	ProductID int64  `json:"product_id,omitempty"`
	Detail    string `json:"detail"`
}

// Finding codes.
const (
	FindingReservation = "reservation_mismatch"
	FindingDepletion   = "depletion_mismatch"
	FindingRelease     = "release_mismatch"
	FindingSaleCount   = "sale_count"
	FindingRefundCount = "refund_count"
	FindingQuantity    = "quantity_mismatch"
	FindingReserved    = "reserved_mismatch"
	FindingAvailable   = "available_mismatch"
)

// OrderReport is the reconciliation result of one order.
type OrderReport struct {
	OrderID     int64         `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Status      orders.Status `json:"status"`
	Delivered   bool          `json:"ever_delivered"`
	Findings    []Finding     `json:"findings"`
	Consistent  bool          `json:"consistent"`
}

// ReconcileOrder checks that the stock movements and finance postings of an
// order match its lifecycle: one sale and full depletion once delivered,
// full release when cancelled or refunded before delivery.
func (s *Service) ReconcileOrder(ctx context.Context, orderID int64) (OrderReport, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return OrderReport{}, err
	}
	history, err := s.orders.ListHistory(ctx, orderID)
	if err != nil {
		return OrderReport{}, err
	}
	report := OrderReport{OrderID: o.ID, OrderNumber: o.Number, Status: o.Status, Findings: []Finding{}}
	for _, h := range history {
		if h.Status == orders.StatusDelivered {
			report.Delivered = true
		}
	}

	movements, err := s.stock.ListMovements(ctx, stock.MovementFilter{ReferenceType: stock.ReferenceOrder, ReferenceID: o.ID})
	if err != nil {
		return OrderReport{}, err
	}
	expected := make(map[int64]decimal.Decimal)
	for _, it := range o.Items {
		expected[it.ProductID] = expected[it.ProductID].Add(it.Quantity)
	}
	sums := map[stock.MovementType]map[int64]decimal.Decimal{
		stock.MovementReserved: {},
		stock.MovementReleased: {},
		stock.MovementOut:      {},
	}
	for _, mv := range movements {
		if bucket, ok := sums[mv.Type]; ok {
			bucket[mv.ProductID] = bucket[mv.ProductID].Add(mv.Quantity)
		}
	}

	add := func(code string, productID int64, format string, args ...any) {
		report.Findings = append(report.Findings, Finding{Code: code, ProductID: productID, Detail: fmt.Sprintf(format, args...)})
	}
	releasedBeforeDelivery := !report.Delivered && (o.Status == orders.StatusCancelled || o.Status == orders.StatusRefunded)
	for productID, qty := range expected {
		reserved := sums[stock.MovementReserved][productID]
		released := sums[stock.MovementReleased][productID]
		out := sums[stock.MovementOut][productID]
		if !reserved.Equal(qty) {
			add(FindingReservation, productID, "reserved %s, ordered %s", reserved, qty)
		}
		switch {
		case report.Delivered:
			if !out.Equal(qty) {
				add(FindingDepletion, productID, "depleted %s, ordered %s", out, qty)
			}
		case releasedBeforeDelivery:
			if !released.Equal(reserved) {
				add(FindingRelease, productID, "released %s, reserved %s", released, reserved)
			}
			if !out.IsZero() {
				add(FindingDepletion, productID, "depleted %s before delivery", out)
			}
		default:
			if !out.IsZero() || !released.IsZero() {
				add(FindingDepletion, productID, "open order depleted %s released %s", out, released)
			}
		}
	}

	postings, err := s.finance.ListTransactions(ctx, finance.TransactionFilter{ReferenceType: finance.ReferenceOrder, ReferenceID: o.ID})
	if err != nil {
		return OrderReport{}, err
	}
	var sales, refunds int
	for _, t := range postings {
		switch t.Type {
		case finance.TypeSale:
			sales++
		case finance.TypeRefund:
			refunds++
		}
	}
	wantSales := 0
	if report.Delivered {
		wantSales = 1
	}
	if sales != wantSales {
		add(FindingSaleCount, 0, "%d sale postings, expected %d", sales, wantSales)
	}
	wantRefunds := 0
	if o.Status == orders.StatusRefunded {
		wantRefunds = 1
	}
	if refunds != wantRefunds {
		add(FindingRefundCount, 0, "%d refund postings, expected %d", refunds, wantRefunds)
	}

	report.Consistent = len(report.Findings) == 0
	if !report.Consistent {
		s.logger.WarnContext(ctx, "order reconciliation failed",
			slog.Int64("order_id", o.ID),
			slog.Int("findings", len(report.Findings)))
	}
	return report, nil
}

// StockReport compares a stored stock row with its replayed movement log.
type StockReport struct {
	ProductID        int64           `json:"product_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Reserved         decimal.Decimal `json:"reserved_quantity"`
	Available        decimal.Decimal `json:"available_quantity"`
	ReplayedQuantity decimal.Decimal `json:"replayed_quantity"`
	ReplayedReserved decimal.Decimal `json:"replayed_reserved"`
	Movements        int             `json:"movements"`
	Findings         []Finding       `json:"findings"`
	Consistent       bool            `json:"consistent"`
}

// CheckStock replays the movement log of one product.
func (s *Service) CheckStock(ctx context.Context, productID int64) (StockReport, error) {
	item, err := s.stock.GetItem(ctx, productID)
	if err != nil {
		return StockReport{}, err
	}
	return s.checkItem(ctx, item)
}

// CheckAllStock replays the movement log of every product.
func (s *Service) CheckAllStock(ctx context.Context) ([]StockReport, error) {
	items, err := s.stock.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]StockReport, 0, len(items))
	for _, item := range items {
		report, err := s.checkItem(ctx, item)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (s *Service) checkItem(ctx context.Context, item stock.Item) (StockReport, error) {
	movements, err := s.stock.ListMovements(ctx, stock.MovementFilter{ProductID: item.ProductID})
	if err != nil {
		return StockReport{}, err
	}
	replayed := stock.Replay(movements)
	report := StockReport{
		ProductID:        item.ProductID,
		Quantity:         item.Quantity,
		Reserved:         item.ReservedQuantity,
		Available:        item.AvailableQuantity,
		ReplayedQuantity: replayed.Quantity,
		ReplayedReserved: replayed.Reserved,
		Movements:        len(movements),
		Findings:         []Finding{},
	}
	if !replayed.Quantity.Equal(item.Quantity) {
		report.Findings = append(report.Findings, Finding{Code: FindingQuantity, ProductID: item.ProductID,
			Detail: fmt.Sprintf("stored %s, replayed %s", item.Quantity, replayed.Quantity)})
	}
	if !replayed.Reserved.Equal(item.ReservedQuantity) {
		report.Findings = append(report.Findings, Finding{Code: FindingReserved, ProductID: item.ProductID,
			Detail: fmt.Sprintf("stored %s, replayed %s", item.ReservedQuantity, replayed.Reserved)})
	}
	if !item.AvailableQuantity.Equal(item.Quantity.Sub(item.ReservedQuantity)) {
		report.Findings = append(report.Findings, Finding{Code: FindingAvailable, ProductID: item.ProductID,
			Detail: fmt.Sprintf("available %s != %s - %s", item.AvailableQuantity, item.Quantity, item.ReservedQuantity)})
	}
	report.Consistent = len(report.Findings) == 0
	return report, nil
}
