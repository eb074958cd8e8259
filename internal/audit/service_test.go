package audit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meatcart/meatcart/internal/catalog"
	"github.com/meatcart/meatcart/internal/finance"
	"github.com/meatcart/meatcart/internal/orders"
	"github.com/meatcart/meatcart/internal/platform/memdb"
	"github.com/meatcart/meatcart/internal/shared"
	"github.com/meatcart/meatcart/internal/stock"
)

type auditEnv struct {
	audit   *Service
	log     *MemoryLog
	orders  *orders.Service
	stock   *stock.Service
	finance *finance.Service
	product int64
}

func newAuditEnv(t *testing.T) auditEnv {
	t.Helper()
	ctx := context.Background()
	store := memdb.New()
	log := NewMemoryLog(nil)
	stockSvc := stock.NewService(stock.NewMemoryRepository(store), nil, log, nil)
	finSvc := finance.NewService(finance.NewMemoryRepository(store), log, nil)
	products := catalog.NewService(catalog.NewMemoryRepository(store), nil, stockSvc, nil)
	orderSvc := orders.NewService(orders.NewMemoryRepository(store), stockSvc, finSvc, products, log, nil)

	p, err := products.Upsert(ctx, catalog.ProductInput{Name: "Brisket", SKU: "BEEF-BRISKET", Price: decimal.RequireFromString("15")})
	require.NoError(t, err)
	_, err = stockSvc.ManualAdjust(ctx, stock.AdjustInput{ProductID: p.ID, Quantity: decimal.NewFromInt(100), Mode: stock.AdjustSet, Reason: "opening balance", PerformedBy: "auditor"})
	require.NoError(t, err)

	return auditEnv{
		audit:   NewService(log, orderSvc, stockSvc, finSvc, nil),
		log:     log,
		orders:  orderSvc,
		stock:   stockSvc,
		finance: finSvc,
		product: p.ID,
	}
}

func (e auditEnv) place(t *testing.T, qty int64) orders.Order {
	t.Helper()
	o, err := e.orders.PlaceOrder(context.Background(), orders.PlaceOrderInput{
		CustomerID:    9,
		PaymentMethod: orders.PaymentCard,
		Items:         []orders.PlaceItemInput{{ProductID: e.product, Quantity: decimal.NewFromInt(qty)}},
	})
	require.NoError(t, err)
	return o
}

func TestReconcileOrderLifecycles(t *testing.T) {
	env := newAuditEnv(t)
	ctx := context.Background()

	open := env.place(t, 2)
	delivered := env.place(t, 3)
	cancelled := env.place(t, 4)
	refunded := env.place(t, 1)

	_, err := env.orders.SetStatus(ctx, orders.StatusInput{OrderID: delivered.ID, Status: orders.StatusDelivered})
	require.NoError(t, err)
	_, err = env.orders.SetStatus(ctx, orders.StatusInput{OrderID: cancelled.ID, Status: orders.StatusCancelled})
	require.NoError(t, err)
	_, err = env.orders.SetStatus(ctx, orders.StatusInput{OrderID: refunded.ID, Status: orders.StatusDelivered})
	require.NoError(t, err)
	_, err = env.orders.SetStatus(ctx, orders.StatusInput{OrderID: refunded.ID, Status: orders.StatusRefunded})
	require.NoError(t, err)

	for _, id := range []int64{open.ID, delivered.ID, cancelled.ID, refunded.ID} {
		report, err := env.audit.ReconcileOrder(ctx, id)
		require.NoError(t, err)
		require.True(t, report.Consistent, "order %d: %+v", id, report.Findings)
	}

	report, err := env.audit.ReconcileOrder(ctx, refunded.ID)
	require.NoError(t, err)
	require.True(t, report.Delivered)
	require.Equal(t, orders.StatusRefunded, report.Status)

	_, err = env.audit.ReconcileOrder(ctx, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReconcileOrderFlagsMissingSale(t *testing.T) {
	env := newAuditEnv(t)
	ctx := context.Background()
	o := env.place(t, 2)

	_, err := env.finance.Post(ctx, finance.PostingInput{
		Type:          finance.TypeSale,
		Amount:        o.Total,
		AccountName:   finance.AccountCardPayments,
		ReferenceType: finance.ReferenceOrder,
		ReferenceID:   o.ID,
	})
	require.NoError(t, err)

	report, err := env.audit.ReconcileOrder(ctx, o.ID)
	require.NoError(t, err)
	require.False(t, report.Consistent)
	require.Len(t, report.Findings, 1)
	require.Equal(t, FindingSaleCount, report.Findings[0].Code)
}

func TestCheckStockReplaysMovements(t *testing.T) {
	env := newAuditEnv(t)
	ctx := context.Background()
	o := env.place(t, 5)
	_, err := env.orders.SetStatus(ctx, orders.StatusInput{OrderID: o.ID, Status: orders.StatusDelivered})
	require.NoError(t, err)
	env.place(t, 2)

	report, err := env.audit.CheckStock(ctx, env.product)
	require.NoError(t, err)
	require.True(t, report.Consistent, "%+v", report.Findings)
	require.True(t, report.ReplayedQuantity.Equal(decimal.NewFromInt(95)))
	require.True(t, report.ReplayedReserved.Equal(decimal.NewFromInt(2)))
	require.Equal(t, 4, report.Movements)

	all, err := env.audit.CheckAllStock(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestTimelinePagingOverMemoryLog(t *testing.T) {
	log := NewMemoryLog(nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Record(ctx, shared.AuditLog{
			Actor:    "ops",
			Action:   "order.status",
			Entity:   "order",
			EntityID: "1",
			At:       base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, log.Record(ctx, shared.AuditLog{Actor: "buyer", Action: "po.create", Entity: "purchase_order", EntityID: "7", At: base}))
	require.Error(t, log.Record(ctx, shared.AuditLog{Actor: "ops"}))

	svc := NewService(log, nil, nil, nil, nil)
	result, err := svc.Timeline(ctx, TimelineFilters{Entity: "order", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.True(t, result.Rows[0].At.After(result.Rows[1].At))

	result, err = svc.Timeline(ctx, TimelineFilters{Entity: "order", PageSize: 2, Page: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 1, result.Paging.PrevPage)

	rows, err := svc.Export(ctx, TimelineFilters{Actor: "buyer"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "po.create", rows[0].Action)
}
