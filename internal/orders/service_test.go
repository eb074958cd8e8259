package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meatcart/meatcart/internal/catalog"
	"github.com/meatcart/meatcart/internal/finance"
	"github.com/meatcart/meatcart/internal/platform/memdb"
	"github.com/meatcart/meatcart/internal/shared"
	"github.com/meatcart/meatcart/internal/stock"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type testEnv struct {
	svc      *Service
	repo     *MemoryRepository
	stock    *stock.Service
	finance  *finance.Service
	products *catalog.Service
	notified []int64
	moves    []string
}

func (e *testEnv) NotifyOrderConfirmed(_ context.Context, o Order) error {
	e.notified = append(e.notified, o.ID)
	return nil
}

func (e *testEnv) ObserveTransition(from, to string) {
	e.moves = append(e.moves, from+"->"+to)
}

type failingPoster struct{}

func (failingPoster) Post(context.Context, finance.PostingInput) (finance.Transaction, error) {
	return finance.Transaction{}, errors.New("ledger offline")
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memdb.New()
	env := &testEnv{}
	env.stock = stock.NewService(stock.NewMemoryRepository(store), nil, nil, nil)
	env.finance = finance.NewService(finance.NewMemoryRepository(store), nil, nil)
	env.products = catalog.NewService(catalog.NewMemoryRepository(store), nil, env.stock, nil)
	env.repo = NewMemoryRepository(store)
	env.svc = NewService(env.repo, env.stock, env.finance, env.products, nil, nil)
	env.svc.WithNow(func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) })
	env.svc.WithNotifier(env)
	env.svc.WithMetrics(env)
	return env
}

func (e *testEnv) product(t *testing.T, sku, price, onHand string) int64 {
	t.Helper()
	ctx := context.Background()
	p, err := e.products.Upsert(ctx, catalog.ProductInput{Name: sku, SKU: sku, Price: d(price), LowStockThreshold: 1})
	require.NoError(t, err)
	_, err = e.stock.ManualAdjust(ctx, stock.AdjustInput{ProductID: p.ID, Quantity: d(onHand), Mode: stock.AdjustSet, Reason: "opening balance", PerformedBy: "test"})
	require.NoError(t, err)
	return p.ID
}

func (e *testEnv) place(t *testing.T, method PaymentMethod, items ...PlaceItemInput) Order {
	t.Helper()
	o, err := e.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		CustomerID:    7,
		PaymentMethod: method,
		Items:         items,
		DeliveryFee:   d("5.00"),
		PlacedBy:      "customer:7",
	})
	require.NoError(t, err)
	return o
}

func (e *testEnv) item(t *testing.T, productID int64) stock.Item {
	t.Helper()
	it, err := e.stock.GetItem(context.Background(), productID)
	require.NoError(t, err)
	require.True(t, it.AvailableQuantity.Equal(it.Quantity.Sub(it.ReservedQuantity)))
	return it
}

func (e *testEnv) movements(t *testing.T, productID int64, typ stock.MovementType) []stock.Movement {
	t.Helper()
	mvs, err := e.stock.ListMovements(context.Background(), stock.MovementFilter{ProductID: productID, Type: typ})
	require.NoError(t, err)
	return mvs
}

func (e *testEnv) postings(t *testing.T, orderID int64) []finance.Transaction {
	t.Helper()
	txs, err := e.finance.ListTransactions(context.Background(), finance.TransactionFilter{ReferenceType: finance.ReferenceOrder, ReferenceID: orderID})
	require.NoError(t, err)
	return txs
}

func TestPlaceOrderSnapshotsPricesAndReserves(t *testing.T) {
	env := newEnv(t)
	beef := env.product(t, "BEEF-MINCE-1KG", "12.50", "100")

	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("2.5")})
	require.Regexp(t, `^ORD-20260314-[0-9A-F]{6}$`, o.Number)
	require.Equal(t, StatusPending, o.Status)
	require.Equal(t, PaymentPending, o.PaymentStatus)
	require.Len(t, o.Items, 1)
	require.True(t, o.Items[0].UnitPrice.Equal(d("12.50")))
	require.True(t, o.Items[0].TotalPrice.Equal(d("31.25")))
	require.True(t, o.Subtotal.Equal(d("31.25")))
	require.True(t, o.Total.Equal(d("36.25")))

	it := env.item(t, beef)
	require.True(t, it.ReservedQuantity.Equal(d("2.5")))
	require.True(t, it.AvailableQuantity.Equal(d("97.5")))
	require.Len(t, env.movements(t, beef, stock.MovementReserved), 1)

	history, err := env.svc.ListHistory(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, StatusPending, history[0].Status)
	require.Equal(t, "customer:7", history[0].ChangedBy)
}

func TestPlaceOrderRejectsShortageWithoutCreatingOrder(t *testing.T) {
	env := newEnv(t)
	lamb := env.product(t, "LAMB-CHOP", "20.00", "5")

	_, err := env.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		CustomerID:    7,
		PaymentMethod: PaymentCard,
		Items:         []PlaceItemInput{{ProductID: lamb, Quantity: d("8")}},
	})
	var shortage *stock.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	list, err := env.svc.ListOrders(context.Background(), OrderFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Empty(t, env.movements(t, lamb, stock.MovementReserved))
}

func TestPlaceOrderReservesNothingWhenAnyLineIsShort(t *testing.T) {
	env := newEnv(t)
	beef := env.product(t, "BEEF", "10.00", "10")
	p, err := env.products.Upsert(context.Background(), catalog.ProductInput{Name: "Veal", SKU: "VEAL", Price: d("30")})
	require.NoError(t, err)
	_, err = env.stock.ManualAdjust(context.Background(), stock.AdjustInput{ProductID: p.ID, Quantity: d("3"), Mode: stock.AdjustSet, Reason: "opening", PerformedBy: "test"})
	require.NoError(t, err)

	_, err = env.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		CustomerID:    1,
		PaymentMethod: PaymentCard,
		Items: []PlaceItemInput{
			{ProductID: beef, Quantity: d("4")},
			{ProductID: p.ID, Quantity: d("4")},
		},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.True(t, env.item(t, beef).ReservedQuantity.IsZero())
}

func TestPlaceOrderValidatesTotals(t *testing.T) {
	env := newEnv(t)
	beef := env.product(t, "BEEF", "10.00", "10")
	ctx := context.Background()

	_, err := env.svc.PlaceOrder(ctx, PlaceOrderInput{
		CustomerID:    1,
		PaymentMethod: PaymentCOD,
		Items:         []PlaceItemInput{{ProductID: beef, Quantity: d("2")}},
		Discount:      d("2"),
		DeliveryFee:   d("4"),
		VATAmount:     d("1.10"),
		ExpectedTotal: d("23.10"),
	})
	require.NoError(t, err)

	_, err = env.svc.PlaceOrder(ctx, PlaceOrderInput{
		CustomerID:    1,
		PaymentMethod: PaymentCOD,
		Items:         []PlaceItemInput{{ProductID: beef, Quantity: d("1")}},
		ExpectedTotal: d("99"),
	})
	require.ErrorIs(t, err, ErrTotalMismatch)

	_, err = env.svc.PlaceOrder(ctx, PlaceOrderInput{
		CustomerID:    1,
		PaymentMethod: PaymentCOD,
		Items:         []PlaceItemInput{{ProductID: beef, Quantity: d("1")}},
		Discount:      d("50"),
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.PlaceOrder(ctx, PlaceOrderInput{CustomerID: 1, PaymentMethod: "cheque", Items: []PlaceItemInput{{ProductID: beef, Quantity: d("1")}}})
	require.Error(t, err)

	_, err = env.svc.PlaceOrder(ctx, PlaceOrderInput{CustomerID: 1, PaymentMethod: PaymentCard, Items: []PlaceItemInput{{ProductID: 404, Quantity: d("1")}}})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeliveredDepletesStockAndPostsSaleOnce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	beef := env.product(t, "BEEF", "10.00", "100")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("10")})

	for i := 0; i < 2; i++ {
		updated, err := env.svc.SetStatus(ctx, StatusInput{OrderID: o.ID, Status: StatusDelivered, Actor: "dispatcher"})
		require.NoError(t, err)
		require.Equal(t, StatusDelivered, updated.Status)
	}

	it := env.item(t, beef)
	require.True(t, it.Quantity.Equal(d("90")))
	require.True(t, it.ReservedQuantity.IsZero())
	outs := env.movements(t, beef, stock.MovementOut)
	require.Len(t, outs, 1)
	require.True(t, outs[0].Quantity.Equal(d("10")))
	require.True(t, outs[0].PreviousQuantity.Equal(d("100")))
	require.True(t, outs[0].NewQuantity.Equal(d("90")))

	txs := env.postings(t, o.ID)
	require.Len(t, txs, 1)
	require.Equal(t, finance.TypeSale, txs[0].Type)
	require.Equal(t, finance.StatusCompleted, txs[0].Status)
	require.True(t, txs[0].Amount.Equal(o.Total))

	history, err := env.svc.ListHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, []string{"pending->delivered"}, env.moves)
}

func TestCODSaleIsPendingOnCollectionsAccount(t *testing.T) {
	env := newEnv(t)
	beef := env.product(t, "BEEF", "10.00", "100")
	o := env.place(t, PaymentCOD, PlaceItemInput{ProductID: beef, Quantity: d("1")})

	_, err := env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusDelivered})
	require.NoError(t, err)

	txs := env.postings(t, o.ID)
	require.Len(t, txs, 1)
	require.Equal(t, finance.StatusPending, txs[0].Status)
	cod, err := env.finance.GetAccountByName(context.Background(), finance.AccountCODCollections)
	require.NoError(t, err)
	require.Equal(t, cod.ID, txs[0].AccountID)
	require.True(t, cod.Balance.IsZero())
}

func TestCancelReleasesReservation(t *testing.T) {
	env := newEnv(t)
	pork := env.product(t, "PORK", "8.00", "40")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: pork, Quantity: d("4")})
	before := env.item(t, pork)

	_, err := env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusCancelled, Notes: "customer changed mind"})
	require.NoError(t, err)

	after := env.item(t, pork)
	require.True(t, after.ReservedQuantity.Equal(before.ReservedQuantity.Sub(d("4"))))
	require.True(t, after.AvailableQuantity.Equal(before.AvailableQuantity.Add(d("4"))))
	require.True(t, after.Quantity.Equal(before.Quantity))
	released := env.movements(t, pork, stock.MovementReleased)
	require.Len(t, released, 1)
	require.True(t, released[0].PreviousQuantity.Equal(released[0].NewQuantity))
	require.Empty(t, env.postings(t, o.ID))

	_, err = env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusConfirmed})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestRefundBeforeDeliveryReleasesStock(t *testing.T) {
	env := newEnv(t)
	pork := env.product(t, "PORK", "8.00", "40")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: pork, Quantity: d("4")})

	_, err := env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusConfirmed})
	require.NoError(t, err)
	_, err = env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusRefunded})
	require.NoError(t, err)

	require.True(t, env.item(t, pork).ReservedQuantity.IsZero())
	require.Len(t, env.movements(t, pork, stock.MovementReleased), 1)
	txs := env.postings(t, o.ID)
	require.Len(t, txs, 1)
	require.Equal(t, finance.TypeRefund, txs[0].Type)
	require.Equal(t, []int64{o.ID}, env.notified)
}

func TestRefundAfterDeliveryKeepsStockDepleted(t *testing.T) {
	env := newEnv(t)
	pork := env.product(t, "PORK", "8.00", "40")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: pork, Quantity: d("4")})

	_, err := env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusDelivered})
	require.NoError(t, err)
	_, err = env.svc.SetStatus(context.Background(), StatusInput{OrderID: o.ID, Status: StatusRefunded})
	require.NoError(t, err)

	require.True(t, env.item(t, pork).Quantity.Equal(d("36")))
	require.Empty(t, env.movements(t, pork, stock.MovementReleased))
	txs := env.postings(t, o.ID)
	require.Len(t, txs, 2)
	require.Equal(t, finance.TypeSale, txs[0].Type)
	require.Equal(t, finance.TypeRefund, txs[1].Type)
}

func TestInvalidTransitionWritesNothing(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	beef := env.product(t, "BEEF", "10.00", "10")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("1")})

	_, err := env.svc.SetStatus(ctx, StatusInput{OrderID: o.ID, Status: StatusProcessing})
	require.NoError(t, err)
	_, err = env.svc.SetStatus(ctx, StatusInput{OrderID: o.ID, Status: StatusConfirmed})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = env.svc.SetStatus(ctx, StatusInput{OrderID: o.ID, Status: "lost"})
	require.ErrorIs(t, err, shared.ErrValidation)

	got, err := env.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	history, err := env.svc.ListHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	_, err = env.svc.SetStatus(ctx, StatusInput{OrderID: 999, Status: StatusConfirmed})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestFinanceFailureRollsBackDelivery(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	beef := env.product(t, "BEEF", "10.00", "50")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("5")})

	broken := NewService(env.repo, env.stock, failingPoster{}, env.products, nil, nil)
	_, err := broken.SetStatus(ctx, StatusInput{OrderID: o.ID, Status: StatusDelivered})
	require.Error(t, err)

	got, err := env.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	it := env.item(t, beef)
	require.True(t, it.Quantity.Equal(d("50")))
	require.True(t, it.ReservedQuantity.Equal(d("5")))
	require.Empty(t, env.movements(t, beef, stock.MovementOut))
	history, err := env.svc.ListHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestTrackingDrivesOrderForwardOnly(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	beef := env.product(t, "BEEF", "10.00", "50")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("2")})

	_, got, err := env.svc.UpdateTracking(ctx, TrackingInput{OrderID: o.ID, Status: TrackingAssigned, DriverID: "drv-1"})
	require.NoError(t, err)
	require.Equal(t, StatusReadyForPickup, got.Status)

	_, got, err = env.svc.UpdateTracking(ctx, TrackingInput{OrderID: o.ID, Status: TrackingNearby, DriverID: "drv-1"})
	require.NoError(t, err)
	require.Equal(t, StatusOutForDelivery, got.Status)

	_, got, err = env.svc.UpdateTracking(ctx, TrackingInput{OrderID: o.ID, Status: TrackingPickedUp, DriverID: "drv-1"})
	require.NoError(t, err)
	require.Equal(t, StatusOutForDelivery, got.Status)

	_, got, err = env.svc.UpdateTracking(ctx, TrackingInput{OrderID: o.ID, Status: TrackingDelivered, DriverID: "drv-1"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got.Status)
	require.Len(t, env.postings(t, o.ID), 1)
	require.Len(t, env.movements(t, beef, stock.MovementOut), 1)

	events, err := env.svc.ListTracking(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)

	history, err := env.svc.ListHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, "driver:drv-1", history[3].ChangedBy)
}

func TestPaymentStatusTransitions(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	beef := env.product(t, "BEEF", "10.00", "50")
	o := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("2")})

	_, err := env.svc.GetPayment(ctx, o.ID)
	require.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = env.svc.SetPaymentStatus(ctx, PaymentInput{OrderID: o.ID, Status: PaymentRefunded})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	got, err := env.svc.SetPaymentStatus(ctx, PaymentInput{OrderID: o.ID, Status: PaymentAuthorized})
	require.NoError(t, err)
	require.Equal(t, PaymentAuthorized, got.PaymentStatus)

	got, err = env.svc.SetPaymentStatus(ctx, PaymentInput{OrderID: o.ID, Status: PaymentCaptured, TransactionRef: "ch_123"})
	require.NoError(t, err)
	require.Equal(t, PaymentCaptured, got.PaymentStatus)
	require.Equal(t, StatusPending, got.Status)

	p, err := env.svc.GetPayment(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentCaptured, p.Status)
	require.Equal(t, "ch_123", p.TransactionRef)
	require.NotNil(t, p.CapturedAt)
	require.True(t, p.Amount.Equal(o.Total))
	require.Empty(t, env.postings(t, o.ID))

	_, err = env.svc.SetPaymentStatus(ctx, PaymentInput{OrderID: o.ID, Status: PaymentRefunded})
	require.NoError(t, err)
	p, err = env.svc.GetPayment(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentRefunded, p.Status)
	require.Equal(t, "ch_123", p.TransactionRef)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusOutForDelivery, true},
		{StatusProcessing, StatusConfirmed, false},
		{StatusOutForDelivery, StatusCancelled, true},
		{StatusDelivered, StatusRefunded, true},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusRefunded, false},
		{StatusRefunded, StatusRefunded, true},
		{StatusPending, "lost", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPlaceOrderRejectsExcessPrecision(t *testing.T) {
	env := newEnv(t)
	beef := env.product(t, "BEEF", "10.00", "10")
	ctx := context.Background()

	_, err := env.svc.PlaceOrder(ctx, PlaceOrderInput{
		CustomerID:    1,
		PaymentMethod: PaymentCard,
		Items:         []PlaceItemInput{{ProductID: beef, Quantity: d("0.00004")}},
	})
	require.ErrorIs(t, err, ErrQuantityScale)

	_, err = env.svc.PlaceOrder(ctx, PlaceOrderInput{
		CustomerID:    1,
		PaymentMethod: PaymentCard,
		Items:         []PlaceItemInput{{ProductID: beef, Quantity: d("1")}},
		DeliveryFee:   d("4.999"),
	})
	require.ErrorIs(t, err, ErrAmountScale)

	orders, err := env.svc.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	require.Empty(t, orders)
	require.True(t, env.item(t, beef).ReservedQuantity.IsZero())

	placed := env.place(t, PaymentCard, PlaceItemInput{ProductID: beef, Quantity: d("1.2345")})
	require.True(t, placed.Items[0].Quantity.Equal(d("1.2345")))
	require.True(t, placed.Total.Equal(d("17.35")))
}
