package stock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meatcart/meatcart/internal/platform/memdb"
	"github.com/meatcart/meatcart/internal/shared"
)

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []LowStockAlert
}

func (r *recordingAlerts) NotifyLowStock(_ context.Context, alert LowStockAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newTestService(t *testing.T) (*Service, *MemoryRepository, *recordingAlerts) {
	t.Helper()
	repo := NewMemoryRepository(memdb.New())
	alerts := &recordingAlerts{}
	return NewService(repo, alerts, nil, nil), repo, alerts
}

func seed(t *testing.T, svc *Service, productID int64, qty string) {
	t.Helper()
	_, err := svc.InitItem(context.Background(), InitInput{ProductID: productID})
	require.NoError(t, err)
	_, err = svc.ManualAdjust(context.Background(), AdjustInput{ProductID: productID, Quantity: d(qty), Mode: AdjustSet, Reason: "opening balance", PerformedBy: "test"})
	require.NoError(t, err)
}

func requireConsistent(t *testing.T, svc *Service, productID int64) Item {
	t.Helper()
	ctx := context.Background()
	item, err := svc.GetItem(ctx, productID)
	require.NoError(t, err)
	require.True(t, item.AvailableQuantity.Equal(item.Quantity.Sub(item.ReservedQuantity)), "available drifted")
	movements, err := svc.ListMovements(ctx, MovementFilter{ProductID: productID})
	require.NoError(t, err)
	st := Replay(movements)
	require.True(t, st.Quantity.Equal(item.Quantity), "replay %s != stored %s", st.Quantity, item.Quantity)
	require.True(t, st.Reserved.Equal(item.ReservedQuantity), "replayed reserved %s != stored %s", st.Reserved, item.ReservedQuantity)
	return item
}

func TestReserveAndDeplete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "100")

	lines := []Line{{ProductID: 1, Quantity: d("10")}}
	require.NoError(t, svc.CheckAvailability(ctx, lines))
	require.NoError(t, svc.Reserve(ctx, OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: lines}))

	item := requireConsistent(t, svc, 1)
	require.True(t, item.ReservedQuantity.Equal(d("10")))
	require.True(t, item.AvailableQuantity.Equal(d("90")))

	reserved, err := svc.ListMovements(ctx, MovementFilter{ProductID: 1, ReferenceType: ReferenceOrder})
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	require.Equal(t, MovementReserved, reserved[0].Type)
	require.True(t, reserved[0].PreviousQuantity.Equal(d("100")))
	require.True(t, reserved[0].NewQuantity.Equal(d("100")))
	require.Contains(t, reserved[0].Reason, "ORD-1")

	require.NoError(t, svc.ConfirmDepletion(ctx, OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: lines}))
	item = requireConsistent(t, svc, 1)
	require.True(t, item.Quantity.Equal(d("90")))
	require.True(t, item.ReservedQuantity.IsZero())
	require.True(t, item.AvailableQuantity.Equal(d("90")))

	out, err := svc.ListMovements(ctx, MovementFilter{ProductID: 1, ReferenceType: ReferenceOrder, ReferenceID: 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, MovementOut, out[1].Type)
	require.True(t, out[1].Quantity.Equal(d("10")))
	require.True(t, out[1].PreviousQuantity.Equal(d("100")))
	require.True(t, out[1].NewQuantity.Equal(d("90")))
}

func TestCheckAvailabilityReportsShortages(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 2, "5")
	before := len(repo.movements)

	err := svc.CheckAvailability(ctx, []Line{{ProductID: 2, Quantity: d("8")}, {ProductID: 99, Quantity: d("1")}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	var shortage *InsufficientStockError
	require.True(t, errors.As(err, &shortage))
	require.Len(t, shortage.Items, 2)
	require.Equal(t, int64(2), shortage.Items[0].ProductID)
	require.True(t, shortage.Items[0].Available.Equal(d("5")))
	require.True(t, shortage.Items[0].Requested.Equal(d("8")))
	require.Equal(t, int64(99), shortage.Items[1].ProductID)
	require.True(t, shortage.Items[1].Available.IsZero())
	require.Len(t, repo.movements, before)
}

func TestReserveThenReleaseRestoresBalances(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 3, "12.5")
	before := requireConsistent(t, svc, 3)

	ref := OrderRef{OrderID: 2, OrderNumber: "ORD-2", Lines: []Line{{ProductID: 3, Quantity: d("4")}}}
	require.NoError(t, svc.Reserve(ctx, ref))
	require.NoError(t, svc.Release(ctx, ref))

	after := requireConsistent(t, svc, 3)
	require.True(t, after.Quantity.Equal(before.Quantity))
	require.True(t, after.ReservedQuantity.Equal(before.ReservedQuantity))
	require.True(t, after.AvailableQuantity.Equal(before.AvailableQuantity))

	released, err := svc.ListMovements(ctx, MovementFilter{ProductID: 3, ReferenceID: 2, ReferenceType: ReferenceOrder})
	require.NoError(t, err)
	require.Len(t, released, 2)
	require.Equal(t, MovementReleased, released[1].Type)
	require.True(t, released[1].PreviousQuantity.Equal(d("12.5")))
	require.True(t, released[1].NewQuantity.Equal(d("12.5")))
}

func TestReserveRollsBackEveryLine(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "10")
	seed(t, svc, 2, "10")
	seed(t, svc, 3, "1")
	before := len(repo.movements)

	err := svc.Reserve(ctx, OrderRef{OrderID: 7, OrderNumber: "ORD-7", Lines: []Line{
		{ProductID: 1, Quantity: d("2")},
		{ProductID: 2, Quantity: d("2")},
		{ProductID: 3, Quantity: d("2")},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Len(t, repo.movements, before)
	for _, id := range []int64{1, 2, 3} {
		item := requireConsistent(t, svc, id)
		require.True(t, item.ReservedQuantity.IsZero())
	}
}

func TestReserveFailsClosedWithoutStockRow(t *testing.T) {
	svc, repo, _ := newTestService(t)
	err := svc.Reserve(context.Background(), OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{{ProductID: 42, Quantity: d("1")}}})
	var shortage *InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.True(t, shortage.Items[0].Available.IsZero())
	require.Empty(t, repo.movements)
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "5")
	err := svc.Reserve(ctx, OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{
		{ProductID: 1, Quantity: d("3")},
		{ProductID: 1, Quantity: d("3")},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	require.NoError(t, svc.Reserve(ctx, OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{
		{ProductID: 1, Quantity: d("2")},
		{ProductID: 1, Quantity: d("3")},
	}}))
	item := requireConsistent(t, svc, 1)
	require.True(t, item.AvailableQuantity.IsZero())
}

func TestReceiveCreatesItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Receive(ctx, ReceiptInput{
		PurchaseOrderID: 9,
		PONumber:        "PO-9",
		Lines:           []ReceiptLine{{ProductID: 4, Quantity: d("50"), UnitCost: d("10")}},
		PerformedBy:     "receiver",
	})
	require.NoError(t, err)
	require.True(t, res.TotalValue.Equal(d("500")))
	require.Len(t, res.Movements, 1)
	require.Equal(t, MovementIn, res.Movements[0].Type)
	require.True(t, res.Movements[0].PreviousQuantity.IsZero())
	require.True(t, res.Movements[0].NewQuantity.Equal(d("50")))
	require.Equal(t, ReferencePurchaseOrder, res.Movements[0].ReferenceType)

	item := requireConsistent(t, svc, 4)
	require.True(t, item.Quantity.Equal(d("50")))
	require.True(t, item.ReservedQuantity.IsZero())
	require.True(t, item.AvailableQuantity.Equal(d("50")))
	require.NotNil(t, item.LastRestockedAt)
}

func TestReceiveRejectsInvalidLinesWithoutWriting(t *testing.T) {
	svc, repo, _ := newTestService(t)
	_, err := svc.Receive(context.Background(), ReceiptInput{PONumber: "PO-1", Lines: []ReceiptLine{
		{ProductID: 1, Quantity: d("1"), UnitCost: d("1")},
		{ProductID: 2, Quantity: d("1"), UnitCost: d("-1")},
	}})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
	require.Empty(t, repo.items)
}

func TestManualAdjustModes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "10")

	item, err := svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("2.25"), Mode: AdjustAdd, Reason: "found", PerformedBy: "ops"})
	require.NoError(t, err)
	require.True(t, item.Quantity.Equal(d("12.25")))

	item, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("0.25"), Mode: AdjustSubtract, Reason: "trim", PerformedBy: "ops"})
	require.NoError(t, err)
	require.True(t, item.Quantity.Equal(d("12")))

	item, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("12"), Mode: AdjustSet, Reason: "count", PerformedBy: "ops"})
	require.NoError(t, err)
	require.True(t, item.Quantity.Equal(d("12")))

	movements, err := svc.ListMovements(ctx, MovementFilter{ProductID: 1})
	require.NoError(t, err)
	types := make([]MovementType, 0, len(movements))
	for _, mv := range movements {
		types = append(types, mv.Type)
	}
	require.Equal(t, []MovementType{MovementIn, MovementIn, MovementOut}, types)
	requireConsistent(t, svc, 1)
}

func TestManualAdjustGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "10")
	require.NoError(t, svc.Reserve(ctx, OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{{ProductID: 1, Quantity: d("6")}}}))

	_, err := svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("5"), Mode: AdjustSet, Reason: "count"})
	require.ErrorIs(t, err, ErrBelowReserved)
	_, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("11"), Mode: AdjustSubtract, Reason: "spoilage"})
	require.ErrorIs(t, err, ErrNegativeStock)
	_, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("1"), Mode: "double", Reason: "x"})
	require.ErrorIs(t, err, ErrInvalidMode)
	_, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("1"), Mode: AdjustAdd})
	require.ErrorIs(t, err, ErrReasonRequired)
	_, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 77, Quantity: d("1"), Mode: AdjustAdd, Reason: "x"})
	require.ErrorIs(t, err, shared.ErrNotFound)

	item := requireConsistent(t, svc, 1)
	require.True(t, item.Quantity.Equal(d("10")))
}

func TestLowStockAlertFiresAfterCommit(t *testing.T) {
	svc, _, alerts := newTestService(t)
	ctx := context.Background()
	_, err := svc.InitItem(ctx, InitInput{ProductID: 1, LowStockThreshold: 5})
	require.NoError(t, err)
	_, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("8"), Mode: AdjustAdd, Reason: "opening"})
	require.NoError(t, err)

	ref := OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{{ProductID: 1, Quantity: d("4")}}}
	require.NoError(t, svc.Reserve(ctx, ref))
	require.NoError(t, svc.ConfirmDepletion(ctx, ref))
	require.Len(t, alerts.alerts, 1)
	require.True(t, alerts.alerts[0].Available.Equal(d("4")))

	require.Error(t, svc.ConfirmDepletion(ctx, OrderRef{OrderID: 2, OrderNumber: "ORD-2", Lines: []Line{{ProductID: 1, Quantity: d("40")}}}))
	require.Len(t, alerts.alerts, 1)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "10")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()
			err := svc.Reserve(ctx, OrderRef{OrderID: orderID, OrderNumber: "ORD", Lines: []Line{{ProductID: 1, Quantity: d("1")}}})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	require.Equal(t, 10, success)
	item := requireConsistent(t, svc, 1)
	require.True(t, item.AvailableQuantity.IsZero())
}

func TestStockCardAndValuation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{PurchaseOrderID: 1, PONumber: "PO-1", Lines: []ReceiptLine{{ProductID: 1, Quantity: d("10"), UnitCost: d("100")}}})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiptInput{PurchaseOrderID: 2, PONumber: "PO-2", Lines: []ReceiptLine{{ProductID: 1, Quantity: d("10"), UnitCost: d("130")}}})
	require.NoError(t, err)
	ref := OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{{ProductID: 1, Quantity: d("5")}}}
	require.NoError(t, svc.Reserve(ctx, ref))
	require.NoError(t, svc.ConfirmDepletion(ctx, ref))

	card, err := svc.StockCard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, card, 4)
	require.True(t, card[1].AvgCost.Equal(d("115")))
	require.True(t, card[2].Reserved.Equal(d("5")))
	require.True(t, card[3].QtyOut.Equal(d("5")))
	require.True(t, card[3].Balance.Equal(d("15")))
	require.True(t, card[3].BalanceValue.Equal(d("1725")))

	rows, total, err := svc.Valuation(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, total.Equal(d("1725")))
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, shared.AuditLog) error {
	return errors.New("audit sink down")
}

func TestManualAdjustLogsAuditFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := NewService(NewMemoryRepository(memdb.New()), nil, failingAudit{}, logger)
	ctx := context.Background()
	_, err := svc.InitItem(ctx, InitInput{ProductID: 1})
	require.NoError(t, err)

	item, err := svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("4"), Mode: AdjustSet, Reason: "count", PerformedBy: "ops"})
	require.NoError(t, err)
	require.True(t, item.Quantity.Equal(d("4")))
	require.Contains(t, buf.String(), "audit record")
	require.Contains(t, buf.String(), "stock.adjust")
	require.Contains(t, buf.String(), "audit sink down")
}

func TestQuantityPrecisionIsEnforced(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, 1, "10")

	err := svc.Reserve(ctx, OrderRef{OrderID: 1, OrderNumber: "ORD-1", Lines: []Line{{ProductID: 1, Quantity: d("0.00004")}}})
	require.ErrorIs(t, err, ErrQuantityScale)
	require.ErrorIs(t, svc.CheckAvailability(ctx, []Line{{ProductID: 1, Quantity: d("1.00001")}}), ErrQuantityScale)
	_, err = svc.ManualAdjust(ctx, AdjustInput{ProductID: 1, Quantity: d("0.12345"), Mode: AdjustAdd, Reason: "x"})
	require.ErrorIs(t, err, ErrQuantityScale)
	_, err = svc.Receive(ctx, ReceiptInput{PONumber: "PO-1", Lines: []ReceiptLine{{ProductID: 2, Quantity: d("1.00001"), UnitCost: d("1")}}})
	require.ErrorIs(t, err, ErrQuantityScale)
	_, err = svc.Receive(ctx, ReceiptInput{PONumber: "PO-1", Lines: []ReceiptLine{{ProductID: 2, Quantity: d("1"), UnitCost: d("1.005")}}})
	require.ErrorIs(t, err, ErrUnitCostScale)
	_, ok := repo.items[2]
	require.False(t, ok)

	require.NoError(t, svc.Reserve(ctx, OrderRef{OrderID: 2, OrderNumber: "ORD-2", Lines: []Line{{ProductID: 1, Quantity: d("1.0004")}}}))
	item := requireConsistent(t, svc, 1)
	require.True(t, item.ReservedQuantity.Equal(d("1.0004")))
	require.True(t, item.AvailableQuantity.Equal(d("8.9996")))
}
