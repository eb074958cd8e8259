package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CardEntry is one row of a product stock card.
type CardEntry struct {
	MovementID   int64           `json:"movement_id"`
	Type         MovementType    `json:"type"`
	At           time.Time       `json:"at"`
	QtyIn        decimal.Decimal `json:"qty_in"`
	QtyOut       decimal.Decimal `json:"qty_out"`
	Balance      decimal.Decimal `json:"balance"`
	Reserved     decimal.Decimal `json:"reserved"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	BalanceValue decimal.Decimal `json:"balance_value"`
	Reason       string          `json:"reason"`
}

// Valuation is the moving-average value of a product on hand.
type Valuation struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	Value     decimal.Decimal `json:"value"`
}

// ReplayState is the result of folding a movement log from zero.
type ReplayState struct {
	Quantity decimal.Decimal
	Reserved decimal.Decimal
	AvgCost  decimal.Decimal
}

// Apply folds one movement into the state and returns the unit cost used.
func (st *ReplayState) Apply(mv Movement) decimal.Decimal {
	cost := st.AvgCost
	switch mv.Type {
	case MovementIn:
		if mv.UnitCost.Valid {
			cost = mv.UnitCost.Decimal
		}
		total := st.Quantity.Mul(st.AvgCost).Add(mv.Quantity.Mul(cost))
		st.Quantity = st.Quantity.Add(mv.Quantity)
		if st.Quantity.IsPositive() {
			st.AvgCost = total.DivRound(st.Quantity, 4)
		}
	case MovementOut:
		st.Quantity = st.Quantity.Sub(mv.Quantity)
		if mv.ReferenceType == ReferenceOrder {
			st.Reserved = decimal.Max(decimal.Zero, st.Reserved.Sub(mv.Quantity))
		}
		if !st.Quantity.IsPositive() {
			st.AvgCost = decimal.Zero
		}
	case MovementAdjustment:
		st.Quantity = st.Quantity.Add(mv.Delta())
	case MovementReserved:
		st.Reserved = st.Reserved.Add(mv.Quantity)
	case MovementReleased:
		st.Reserved = decimal.Max(decimal.Zero, st.Reserved.Sub(mv.Quantity))
	}
	return cost
}

// Replay folds movements in order starting from an empty product.
func Replay(movements []Movement) ReplayState {
	st := ReplayState{Quantity: decimal.Zero, Reserved: decimal.Zero, AvgCost: decimal.Zero}
	for _, mv := range movements {
		st.Apply(mv)
	}
	return st
}

// StockCard rebuilds the running balance of a product from its movements.
func (s *Service) StockCard(ctx context.Context, productID int64) ([]CardEntry, error) {
	movements, err := s.repo.ListMovements(ctx, MovementFilter{ProductID: productID})
	if err != nil {
		return nil, err
	}
	st := ReplayState{Quantity: decimal.Zero, Reserved: decimal.Zero, AvgCost: decimal.Zero}
	entries := make([]CardEntry, 0, len(movements))
	for _, mv := range movements {
		cost := st.Apply(mv)
		entry := CardEntry{
			MovementID:   mv.ID,
			Type:         mv.Type,
			At:           mv.CreatedAt,
			QtyIn:        decimal.Zero,
			QtyOut:       decimal.Zero,
			Balance:      st.Quantity,
			Reserved:     st.Reserved,
			UnitCost:     cost,
			AvgCost:      st.AvgCost,
			BalanceValue: st.Quantity.Mul(st.AvgCost).Round(2),
			Reason:       mv.Reason,
		}
		switch mv.Type {
		case MovementIn:
			entry.QtyIn = mv.Quantity
		case MovementOut:
			entry.QtyOut = mv.Quantity
		case MovementAdjustment:
			if d := mv.Delta(); d.IsPositive() {
				entry.QtyIn = d
			} else {
				entry.QtyOut = d.Abs()
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Valuation values every product on hand at moving-average cost.
func (s *Service) Valuation(ctx context.Context) ([]Valuation, decimal.Decimal, error) {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	total := decimal.Zero
	out := make([]Valuation, 0, len(items))
	for _, item := range items {
		movements, err := s.repo.ListMovements(ctx, MovementFilter{ProductID: item.ProductID})
		if err != nil {
			return nil, decimal.Zero, err
		}
		st := Replay(movements)
		v := Valuation{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			AvgCost:   st.AvgCost,
			Value:     item.Quantity.Mul(st.AvgCost).Round(2),
		}
		total = total.Add(v.Value)
		out = append(out, v)
	}
	return out, total, nil
}
