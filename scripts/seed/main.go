package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/app"
	"github.com/meatcart/meatcart/internal/catalog"
	"github.com/meatcart/meatcart/internal/procurement"
	"github.com/meatcart/meatcart/internal/shared"
)

type seedProduct struct {
	name      string
	sku       string
	price     string
	cost      string
	threshold int
	opening   int64
}

var products = []seedProduct{
	{name: "Beef Ribeye", sku: "BEEF-RIBEYE", price: "38.00", cost: "24.00", threshold: 5, opening: 40},
	{name: "Beef Brisket", sku: "BEEF-BRISKET", price: "22.50", cost: "13.00", threshold: 5, opening: 30},
	{name: "Lamb Shoulder", sku: "LAMB-SHOULDER", price: "19.00", cost: "11.50", threshold: 4, opening: 25},
	{name: "Chicken Thigh", sku: "CHICKEN-THIGH", price: "8.90", cost: "4.20", threshold: 10, opening: 80},
	{name: "Pork Belly", sku: "PORK-BELLY", price: "14.00", cost: "8.00", threshold: 6, opening: 35},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init services: %v", err)
	}
	defer container.Close()

	fmt.Println("→ Seeding products...")
	created, err := seedProducts(ctx, container.Catalog)
	if err != nil {
		log.Fatalf("seed products: %v", err)
	}

	fmt.Println("→ Receiving opening purchase order...")
	if err := seedOpeningStock(ctx, container.Procurement, created); err != nil {
		log.Fatalf("seed opening stock: %v", err)
	}

	fmt.Println("✓ Seed complete")
}

func seedProducts(ctx context.Context, svc *catalog.Service) (map[string]catalog.Product, error) {
	out := make(map[string]catalog.Product, len(products))
	for _, p := range products {
		saved, err := svc.Upsert(ctx, catalog.ProductInput{
			Name:              p.name,
			SKU:               p.sku,
			Price:             decimal.RequireFromString(p.price),
			LowStockThreshold: p.threshold,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.sku, err)
		}
		out[p.sku] = saved
	}
	return out, nil
}

func seedOpeningStock(ctx context.Context, svc *procurement.Service, created map[string]catalog.Product) error {
	lines := make([]procurement.LineInput, 0, len(products))
	for _, p := range products {
		lines = append(lines, procurement.LineInput{
			ProductID: created[p.sku].ID,
			Quantity:  decimal.NewFromInt(p.opening),
			UnitCost:  decimal.RequireFromString(p.cost),
		})
	}
	po, err := svc.CreatePurchaseOrder(ctx, procurement.CreateInput{
		Number:     "PO-SEED-0001",
		SupplierID: 1,
		Notes:      "opening stock",
		CreatedBy:  "seed",
		Lines:      lines,
	})
	if errors.Is(err, shared.ErrConflict) {
		fmt.Println("  opening purchase order already present, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	for _, step := range []func(context.Context, int64, string) (procurement.PurchaseOrder, error){
		svc.SubmitPurchaseOrder, svc.ApprovePurchaseOrder, svc.MarkOrdered,
	} {
		if po, err = step(ctx, po.ID, "seed"); err != nil {
			return err
		}
	}
	receipt := procurement.ReceiveInput{PurchaseOrderID: po.ID, BatchID: "seed-opening", PerformedBy: "seed"}
	for _, line := range po.Lines {
		receipt.Lines = append(receipt.Lines, procurement.ReceiveLine{LineID: line.ID, ReceivedQty: line.Quantity})
	}
	_, err = svc.ReceiveItems(ctx, receipt)
	return err
}
