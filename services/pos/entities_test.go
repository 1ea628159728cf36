package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewProduct(t *testing.T) {
	// Arrange
	price := decimal.RequireFromString("12.50")

	// Act
	product := NewProduct("Coffee", "SKU-1", price, 10)

	// Assert
	if product.ID == "" {
		t.Error("Expected ID to be set")
	}
	if !product.Price.Equal(price) {
		t.Errorf("Expected Price %s, got %s", price, product.Price)
	}
	if product.StockQuantity != 10 {
		t.Errorf("Expected StockQuantity 10, got %d", product.StockQuantity)
	}
	if product.CreatedAt.IsZero() || !product.CreatedAt.Equal(product.UpdatedAt) {
		t.Error("Expected CreatedAt and UpdatedAt to be set and equal")
	}
}

func TestNewSale(t *testing.T) {
	// Arrange
	lines := []PricedLine{
		{Product: ProductStock{ProductID: "p-2", Name: "Tea", SKU: "T", Price: decimal.RequireFromString("0.10"), Stock: 9}, Quantity: 3},
		{Product: ProductStock{ProductID: "p-1", Name: "Coffee", SKU: "C", Price: decimal.RequireFromString("0.20"), Stock: 9}, Quantity: 1},
	}

	// Act
	sale := NewSale(lines)

	// Assert
	if sale.ID == "" {
		t.Error("Expected ID to be set")
	}
	if got := sale.TotalAmount.StringFixed(2); got != "0.50" {
		t.Errorf("Expected TotalAmount 0.50, got %s", got)
	}
	if !sale.TotalAmount.Equal(sale.ComputedTotal()) {
		t.Errorf("Expected TotalAmount to match ComputedTotal, got %s and %s", sale.TotalAmount, sale.ComputedTotal())
	}
	if len(sale.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(sale.Items))
	}
	if sale.Items[0].ProductID != "p-2" || sale.Items[0].Position != 0 {
		t.Errorf("Expected first item to be p-2 at position 0, got %s at %d", sale.Items[0].ProductID, sale.Items[0].Position)
	}
	for _, item := range sale.Items {
		if item.SaleID != sale.ID {
			t.Errorf("Expected item SaleID %s, got %s", sale.ID, item.SaleID)
		}
	}
	if got := sale.Items[0].Subtotal.StringFixed(2); got != "0.30" {
		t.Errorf("Expected subtotal 0.30, got %s", got)
	}
	if sale.Items[1].ProductName != "Coffee" || sale.Items[1].SKU != "C" {
		t.Error("Expected product snapshots on sale items")
	}
	if sale.TotalUnits() != 4 {
		t.Errorf("Expected 4 units, got %d", sale.TotalUnits())
	}
	if time.Since(sale.CreatedAt) > time.Second {
		t.Error("CreatedAt is not within expected time range")
	}
}

func TestAggregateCartLines(t *testing.T) {
	// Arrange
	lines := []CartLine{
		{ProductID: "b", Quantity: 2},
		{ProductID: "a", Quantity: 1},
		{ProductID: "b", Quantity: 3},
	}

	// Act
	got := AggregateCartLines(lines)

	// Assert
	if len(got) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(got))
	}
	if got[0].ProductID != "b" || got[0].Quantity != 5 {
		t.Errorf("Expected b x5 first, got %s x%d", got[0].ProductID, got[0].Quantity)
	}
	if got[1].ProductID != "a" || got[1].Quantity != 1 {
		t.Errorf("Expected a x1 second, got %s x%d", got[1].ProductID, got[1].Quantity)
	}
	if lines[0].Quantity != 2 {
		t.Error("Expected input lines to be left untouched")
	}
}

func TestNewPage(t *testing.T) {
	tests := []struct {
		total, page, size, pages int
	}{
		{0, 1, 10, 0},
		{10, 1, 10, 1},
		{11, 2, 10, 2},
		{101, 1, 100, 2},
	}

	for _, tt := range tests {
		p := NewPage(tt.total, tt.page, tt.size)
		if p.TotalPages != tt.pages {
			t.Errorf("NewPage(%d, %d, %d): expected %d pages, got %d", tt.total, tt.page, tt.size, tt.pages, p.TotalPages)
		}
	}
}

func TestTimestampsMatchStoragePrecision(t *testing.T) {
	// timestamptz guarda microssegundos: o que a resposta devolve precisa bater com a releitura
	product := NewProduct("Coffee", "SKU-1", decimal.NewFromInt(1), 1)
	sale := NewSale([]PricedLine{{Product: ProductStock{ProductID: product.ID, Price: product.Price}, Quantity: 1}})

	for name, ts := range map[string]time.Time{
		"product created_at": product.CreatedAt,
		"product updated_at": product.UpdatedAt,
		"sale created_at":    sale.CreatedAt,
	} {
		if !ts.Equal(ts.Truncate(time.Microsecond)) {
			t.Errorf("Expected %s to have microsecond precision, got %s", name, ts.Format(time.RFC3339Nano))
		}
		if ts.Location() != time.UTC {
			t.Errorf("Expected %s in UTC, got %s", name, ts.Location())
		}
	}
}
