package main

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product representa um produto do catálogo com seu estoque atual
type Product struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	SKU           string          `json:"sku" db:"sku"`
	Price         decimal.Decimal `json:"price" db:"price"`
	StockQuantity int             `json:"stockQuantity" db:"stock_quantity"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
}

// NewProduct cria uma nova instância de Product
func NewProduct(name, sku string, price decimal.Decimal, stock int) *Product {
	now := storageNow()
	return &Product{
		ID:            uuid.New().String(),
		Name:          name,
		SKU:           sku,
		Price:         price,
		StockQuantity: stock,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// storageNow devolve o instante atual na precisão do TIMESTAMPTZ (microssegundos),
// para que a resposta do POST seja igual às leituras posteriores
func storageNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ProductStock é a leitura transacional de um produto usada no checkout
type ProductStock struct {
	ProductID string
	Name      string
	SKU       string
	Price     decimal.Decimal
	Stock     int
}

// maxLineQuantity limita a quantidade de uma linha (já somada) ao int4 da coluna
const maxLineQuantity = math.MaxInt32

// CartLine é uma linha do carrinho enviada pelo terminal (não persistida)
type CartLine struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// Sale representa uma venda confirmada. Imutável depois do commit.
type Sale struct {
	ID          string          `json:"id" db:"id"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	TotalAmount decimal.Decimal `json:"totalAmount" db:"total_amount"`
	Items       []SaleItem      `json:"items"`
}

// SaleItem guarda os snapshots do produto no momento da venda
type SaleItem struct {
	ID              string          `json:"id" db:"id"`
	SaleID          string          `json:"saleId" db:"sale_id"`
	ProductID       string          `json:"productId" db:"product_id"`
	ProductName     string          `json:"productName" db:"product_name"`
	SKU             string          `json:"sku" db:"sku"`
	Quantity        int             `json:"quantity" db:"quantity"`
	UnitPriceAtSale decimal.Decimal `json:"unitPriceAtSale" db:"unit_price_at_sale"`
	Subtotal        decimal.Decimal `json:"subtotal" db:"subtotal"`
	Position        int             `json:"-" db:"position"`
}

// PricedLine é uma linha já validada contra o estoque, com o preço lido na transação
type PricedLine struct {
	Product  ProductStock
	Quantity int
}

// NewSale cria uma nova venda a partir das linhas validadas.
// Subtotais e total são calculados em ponto fixo; os itens seguem a ordem das linhas.
func NewSale(lines []PricedLine) *Sale {
	sale := &Sale{
		ID:          uuid.New().String(),
		CreatedAt:   storageNow(),
		TotalAmount: decimal.Zero,
		Items:       make([]SaleItem, 0, len(lines)),
	}

	for i, line := range lines {
		subtotal := line.Product.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		sale.Items = append(sale.Items, SaleItem{
			ID:              uuid.New().String(),
			SaleID:          sale.ID,
			ProductID:       line.Product.ProductID,
			ProductName:     line.Product.Name,
			SKU:             line.Product.SKU,
			Quantity:        line.Quantity,
			UnitPriceAtSale: line.Product.Price,
			Subtotal:        subtotal,
			Position:        i,
		})
		sale.TotalAmount = sale.TotalAmount.Add(subtotal)
	}

	return sale
}

// ComputedTotal recalcula o total a partir dos itens
func (s *Sale) ComputedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.Items {
		total = total.Add(item.UnitPriceAtSale.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// TotalUnits soma as quantidades vendidas
func (s *Sale) TotalUnits() int {
	units := 0
	for _, item := range s.Items {
		units += item.Quantity
	}
	return units
}

// AggregateCartLines soma quantidades do mesmo produto mantendo a ordem da primeira aparição
func AggregateCartLines(lines []CartLine) []CartLine {
	index := make(map[string]int, len(lines))
	out := make([]CartLine, 0, len(lines))

	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, line)
	}

	return out
}

// Page representa os metadados de uma listagem paginada
type Page struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

// NewPage calcula o número de páginas
func NewPage(total, page, pageSize int) Page {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return Page{
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
