package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository implementa Repository em memória (desenvolvimento e testes).
// A transação acumula decrementos e vendas sem tocar no estado compartilhado;
// o Commit reavalia cada condição e aplica tudo de uma vez sob o mutex, ou nada.
type MemoryRepository struct {
	mu       sync.Mutex
	products map[string]*Product
	skus     map[string]string
	sales    []Sale
}

// NewMemoryRepository cria uma nova instância de MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products: make(map[string]*Product),
		skus:     make(map[string]string),
	}
}

type pendingDecrement struct {
	productID string
	amount    int
	minimum   int
}

// MemoryTx implementa a interface Tx
type MemoryTx struct {
	repo       *MemoryRepository
	decrements []pendingDecrement
	pending    map[string]int
	staged     []Sale
	done       bool
}

// Commit reaplica as condições contra o estoque confirmado.
// Se algum produto mudou desde o decremento, nada é aplicado.
func (t *MemoryTx) Commit() error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true

	remaining := make(map[string]int, len(t.pending))
	for _, d := range t.decrements {
		p, ok := t.repo.products[d.productID]
		if !ok {
			return fmt.Errorf("%w: product %s removed before commit", ErrConcurrentModification, d.productID)
		}
		stock, seen := remaining[d.productID]
		if !seen {
			stock = p.StockQuantity
		}
		if stock < max(d.amount, d.minimum) {
			return fmt.Errorf("%w: stock for %s changed before commit", ErrConcurrentModification, d.productID)
		}
		remaining[d.productID] = stock - d.amount
	}

	now := storageNow()
	for id, stock := range remaining {
		p := t.repo.products[id]
		p.StockQuantity = stock
		p.UpdatedAt = now
	}
	t.repo.sales = append(t.repo.sales, t.staged...)
	return nil
}

func (t *MemoryTx) Rollback() error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	if t.done {
		return nil
	}
	t.done = true
	t.decrements = nil
	t.pending = nil
	t.staged = nil
	return nil
}

func memTx(tx Tx) (*MemoryTx, error) {
	t, ok := tx.(*MemoryTx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	if t.done {
		return nil, fmt.Errorf("transaction already closed")
	}
	return t, nil
}

func (r *MemoryRepository) Close() {}

// BeginTx inicia uma nova transação
func (r *MemoryRepository) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &MemoryTx{repo: r, pending: make(map[string]int)}, nil
}

// ReadStockAndPrice lê preço e estoque confirmados, descontando o que a própria transação já reservou
func (r *MemoryRepository) ReadStockAndPrice(ctx context.Context, tx Tx, productID string) (*ProductStock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mtx, err := memTx(tx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return &ProductStock{
		ProductID: p.ID,
		Name:      p.Name,
		SKU:       p.SKU,
		Price:     p.Price,
		Stock:     p.StockQuantity - mtx.pending[productID],
	}, nil
}

// DecrementStockIfAtLeast reserva o decremento na transação se o estoque cobre o mínimo esperado.
// Outras transações só enxergam a mudança depois do Commit.
func (r *MemoryRepository) DecrementStockIfAtLeast(ctx context.Context, tx Tx, productID string, amount, expectedMinimumStock int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	mtx, err := memTx(tx)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return false, nil
	}

	minimum := max(amount, expectedMinimumStock)
	if p.StockQuantity-mtx.pending[productID] < minimum {
		return false, nil
	}

	mtx.pending[productID] += amount
	mtx.decrements = append(mtx.decrements, pendingDecrement{productID: productID, amount: amount, minimum: minimum})
	return true, nil
}

// AppendSale prepara a venda para ser publicada no commit
func (r *MemoryRepository) AppendSale(ctx context.Context, tx Tx, sale *Sale) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mtx, err := memTx(tx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	mtx.staged = append(mtx.staged, copySale(*sale))
	return nil
}

// ListSales lista as vendas mais recentes primeiro
func (r *MemoryRepository) ListSales(ctx context.Context, page, pageSize int) ([]Sale, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	r.mu.Lock()
	ordered := make([]Sale, len(r.sales))
	copy(ordered, r.sales)
	r.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID > ordered[j].ID
		}
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	total := len(ordered)
	start := min(pageOffset(page, pageSize), total)
	end := min(start+pageSize, total)

	out := make([]Sale, 0, end-start)
	for _, s := range ordered[start:end] {
		out = append(out, copySale(s))
	}
	return out, total, nil
}

// GetSale busca uma venda pelo ID
func (r *MemoryRepository) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sales {
		if s.ID == saleID {
			sale := copySale(s)
			return &sale, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSaleNotFound, saleID)
}

// ListProducts lista produtos paginados, mais recentes primeiro
func (r *MemoryRepository) ListProducts(ctx context.Context, page, limit int) ([]Product, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	r.mu.Lock()
	all := make([]Product, 0, len(r.products))
	for _, p := range r.products {
		all = append(all, *p)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := min(pageOffset(page, limit), total)
	end := min(start+limit, total)
	return all[start:end], total, nil
}

// GetProduct busca um produto pelo ID
func (r *MemoryRepository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	out := *p
	return &out, nil
}

// GetProductsByIDs busca vários produtos de uma vez
func (r *MemoryRepository) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := r.products[id]; ok {
			out[id] = *p
		}
	}
	return out, nil
}

// CreateProduct insere um novo produto
func (r *MemoryRepository) CreateProduct(ctx context.Context, product *Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.skus[product.SKU]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateSKU, product.SKU)
	}
	p := *product
	r.products[p.ID] = &p
	r.skus[p.SKU] = p.ID
	return nil
}

// UpdateProduct aplica somente os campos informados
func (r *MemoryRepository) UpdateProduct(ctx context.Context, productID string, patch ProductPatch, updatedAt time.Time) (*Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if patch.SKU != nil {
		if owner, taken := r.skus[*patch.SKU]; taken && owner != productID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSKU, *patch.SKU)
		}
	}
	if patch.StockQuantity != nil && *patch.StockQuantity < 0 {
		return nil, fmt.Errorf("%w: stock_quantity must be >= 0", ErrConstraintViolation)
	}

	delete(r.skus, current.SKU)
	*current = patch.applyTo(*current)
	current.UpdatedAt = updatedAt
	r.skus[current.SKU] = current.ID

	out := *current
	return &out, nil
}

// DeleteProduct remove um produto; vendas existentes não são afetadas
func (r *MemoryRepository) DeleteProduct(ctx context.Context, productID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	delete(r.skus, p.SKU)
	delete(r.products, productID)
	return nil
}

func copySale(s Sale) Sale {
	items := make([]SaleItem, len(s.Items))
	copy(items, s.Items)
	s.Items = items
	return s
}
