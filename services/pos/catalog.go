package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ProductView é a visão de exibição de um produto. Não é usada para validar estoque.
type ProductView struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	SKU           string          `json:"sku"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stockQuantity"`
}

func newProductView(p Product) ProductView {
	return ProductView{
		ID:            p.ID,
		Name:          p.Name,
		SKU:           p.SKU,
		Price:         p.Price,
		StockQuantity: p.StockQuantity,
	}
}

type catalogCacheEntry struct {
	view    ProductView
	expires time.Time
}

// CatalogCache cache em memória das visões de produto, com TTL
type CatalogCache struct {
	mu      sync.RWMutex
	entries map[string]catalogCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCatalogCache cria um novo cache de catálogo
func NewCatalogCache(ttl time.Duration) *CatalogCache {
	return &CatalogCache{
		entries: make(map[string]catalogCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get devolve a visão em cache se ainda estiver válida
func (c *CatalogCache) Get(id string) (ProductView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || c.now().After(entry.expires) {
		return ProductView{}, false
	}
	return entry.view, true
}

// Put guarda uma visão no cache
func (c *CatalogCache) Put(view ProductView) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[view.ID] = catalogCacheEntry{view: view, expires: c.now().Add(c.ttl)}
}

// Invalidate remove produtos do cache
func (c *CatalogCache) Invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}

// Len devolve o número de entradas (inclusive expiradas)
func (c *CatalogCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ProductInput representa a criação de um produto
type ProductInput struct {
	Name          string           `json:"name" binding:"required"`
	SKU           string           `json:"sku" binding:"required"`
	Price         *decimal.Decimal `json:"price" binding:"required"`
	StockQuantity int              `json:"stockQuantity" binding:"min=0"`
}

// ProductPatch representa a atualização parcial de um produto.
// Campos nil não são escritos: em especial o estoque só muda quando StockQuantity é informado.
type ProductPatch struct {
	Name          *string          `json:"name"`
	SKU           *string          `json:"sku"`
	Price         *decimal.Decimal `json:"price"`
	StockQuantity *int             `json:"stockQuantity"`
}

func (p ProductPatch) trimmed() ProductPatch {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		p.Name = &name
	}
	if p.SKU != nil {
		sku := strings.TrimSpace(*p.SKU)
		p.SKU = &sku
	}
	return p
}

// applyTo devolve uma cópia do produto com o patch aplicado
func (p ProductPatch) applyTo(product Product) Product {
	if p.Name != nil {
		product.Name = *p.Name
	}
	if p.SKU != nil {
		product.SKU = *p.SKU
	}
	if p.Price != nil {
		product.Price = *p.Price
	}
	if p.StockQuantity != nil {
		product.StockQuantity = *p.StockQuantity
	}
	return product
}

// CatalogUseCase contém o CRUD do catálogo e o leitor de exibição com cache
type CatalogUseCase struct {
	repository CatalogRepository
	cache      *CatalogCache
}

// NewCatalogUseCase cria uma nova instância de CatalogUseCase
func NewCatalogUseCase(repository CatalogRepository, cache *CatalogCache) *CatalogUseCase {
	return &CatalogUseCase{
		repository: repository,
		cache:      cache,
	}
}

// GetProductsByIDs devolve as visões de exibição, consultando o banco só para os ausentes no cache
func (uc *CatalogUseCase) GetProductsByIDs(ctx context.Context, ids []string) (map[string]ProductView, error) {
	out := make(map[string]ProductView, len(ids))
	var missing []string

	for _, id := range ids {
		if view, ok := uc.cache.Get(id); ok {
			out[id] = view
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return out, nil
	}

	products, err := uc.repository.GetProductsByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	for id, p := range products {
		view := newProductView(p)
		uc.cache.Put(view)
		out[id] = view
	}
	return out, nil
}

// Invalidate descarta as visões em cache dos produtos informados
func (uc *CatalogUseCase) Invalidate(ids ...string) {
	uc.cache.Invalidate(ids...)
}

// ListProducts lista produtos paginados
func (uc *CatalogUseCase) ListProducts(ctx context.Context, page, limit int) ([]Product, Page, error) {
	if page < 1 || limit < 1 {
		return nil, Page{}, fmt.Errorf("%w: page and limit must be >= 1", ErrValidation)
	}
	limit = min(limit, maxPageSize)

	products, total, err := uc.repository.ListProducts(ctx, page, limit)
	if err != nil {
		return nil, Page{}, fmt.Errorf("failed to list products: %w", err)
	}
	return products, NewPage(total, page, limit), nil
}

// GetProduct busca um produto pelo ID
func (uc *CatalogUseCase) GetProduct(ctx context.Context, id string) (*Product, error) {
	return uc.repository.GetProduct(ctx, id)
}

// CreateProduct valida e cria um produto
func (uc *CatalogUseCase) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	if in.Price == nil {
		return nil, fmt.Errorf("%w: price is required", ErrValidation)
	}
	name := strings.TrimSpace(in.Name)
	sku := strings.TrimSpace(in.SKU)
	if err := validateProduct(name, sku, *in.Price, in.StockQuantity); err != nil {
		return nil, err
	}

	product := NewProduct(name, sku, *in.Price, in.StockQuantity)
	if err := uc.repository.CreateProduct(ctx, product); err != nil {
		return nil, err
	}

	log.Printf("✅ [CATALOG] Product created: ID=%s | SKU=%s", product.ID, product.SKU)
	return product, nil
}

// UpdateProduct aplica uma atualização parcial.
// Só os campos informados são gravados, então um checkout concorrente não tem
// seu decremento sobrescrito. Vendas já registradas não mudam: os itens guardam snapshots.
func (uc *CatalogUseCase) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (*Product, error) {
	current, err := uc.repository.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	patch = patch.trimmed()
	merged := patch.applyTo(*current)
	if err := validateProduct(merged.Name, merged.SKU, merged.Price, merged.StockQuantity); err != nil {
		return nil, err
	}

	product, err := uc.repository.UpdateProduct(ctx, id, patch, storageNow())
	if err != nil {
		return nil, err
	}
	uc.cache.Invalidate(id)

	log.Printf("✅ [CATALOG] Product updated: ID=%s", id)
	return product, nil
}

// DeleteProduct remove um produto do catálogo
func (uc *CatalogUseCase) DeleteProduct(ctx context.Context, id string) error {
	if err := uc.repository.DeleteProduct(ctx, id); err != nil {
		return err
	}
	uc.cache.Invalidate(id)

	log.Printf("🗑️ [CATALOG] Product deleted: ID=%s", id)
	return nil
}

func validateProduct(name, sku string, price decimal.Decimal, stock int) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case sku == "":
		return fmt.Errorf("%w: sku is required", ErrValidation)
	case price.IsNegative():
		return fmt.Errorf("%w: price must be >= 0", ErrValidation)
	case !price.Equal(price.Round(2)):
		return fmt.Errorf("%w: price must have at most 2 decimal places", ErrValidation)
	case stock < 0:
		return fmt.Errorf("%w: stockQuantity must be >= 0", ErrValidation)
	}
	return nil
}
