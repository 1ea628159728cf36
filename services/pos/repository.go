package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// InventoryStore define as operações de estoque usadas pelo checkout
type InventoryStore interface {
	BeginTx(ctx context.Context) (Tx, error)
	ReadStockAndPrice(ctx context.Context, tx Tx, productID string) (*ProductStock, error)
	// DecrementStockIfAtLeast retorna false (sem erro) quando o estoque não cobre o mínimo esperado
	DecrementStockIfAtLeast(ctx context.Context, tx Tx, productID string, amount, expectedMinimumStock int) (bool, error)
}

// SaleLedger define o livro de vendas (somente inserção)
type SaleLedger interface {
	AppendSale(ctx context.Context, tx Tx, sale *Sale) error
	ListSales(ctx context.Context, page, pageSize int) ([]Sale, int, error)
	GetSale(ctx context.Context, saleID string) (*Sale, error)
}

// CatalogRepository define o CRUD de produtos
type CatalogRepository interface {
	ListProducts(ctx context.Context, page, limit int) ([]Product, int, error)
	GetProduct(ctx context.Context, productID string) (*Product, error)
	GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]Product, error)
	CreateProduct(ctx context.Context, product *Product) error
	// UpdateProduct grava somente os campos não-nil do patch e devolve a linha resultante
	UpdateProduct(ctx context.Context, productID string, patch ProductPatch, updatedAt time.Time) (*Product, error)
	DeleteProduct(ctx context.Context, productID string) error
}

// Repository agrega todos os contratos de persistência do serviço
type Repository interface {
	InventoryStore
	SaleLedger
	CatalogRepository
	Close()
}

// PostgresRepository implementa Repository usando pgx
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository cria uma nova instância de PostgresRepository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

// Commit e Rollback usam um contexto novo: a transação precisa ser encerrada
// mesmo quando o contexto da requisição já foi cancelado.
func (t *PostgresTx) Commit() error {
	return classifyPgError(t.tx.Commit(context.Background()))
}

func (t *PostgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func pgTx(tx Tx) (pgx.Tx, error) {
	t, ok := tx.(*PostgresTx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	return t.tx, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// BeginTx inicia uma nova transação (read committed + decremento condicional)
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &PostgresTx{tx: tx}, nil
}

// ReadStockAndPrice lê preço e estoque atuais dentro da transação
func (r *PostgresRepository) ReadStockAndPrice(ctx context.Context, tx Tx, productID string) (*ProductStock, error) {
	ptx, err := pgTx(tx)
	if err != nil {
		return nil, err
	}

	var ps ProductStock
	err = ptx.QueryRow(ctx, selectStockAndPriceQuery, productID).Scan(
		&ps.ProductID,
		&ps.Name,
		&ps.SKU,
		&ps.Price,
		&ps.Stock,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to read stock for %s: %w", productID, classifyPgError(err))
	}

	return &ps, nil
}

// DecrementStockIfAtLeast executa o decremento condicional em um único UPDATE
func (r *PostgresRepository) DecrementStockIfAtLeast(ctx context.Context, tx Tx, productID string, amount, expectedMinimumStock int) (bool, error) {
	ptx, err := pgTx(tx)
	if err != nil {
		return false, err
	}

	tag, err := ptx.Exec(ctx, decrementStockIfAtLeastQuery, productID, amount, expectedMinimumStock)
	if err != nil {
		return false, fmt.Errorf("failed to decrease stock for %s: %w", productID, classifyPgError(err))
	}

	return tag.RowsAffected() == 1, nil
}

// AppendSale insere a venda e seus itens na mesma transação do estoque
func (r *PostgresRepository) AppendSale(ctx context.Context, tx Tx, sale *Sale) error {
	ptx, err := pgTx(tx)
	if err != nil {
		return err
	}

	if _, err := ptx.Exec(ctx, insertSaleQuery, sale.ID, sale.TotalAmount, sale.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert sale: %w", classifyPgError(err))
	}

	for _, item := range sale.Items {
		_, err := ptx.Exec(ctx, insertSaleItemQuery,
			item.ID,
			item.SaleID,
			item.ProductID,
			item.ProductName,
			item.SKU,
			item.Quantity,
			item.UnitPriceAtSale,
			item.Subtotal,
			item.Position,
		)
		if err != nil {
			return fmt.Errorf("failed to insert sale item for product %s: %w", item.ProductID, classifyPgError(err))
		}
	}

	return nil
}

// ListSales lista as vendas mais recentes primeiro, com itens.
// Contagem e página são lidas no mesmo snapshot.
func (r *PostgresRepository) ListSales(ctx context.Context, page, pageSize int) ([]Sale, int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	var total int
	if err := tx.QueryRow(ctx, countSalesQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sales: %w", err)
	}

	rows, err := tx.Query(ctx, selectSalesPageQuery, pageSize, pageOffset(page, pageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sales: %w", err)
	}

	sales, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Sale, error) {
		var s Sale
		err := row.Scan(&s.ID, &s.TotalAmount, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan sales: %w", err)
	}

	if err := r.loadItems(ctx, tx, sales); err != nil {
		return nil, 0, err
	}

	return sales, total, nil
}

// GetSale busca uma venda com seus itens
func (r *PostgresRepository) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	var sale Sale
	err = tx.QueryRow(ctx, selectSaleQuery, saleID).Scan(&sale.ID, &sale.TotalAmount, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSaleNotFound, saleID)
		}
		return nil, fmt.Errorf("failed to get sale: %w", err)
	}

	sales := []Sale{sale}
	if err := r.loadItems(ctx, tx, sales); err != nil {
		return nil, err
	}
	return &sales[0], nil
}

func (r *PostgresRepository) loadItems(ctx context.Context, tx pgx.Tx, sales []Sale) error {
	if len(sales) == 0 {
		return nil
	}

	ids := make([]string, len(sales))
	index := make(map[string]int, len(sales))
	for i := range sales {
		ids[i] = sales[i].ID
		index[sales[i].ID] = i
		sales[i].Items = []SaleItem{}
	}

	rows, err := tx.Query(ctx, selectSaleItemsQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to query sale items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item SaleItem
		if err := rows.Scan(
			&item.ID,
			&item.SaleID,
			&item.ProductID,
			&item.ProductName,
			&item.SKU,
			&item.Quantity,
			&item.UnitPriceAtSale,
			&item.Subtotal,
			&item.Position,
		); err != nil {
			return fmt.Errorf("failed to scan sale item: %w", err)
		}
		i := index[item.SaleID]
		sales[i].Items = append(sales[i].Items, item)
	}

	return rows.Err()
}

// ListProducts lista produtos paginados
func (r *PostgresRepository) ListProducts(ctx context.Context, page, limit int) ([]Product, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, countProductsQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	rows, err := r.pool.Query(ctx, selectProductsPageQuery, limit, pageOffset(page, limit))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query products: %w", err)
	}

	products, err := pgx.CollectRows(rows, scanPgProduct)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan products: %w", err)
	}

	return products, total, nil
}

// GetProduct busca um produto pelo ID
func (r *PostgresRepository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	rows, err := r.pool.Query(ctx, selectProductQuery, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	product, err := pgx.CollectExactlyOneRow(rows, scanPgProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return &product, nil
}

// GetProductsByIDs busca vários produtos de uma vez (somente exibição)
func (r *PostgresRepository) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, selectProductsByIDsQuery, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}

	products, err := pgx.CollectRows(rows, scanPgProduct)
	if err != nil {
		return nil, fmt.Errorf("failed to scan products: %w", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

// CreateProduct insere um novo produto
func (r *PostgresRepository) CreateProduct(ctx context.Context, product *Product) error {
	_, err := r.pool.Exec(ctx, insertProductQuery,
		product.ID, product.Name, product.SKU, product.Price, product.StockQuantity, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", classifyPgError(err))
	}
	return nil
}

// UpdateProduct atualiza os campos informados em um único UPDATE
func (r *PostgresRepository) UpdateProduct(ctx context.Context, productID string, patch ProductPatch, updatedAt time.Time) (*Product, error) {
	rows, err := r.pool.Query(ctx, updateProductQuery,
		productID, patch.Name, patch.SKU, patch.Price, patch.StockQuantity, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", classifyPgError(err))
	}

	product, err := pgx.CollectExactlyOneRow(rows, scanPgProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to update product: %w", classifyPgError(err))
	}
	return &product, nil
}

// DeleteProduct remove um produto; itens de venda mantêm seus snapshots
func (r *PostgresRepository) DeleteProduct(ctx context.Context, productID string) error {
	tag, err := r.pool.Exec(ctx, deleteProductQuery, productID)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return nil
}

func scanPgProduct(row pgx.CollectableRow) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// classifyPgError traduz SQLSTATEs conhecidos para os erros do domínio
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code, pgErr.ConstraintName, pgErr.Message, err)
	}
	return err
}

func classifySQLState(code, constraint, message string, err error) error {
	switch code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrConcurrentModification, message)
	case sqlStateCheckViolation:
		return fmt.Errorf("%w: %s: %s", ErrConstraintViolation, constraint, message)
	case sqlStateUniqueViolation:
		if constraint == skuUniqueConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateSKU, message)
		}
	}
	return err
}

// ExecSchema executa o DDL pelo protocolo simples (várias instruções)
func (r *PostgresRepository) ExecSchema(ctx context.Context, ddl string) error {
	_, err := r.pool.Exec(ctx, ddl)
	return err
}
