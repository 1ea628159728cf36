package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SQLRepository implementa Repository sobre database/sql com o driver lib/pq.
// Mesmas queries e mesma semântica do PostgresRepository.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository cria uma nova instância de SQLRepository
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// SQLTx implementa a interface Tx
type SQLTx struct {
	tx *sql.Tx
}

func (t *SQLTx) Commit() error {
	return classifyPqError(t.tx.Commit())
}

func (t *SQLTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func sqlTx(tx Tx) (*sql.Tx, error) {
	t, ok := tx.(*SQLTx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	return t.tx, nil
}

func (r *SQLRepository) Close() {
	_ = r.db.Close()
}

// BeginTx inicia uma nova transação
func (r *SQLRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &SQLTx{tx: tx}, nil
}

// ReadStockAndPrice lê preço e estoque atuais dentro da transação
func (r *SQLRepository) ReadStockAndPrice(ctx context.Context, tx Tx, productID string) (*ProductStock, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, err
	}

	var ps ProductStock
	err = stx.QueryRowContext(ctx, selectStockAndPriceQuery, productID).Scan(
		&ps.ProductID,
		&ps.Name,
		&ps.SKU,
		&ps.Price,
		&ps.Stock,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to read stock for %s: %w", productID, classifyPqError(err))
	}

	return &ps, nil
}

// DecrementStockIfAtLeast executa o decremento condicional em um único UPDATE
func (r *SQLRepository) DecrementStockIfAtLeast(ctx context.Context, tx Tx, productID string, amount, expectedMinimumStock int) (bool, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return false, err
	}

	res, err := stx.ExecContext(ctx, decrementStockIfAtLeastQuery, productID, amount, expectedMinimumStock)
	if err != nil {
		return false, fmt.Errorf("failed to decrease stock for %s: %w", productID, classifyPqError(err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// AppendSale insere a venda e seus itens na mesma transação do estoque
func (r *SQLRepository) AppendSale(ctx context.Context, tx Tx, sale *Sale) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return err
	}

	if _, err := stx.ExecContext(ctx, insertSaleQuery, sale.ID, sale.TotalAmount, sale.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert sale: %w", classifyPqError(err))
	}

	for _, item := range sale.Items {
		_, err := stx.ExecContext(ctx, insertSaleItemQuery,
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
			return fmt.Errorf("failed to insert sale item for product %s: %w", item.ProductID, classifyPqError(err))
		}
	}

	return nil
}

// ListSales lista as vendas mais recentes primeiro, com itens
func (r *SQLRepository) ListSales(ctx context.Context, page, pageSize int) ([]Sale, int, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, countSalesQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sales: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectSalesPageQuery, pageSize, pageOffset(page, pageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sales: %w", err)
	}

	sales := []Sale{}
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.TotalAmount, &s.CreatedAt); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan sale: %w", err)
		}
		sales = append(sales, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sales: %w", err)
	}

	if err := r.loadItems(ctx, tx, sales); err != nil {
		return nil, 0, err
	}

	return sales, total, nil
}

// GetSale busca uma venda com seus itens
func (r *SQLRepository) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	var sale Sale
	err = tx.QueryRowContext(ctx, selectSaleQuery, saleID).Scan(&sale.ID, &sale.TotalAmount, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (r *SQLRepository) loadItems(ctx context.Context, tx *sql.Tx, sales []Sale) error {
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

	rows, err := tx.QueryContext(ctx, selectSaleItemsQuery, pq.Array(ids))
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
func (r *SQLRepository) ListProducts(ctx context.Context, page, limit int) ([]Product, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, countProductsQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, selectProductsPageQuery, limit, pageOffset(page, limit))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products, err := scanSQLProducts(rows)
	if err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

// GetProduct busca um produto pelo ID
func (r *SQLRepository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var p Product
	err := r.db.QueryRowContext(ctx, selectProductQuery, productID).
		Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

// GetProductsByIDs busca vários produtos de uma vez (somente exibição)
func (r *SQLRepository) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, selectProductsByIDsQuery, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products, err := scanSQLProducts(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

// CreateProduct insere um novo produto
func (r *SQLRepository) CreateProduct(ctx context.Context, product *Product) error {
	_, err := r.db.ExecContext(ctx, insertProductQuery,
		product.ID, product.Name, product.SKU, product.Price, product.StockQuantity, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", classifyPqError(err))
	}
	return nil
}

// UpdateProduct atualiza os campos informados em um único UPDATE
func (r *SQLRepository) UpdateProduct(ctx context.Context, productID string, patch ProductPatch, updatedAt time.Time) (*Product, error) {
	var p Product
	err := r.db.QueryRowContext(ctx, updateProductQuery,
		productID, patch.Name, patch.SKU, patch.Price, patch.StockQuantity, updatedAt).
		Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to update product: %w", classifyPqError(err))
	}
	return &p, nil
}

// DeleteProduct remove um produto; itens de venda mantêm seus snapshots
func (r *SQLRepository) DeleteProduct(ctx context.Context, productID string) error {
	res, err := r.db.ExecContext(ctx, deleteProductQuery, productID)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return nil
}

func scanSQLProducts(rows *sql.Rows) ([]Product, error) {
	out := []Product{}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return out, nil
}

// classifyPqError traduz erros do lib/pq para os erros do domínio
func classifyPqError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code), pqErr.Constraint, pqErr.Message, err)
	}
	return err
}

// ExecSchema executa o DDL do serviço
func (r *SQLRepository) ExecSchema(ctx context.Context, ddl string) error {
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}
