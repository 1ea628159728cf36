package main

// Queries compartilhadas entre os repositórios pgx e database/sql.
const (
	selectStockAndPriceQuery = `
		SELECT id, name, sku, price, stock_quantity
		FROM products
		WHERE id = $1
	`

	// Decremento condicional: só aplica se o estoque atual ainda cobre o mínimo esperado.
	// Avaliado atomicamente pelo Postgres, sem lock pessimista.
	decrementStockIfAtLeastQuery = `
		UPDATE products
		SET stock_quantity = stock_quantity - $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND stock_quantity >= GREATEST($2::int, $3::int)
	`

	insertSaleQuery = `
		INSERT INTO sales (id, total_amount, created_at)
		VALUES ($1, $2, $3)
	`

	insertSaleItemQuery = `
		INSERT INTO sale_items (id, sale_id, product_id, product_name, sku, quantity, unit_price_at_sale, subtotal, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	countSalesQuery = `SELECT COUNT(*) FROM sales`

	selectSalesPageQuery = `
		SELECT id, total_amount, created_at
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`

	selectSaleQuery = `
		SELECT id, total_amount, created_at
		FROM sales
		WHERE id = $1
	`

	selectSaleItemsQuery = `
		SELECT id, sale_id, product_id, product_name, sku, quantity, unit_price_at_sale, subtotal, position
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`

	countProductsQuery = `SELECT COUNT(*) FROM products`

	selectProductsPageQuery = `
		SELECT id, name, sku, price, stock_quantity, created_at, updated_at
		FROM products
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`

	selectProductQuery = `
		SELECT id, name, sku, price, stock_quantity, created_at, updated_at
		FROM products
		WHERE id = $1
	`

	selectProductsByIDsQuery = `
		SELECT id, name, sku, price, stock_quantity, created_at, updated_at
		FROM products
		WHERE id = ANY($1)
	`

	insertProductQuery = `
		INSERT INTO products (id, name, sku, price, stock_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	// Atualização parcial: parâmetros NULL mantêm o valor atual da coluna.
	// O estoque só é sobrescrito quando informado explicitamente.
	updateProductQuery = `
		UPDATE products
		SET name = COALESCE($2, name),
		    sku = COALESCE($3, sku),
		    price = COALESCE($4, price),
		    stock_quantity = COALESCE($5, stock_quantity),
		    updated_at = $6
		WHERE id = $1
		RETURNING id, name, sku, price, stock_quantity, created_at, updated_at
	`

	deleteProductQuery = `DELETE FROM products WHERE id = $1`
)

// Códigos SQLSTATE do Postgres tratados pelos repositórios
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
	sqlStateCheckViolation       = "23514"

	skuUniqueConstraint = "products_sku_key"
)

// pageOffset converte página/tamanho em OFFSET
func pageOffset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}
