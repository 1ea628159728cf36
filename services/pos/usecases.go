package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxPageSize     = 100
	defaultPageSize = 10
)

// CheckoutConfig controla timeout e política de retry do checkout
type CheckoutConfig struct {
	// MaxAttempts limita as tentativas em caso de ConcurrentModification
	MaxAttempts    int
	Timeout        time.Duration
	RetryAfter     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultCheckoutConfig devolve a configuração padrão
func DefaultCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		MaxAttempts:    3,
		Timeout:        5 * time.Second,
		RetryAfter:     time.Second,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
	}
}

type checkoutMetrics struct {
	checkouts metric.Int64Counter
	retries   metric.Int64Counter
	unitsSold metric.Int64Counter
	duration  metric.Float64Histogram
}

func newCheckoutMetrics(meter metric.Meter) (*checkoutMetrics, error) {
	checkouts, err := meter.Int64Counter("pos_checkout_total",
		metric.WithDescription("Checkouts by outcome"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("pos_checkout_retries_total",
		metric.WithDescription("Checkout attempts retried after a concurrent modification"))
	if err != nil {
		return nil, err
	}
	unitsSold, err := meter.Int64Counter("pos_stock_units_sold_total",
		metric.WithDescription("Stock units decremented by committed sales"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("pos_checkout_duration_ms",
		metric.WithDescription("Checkout latency including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &checkoutMetrics{
		checkouts: checkouts,
		retries:   retries,
		unitsSold: unitsSold,
		duration:  duration,
	}, nil
}

// CheckoutUseCase é o coordenador da transação de venda:
// valida o carrinho, decrementa o estoque e grava a venda como uma unidade atômica.
type CheckoutUseCase struct {
	inventory InventoryStore
	ledger    SaleLedger
	tracer    trace.Tracer
	metrics   *checkoutMetrics
	cfg       CheckoutConfig
}

// NewCheckoutUseCase cria uma nova instância de CheckoutUseCase
func NewCheckoutUseCase(
	inventory InventoryStore,
	ledger SaleLedger,
	tracer trace.Tracer,
	meter metric.Meter,
	cfg CheckoutConfig,
) (*CheckoutUseCase, error) {
	metrics, err := newCheckoutMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout metrics: %w", err)
	}

	defaults := DefaultCheckoutConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaults.RetryAfter
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(defaults.MaxBackoff, cfg.InitialBackoff)
	}

	return &CheckoutUseCase{
		inventory: inventory,
		ledger:    ledger,
		tracer:    tracer,
		metrics:   metrics,
		cfg:       cfg,
	}, nil
}

// Checkout converte o carrinho em uma venda confirmada ou devolve um *CheckoutError.
// ConcurrentModification é refeito do zero (nova leitura) até MaxAttempts vezes.
func (uc *CheckoutUseCase) Checkout(ctx context.Context, lines []CartLine) (*Sale, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout")
	defer span.End()
	started := time.Now()

	if err := validateCart(lines); err != nil {
		uc.record(ctx, span, started, nil, err)
		return nil, err
	}

	cart := AggregateCartLines(lines)
	span.SetAttributes(
		attribute.Int("cart.lines", len(lines)),
		attribute.Int("cart.products", len(cart)),
	)
	log.Printf("➡️ [CHECKOUT] Products: %d | Lines: %d", len(cart), len(lines))

	attempt := 0
	sale, err := backoff.Retry(ctx, func() (*Sale, error) {
		attempt++
		sale, err := uc.attempt(ctx, cart, attempt)
		if err == nil {
			return sale, nil
		}
		if errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(uc.newBackOff()),
		backoff.WithMaxTries(uint(uc.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			uc.metrics.retries.Add(ctx, 1)
			log.Printf("🔁 [CHECKOUT] Retrying in %s after attempt %d: %v", next, attempt, err)
		}),
	)

	if err != nil {
		if _, ok := AsCheckoutError(err); !ok {
			// contexto cancelado/expirado entre tentativas
			err = newStoreUnavailableError(err, uc.cfg.RetryAfter)
		}
		log.Printf("❌ [CHECKOUT] FAILED after %d attempt(s): %v", attempt, err)
		uc.record(ctx, span, started, nil, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("sale_id", sale.ID),
		attribute.Int("checkout.attempts", attempt),
	)
	log.Printf("✅ [CHECKOUT] Success: SaleID=%s | Total=%s | Attempts=%d", sale.ID, sale.TotalAmount.StringFixed(2), attempt)
	uc.record(ctx, span, started, sale, nil)
	return sale, nil
}

// attempt executa uma tentativa completa dentro de uma única transação
func (uc *CheckoutUseCase) attempt(ctx context.Context, cart []CartLine, n int) (*Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.Timeout)
	defer cancel()

	ctx, span := uc.tracer.Start(ctx, "checkout.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", n))

	// 1. Inicia a transação
	tx, err := uc.inventory.BeginTx(ctx)
	if err != nil {
		return nil, uc.storeError(err)
	}
	defer tx.Rollback()

	// 2. Lê estoque e preço atuais de cada produto
	priced := make([]PricedLine, 0, len(cart))
	var failures []LineError
	for _, line := range cart {
		stock, err := uc.inventory.ReadStockAndPrice(ctx, tx, line.ProductID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				failures = append(failures, LineError{
					ProductID: line.ProductID,
					Reason:    KindNotFound,
					Requested: line.Quantity,
				})
				continue
			}
			return nil, uc.storeError(err)
		}

		// 3. Regra de Negócio: verifica estoque
		if stock.Stock < line.Quantity {
			failures = append(failures, LineError{
				ProductID: line.ProductID,
				Reason:    KindInsufficientStock,
				Requested: line.Quantity,
				Available: stock.Stock,
			})
			continue
		}
		priced = append(priced, PricedLine{Product: *stock, Quantity: line.Quantity})
	}

	if len(failures) > 0 {
		return nil, rejectionError(failures)
	}

	// 4. Decremento condicional, em ordem de ID para evitar deadlock entre checkouts
	ordered := make([]PricedLine, len(priced))
	copy(ordered, priced)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Product.ProductID < ordered[j].Product.ProductID
	})
	for _, line := range ordered {
		ok, err := uc.inventory.DecrementStockIfAtLeast(ctx, tx, line.Product.ProductID, line.Quantity, line.Quantity)
		if err != nil {
			return nil, uc.storeError(err)
		}
		if !ok {
			log.Printf("⚠️ [CHECKOUT] Stock changed concurrently | ProductID=%s | Attempt=%d", line.Product.ProductID, n)
			return nil, newConcurrentModificationError(line.Product.ProductID, nil)
		}
	}

	// 5. Monta e grava a venda na mesma transação
	sale := NewSale(priced)
	if err := uc.ledger.AppendSale(ctx, tx, sale); err != nil {
		return nil, uc.storeError(err)
	}

	// 6. Commit da transação
	if err := tx.Commit(); err != nil {
		return nil, uc.storeError(err)
	}

	return sale, nil
}

func (uc *CheckoutUseCase) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.InitialBackoff
	b.MaxInterval = uc.cfg.MaxBackoff
	return b
}

// storeError classifica falhas de armazenamento
func (uc *CheckoutUseCase) storeError(err error) error {
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return newConcurrentModificationError("", err)
	case errors.Is(err, ErrProductNotFound):
		return &CheckoutError{Kind: KindNotFound, Err: err}
	case errors.Is(err, ErrConstraintViolation):
		return &CheckoutError{Kind: KindValidation, Err: err}
	default:
		return newStoreUnavailableError(err, uc.cfg.RetryAfter)
	}
}

func (uc *CheckoutUseCase) record(ctx context.Context, span trace.Span, started time.Time, sale *Sale, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(KindStoreUnavailable)
		if ce, ok := AsCheckoutError(err); ok {
			outcome = string(ce.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	uc.metrics.checkouts.Add(ctx, 1, attrs)
	uc.metrics.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	if sale != nil {
		uc.metrics.unitsSold.Add(ctx, int64(sale.TotalUnits()))
	}
}

// validateCart rejeita carrinhos malformados antes de tocar no banco
func validateCart(lines []CartLine) error {
	if len(lines) == 0 {
		return newValidationError(LineError{Reason: KindValidation, Message: "cart must contain at least one item"})
	}

	var problems []LineError
	for _, line := range lines {
		switch {
		case line.ProductID == "":
			problems = append(problems, LineError{Reason: KindValidation, Requested: line.Quantity, Message: "productId is required"})
		case line.Quantity <= 0:
			problems = append(problems, LineError{
				ProductID: line.ProductID,
				Reason:    KindValidation,
				Requested: line.Quantity,
				Message:   fmt.Sprintf("quantity for product %s must be greater than zero", line.ProductID),
			})
		case line.Quantity > maxLineQuantity:
			problems = append(problems, quantityTooLarge(line.ProductID, line.Quantity))
		}
	}
	if len(problems) > 0 {
		return newValidationError(problems...)
	}

	// cada linha cabe em int4, então a soma por produto não transborda antes da comparação
	totals := make(map[string]int, len(lines))
	for _, line := range lines {
		before := totals[line.ProductID]
		totals[line.ProductID] += line.Quantity
		if before <= maxLineQuantity && totals[line.ProductID] > maxLineQuantity {
			problems = append(problems, quantityTooLarge(line.ProductID, totals[line.ProductID]))
		}
	}
	if len(problems) > 0 {
		return newValidationError(problems...)
	}
	return nil
}

func quantityTooLarge(productID string, quantity int) LineError {
	return LineError{
		ProductID: productID,
		Reason:    KindValidation,
		Requested: quantity,
		Message:   fmt.Sprintf("quantity for product %s must not exceed %d", productID, maxLineQuantity),
	}
}

// rejectionError monta o erro com todas as linhas recusadas.
// NotFound prevalece sobre InsufficientStock no tipo geral.
func rejectionError(failures []LineError) *CheckoutError {
	kind := KindInsufficientStock
	for _, f := range failures {
		if f.Reason == KindNotFound {
			kind = KindNotFound
			break
		}
	}
	return &CheckoutError{Kind: kind, Lines: failures}
}

// SalesUseCase contém as consultas do histórico de vendas
type SalesUseCase struct {
	ledger SaleLedger
}

// NewSalesUseCase cria uma nova instância de SalesUseCase
func NewSalesUseCase(ledger SaleLedger) *SalesUseCase {
	return &SalesUseCase{ledger: ledger}
}

// ListSales devolve uma página do histórico, mais recentes primeiro
func (uc *SalesUseCase) ListSales(ctx context.Context, page, pageSize int) ([]Sale, Page, error) {
	if page < 1 || pageSize < 1 {
		return nil, Page{}, fmt.Errorf("%w: page and pageSize must be >= 1", ErrValidation)
	}
	pageSize = min(pageSize, maxPageSize)

	sales, total, err := uc.ledger.ListSales(ctx, page, pageSize)
	if err != nil {
		return nil, Page{}, fmt.Errorf("failed to list sales: %w", err)
	}
	return sales, NewPage(total, page, pageSize), nil
}

// GetSale busca uma venda pelo ID
func (uc *SalesUseCase) GetSale(ctx context.Context, saleID string) (*Sale, error) {
	return uc.ledger.GetSale(ctx, saleID)
}
