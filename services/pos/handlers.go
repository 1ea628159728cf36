package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CheckoutService define o coordenador de checkout usado pelos handlers
type CheckoutService interface {
	Checkout(ctx context.Context, lines []CartLine) (*Sale, error)
}

// SalesQueryService define as consultas do histórico
type SalesQueryService interface {
	ListSales(ctx context.Context, page, pageSize int) ([]Sale, Page, error)
	GetSale(ctx context.Context, saleID string) (*Sale, error)
}

// CatalogService define as operações de catálogo usadas pelos handlers
type CatalogService interface {
	ListProducts(ctx context.Context, page, limit int) ([]Product, Page, error)
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]ProductView, error)
	CreateProduct(ctx context.Context, in ProductInput) (*Product, error)
	UpdateProduct(ctx context.Context, id string, patch ProductPatch) (*Product, error)
	DeleteProduct(ctx context.Context, id string) error
	Invalidate(ids ...string)
}

// CreateSaleRequest representa a requisição de checkout
type CreateSaleRequest struct {
	Items []CartLine `json:"items" binding:"required,min=1,dive"`
}

// SaleItemResponse representa um item de venda na resposta
type SaleItemResponse struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId"`
	ProductName     string `json:"productName"`
	SKU             string `json:"sku"`
	Quantity        int    `json:"quantity"`
	UnitPriceAtSale string `json:"unitPriceAtSale"`
	Subtotal        string `json:"subtotal"`
}

// SaleResponse representa uma venda na resposta
type SaleResponse struct {
	ID          string             `json:"id"`
	CreatedAt   time.Time          `json:"createdAt"`
	TotalAmount string             `json:"totalAmount"`
	Items       []SaleItemResponse `json:"items"`
}

// ListSalesResponse representa a página do histórico de vendas
type ListSalesResponse struct {
	Data []SaleResponse `json:"data"`
	Meta Page           `json:"meta"`
}

// ProductResponse representa um produto na resposta
type ProductResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku"`
	Price         string    `json:"price"`
	StockQuantity int       `json:"stockQuantity"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ProductListMeta usa "limit" no lugar de "pageSize"
type ProductListMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// ListProductsResponse representa a página do catálogo
type ListProductsResponse struct {
	Data []ProductResponse `json:"data"`
	Meta ProductListMeta   `json:"meta"`
}

// ErrorResponse é o corpo de erro da API
type ErrorResponse struct {
	Error   string      `json:"error"`
	Kind    ErrorKind   `json:"kind,omitempty"`
	Details []LineError `json:"details,omitempty"`
}

func toSaleResponse(s *Sale) SaleResponse {
	items := make([]SaleItemResponse, 0, len(s.Items))
	for _, item := range s.Items {
		items = append(items, SaleItemResponse{
			ID:              item.ID,
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			SKU:             item.SKU,
			Quantity:        item.Quantity,
			UnitPriceAtSale: item.UnitPriceAtSale.StringFixed(2),
			Subtotal:        item.Subtotal.StringFixed(2),
		})
	}
	return SaleResponse{
		ID:          s.ID,
		CreatedAt:   s.CreatedAt,
		TotalAmount: s.TotalAmount.StringFixed(2),
		Items:       items,
	}
}

func toProductResponse(p *Product) ProductResponse {
	return ProductResponse{
		ID:            p.ID,
		Name:          p.Name,
		SKU:           p.SKU,
		Price:         p.Price.StringFixed(2),
		StockQuantity: p.StockQuantity,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// SalesHandler contém os handlers HTTP de vendas e catálogo
type SalesHandler struct {
	checkout CheckoutService
	sales    SalesQueryService
	catalog  CatalogService
	tracer   trace.Tracer
}

// NewSalesHandler cria uma nova instância de SalesHandler
func NewSalesHandler(checkout CheckoutService, sales SalesQueryService, catalog CatalogService, tracer trace.Tracer) *SalesHandler {
	return &SalesHandler{
		checkout: checkout,
		sales:    sales,
		catalog:  catalog,
		tracer:   tracer,
	}
}

// CreateSale converte o carrinho em uma venda
func (h *SalesHandler) CreateSale(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_sale")
	defer span.End()

	var req CreateSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation})
		return
	}

	span.SetAttributes(attribute.Int("cart.lines", len(req.Items)))

	sale, err := h.checkout.Checkout(ctx, req.Items)
	if err != nil {
		span.RecordError(err)
		writeCheckoutError(c, err)
		return
	}

	// o catálogo exibido ficou desatualizado para os produtos vendidos
	ids := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		ids = append(ids, item.ProductID)
	}
	h.catalog.Invalidate(ids...)

	span.SetAttributes(attribute.String("sale_id", sale.ID))
	c.JSON(http.StatusCreated, toSaleResponse(sale))
}

// ListSales devolve o histórico paginado
func (h *SalesHandler) ListSales(c *gin.Context) {
	page, pageSize, err := pagination(c, "pageSize")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation})
		return
	}

	sales, meta, err := h.sales.ListSales(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	data := make([]SaleResponse, 0, len(sales))
	for i := range sales {
		data = append(data, toSaleResponse(&sales[i]))
	}
	c.JSON(http.StatusOK, ListSalesResponse{Data: data, Meta: meta})
}

// GetSale devolve uma venda
func (h *SalesHandler) GetSale(c *gin.Context) {
	sale, err := h.sales.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSaleResponse(sale))
}

// ListProducts devolve o catálogo paginado
func (h *SalesHandler) ListProducts(c *gin.Context) {
	page, limit, err := pagination(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation})
		return
	}

	products, meta, err := h.catalog.ListProducts(c.Request.Context(), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	data := make([]ProductResponse, 0, len(products))
	for i := range products {
		data = append(data, toProductResponse(&products[i]))
	}
	c.JSON(http.StatusOK, ListProductsResponse{
		Data: data,
		Meta: ProductListMeta{Total: meta.Total, Page: meta.Page, Limit: meta.PageSize, TotalPages: meta.TotalPages},
	})
}

// GetProduct devolve um produto
func (h *SalesHandler) GetProduct(c *gin.Context) {
	product, err := h.catalog.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProductResponse(product))
}

// LookupProducts devolve as visões de exibição para ?ids=a,b,c
func (h *SalesHandler) LookupProducts(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "ids is required", Kind: KindValidation})
		return
	}

	views, err := h.catalog.GetProductsByIDs(c.Request.Context(), ids)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

// CreateProduct cria um produto
func (h *SalesHandler) CreateProduct(c *gin.Context) {
	var in ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation})
		return
	}

	product, err := h.catalog.CreateProduct(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toProductResponse(product))
}

// UpdateProduct atualiza parcialmente um produto
func (h *SalesHandler) UpdateProduct(c *gin.Context) {
	var patch ProductPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation})
		return
	}

	product, err := h.catalog.UpdateProduct(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProductResponse(product))
}

// DeleteProduct remove um produto
func (h *SalesHandler) DeleteProduct(c *gin.Context) {
	if err := h.catalog.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HealthCheck é o endpoint de health check
func (h *SalesHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "pos-service",
	})
}

// writeCheckoutError traduz o CheckoutError em status HTTP com detalhes por produto
func writeCheckoutError(c *gin.Context, err error) {
	ce, ok := AsCheckoutError(err)
	if !ok {
		writeError(c, err)
		return
	}

	status := http.StatusInternalServerError
	switch ce.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindInsufficientStock, KindConcurrentModification:
		status = http.StatusConflict
	case KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}

	if ce.Kind.Retryable() && ce.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ce.RetryAfter.Seconds()))))
	}
	c.JSON(status, ErrorResponse{Error: ce.Error(), Kind: ce.Kind, Details: ce.Lines})
}

// writeError traduz os erros sentinela fora do checkout
func writeError(c *gin.Context, err error) {
	if _, ok := AsCheckoutError(err); ok {
		writeCheckoutError(c, err)
		return
	}

	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation})
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrSaleNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: KindNotFound})
	case errors.Is(err, ErrDuplicateSKU):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// pagination lê page (padrão 1) e o tamanho da página; "limit" é aceito como alias
func pagination(c *gin.Context, sizeKey string) (int, int, error) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return 0, 0, err
	}

	sizeRaw := c.Query(sizeKey)
	if sizeRaw == "" {
		sizeKey = "limit"
	}
	size, err := queryInt(c, sizeKey, defaultPageSize)
	if err != nil {
		return 0, 0, err
	}

	if page < 1 || size < 1 {
		return 0, 0, fmt.Errorf("page and %s must be >= 1", sizeKey)
	}
	return page, size, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// RequirePrincipal é o portão de autenticação: Bearer token fixo.
// Sem token configurado o portão fica aberto (desenvolvimento local).
func RequirePrincipal(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// SetupRouter registra as rotas do serviço
func SetupRouter(h *SalesHandler, apiToken, serviceName string, tracing bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if tracing {
		r.Use(otelgin.Middleware(serviceName))
	}

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api", RequirePrincipal(apiToken))

	api.POST("/sales", h.CreateSale)
	api.GET("/sales", h.ListSales)
	api.GET("/sales/:id", h.GetSale)

	api.GET("/products", h.ListProducts)
	api.GET("/products/lookup", h.LookupProducts)
	api.GET("/products/:id", h.GetProduct)
	api.POST("/products", h.CreateProduct)
	api.PATCH("/products/:id", h.UpdateProduct)
	api.DELETE("/products/:id", h.DeleteProduct)

	return r
}
