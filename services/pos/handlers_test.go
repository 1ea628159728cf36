package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// MockCheckoutService simula o coordenador de checkout
type MockCheckoutService struct {
	mock.Mock
}

func (m *MockCheckoutService) Checkout(ctx context.Context, lines []CartLine) (*Sale, error) {
	args := m.Called(ctx, lines)
	if sale, ok := args.Get(0).(*Sale); ok {
		return sale, args.Error(1)
	}
	return nil, args.Error(1)
}

type handlerFixture struct {
	router   *gin.Engine
	checkout *MockCheckoutService
	repo     *MemoryRepository
	cache    *CatalogCache
}

func newHandlerFixture(t *testing.T, token string) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := NewMemoryRepository()
	cache := NewCatalogCache(time.Minute)
	checkout := new(MockCheckoutService)
	handler := NewSalesHandler(checkout, NewSalesUseCase(repo), NewCatalogUseCase(repo, cache), tracenoop.NewTracerProvider().Tracer("test"))

	return &handlerFixture{
		router:   SetupRouter(handler, token, "pos-test", false),
		checkout: checkout,
		repo:     repo,
		cache:    cache,
	}
}

func (f *handlerFixture) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateSale_Success(t *testing.T) {
	// Arrange
	f := newHandlerFixture(t, "")
	sale := NewSale([]PricedLine{
		{Product: ProductStock{ProductID: "p-1", Name: "Coffee", SKU: "C", Price: decimal.RequireFromString("4.5")}, Quantity: 3},
	})
	lines := []CartLine{{ProductID: "p-1", Quantity: 3}}
	f.checkout.On("Checkout", mock.Anything, lines).Return(sale, nil)
	f.cache.Put(ProductView{ID: "p-1"})

	// Act
	w := f.do(http.MethodPost, "/api/sales", CreateSaleRequest{Items: lines})

	// Assert
	require.Equal(t, http.StatusCreated, w.Code)
	var resp SaleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sale.ID, resp.ID)
	assert.Equal(t, "13.50", resp.TotalAmount)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "4.50", resp.Items[0].UnitPriceAtSale)
	assert.Equal(t, "13.50", resp.Items[0].Subtotal)
	assert.Zero(t, f.cache.Len(), "sold products are evicted from the display cache")
	f.checkout.AssertExpectations(t)
}

func TestCreateSale_RejectsMalformedRequest(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"empty items", CreateSaleRequest{Items: []CartLine{}}},
		{"zero quantity", CreateSaleRequest{Items: []CartLine{{ProductID: "p-1", Quantity: 0}}}},
		{"missing product", CreateSaleRequest{Items: []CartLine{{Quantity: 1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, "")

			w := f.do(http.MethodPost, "/api/sales", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, KindValidation, decodeError(t, w).Kind)
			f.checkout.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateSale_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{
			name: "insufficient stock",
			err: &CheckoutError{Kind: KindInsufficientStock, Lines: []LineError{
				{ProductID: "p-1", Reason: KindInsufficientStock, Requested: 3, Available: 2},
			}},
			status: http.StatusConflict,
		},
		{
			name:   "not found",
			err:    &CheckoutError{Kind: KindNotFound, Lines: []LineError{{ProductID: "p-1", Reason: KindNotFound, Requested: 3}}},
			status: http.StatusNotFound,
		},
		{
			name:   "concurrent modification",
			err:    newConcurrentModificationError("p-1", nil),
			status: http.StatusConflict,
		},
		{
			name:       "store unavailable",
			err:        newStoreUnavailableError(errors.New("timeout"), 1500*time.Millisecond),
			status:     http.StatusServiceUnavailable,
			retryAfter: "2",
		},
		{
			name:   "validation from coordinator",
			err:    newValidationError(LineError{Reason: KindValidation, Message: "bad"}),
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, "")
			f.checkout.On("Checkout", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := f.do(http.MethodPost, "/api/sales", CreateSaleRequest{Items: []CartLine{{ProductID: "p-1", Quantity: 3}}})

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))

			resp := decodeError(t, w)
			ce, _ := AsCheckoutError(tt.err)
			assert.Equal(t, ce.Kind, resp.Kind)
			assert.Equal(t, ce.Lines, resp.Details)
		})
	}
}

func TestListSales(t *testing.T) {
	// Arrange
	f := newHandlerFixture(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tx, err := f.repo.BeginTx(ctx)
		require.NoError(t, err)
		sale := NewSale([]PricedLine{{Product: ProductStock{ProductID: "p", Price: decimal.NewFromInt(2)}, Quantity: 1}})
		require.NoError(t, f.repo.AppendSale(ctx, tx, sale))
		require.NoError(t, tx.Commit())
	}

	// Act
	w := f.do(http.MethodGet, "/api/sales?page=1&limit=2", nil)

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	var resp ListSalesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, Page{Total: 3, Page: 1, PageSize: 2, TotalPages: 2}, resp.Meta)
	assert.Equal(t, "2.00", resp.Data[0].TotalAmount)
}

func TestListSales_InvalidPagination(t *testing.T) {
	f := newHandlerFixture(t, "")

	for _, path := range []string{"/api/sales?page=0", "/api/sales?page=x", "/api/sales?pageSize=-1"} {
		w := f.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestGetSale_NotFound(t *testing.T) {
	f := newHandlerFixture(t, "")

	w := f.do(http.MethodGet, "/api/sales/unknown", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, KindNotFound, decodeError(t, w).Kind)
}

func TestProductEndpoints(t *testing.T) {
	f := newHandlerFixture(t, "")

	// create
	w := f.do(http.MethodPost, "/api/products", `{"name":"Coffee","sku":"C-1","price":"4.50","stockQuantity":10}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created ProductResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "4.50", created.Price)

	// duplicate sku
	w = f.do(http.MethodPost, "/api/products", `{"name":"Other","sku":"C-1","price":1,"stockQuantity":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// patch
	w = f.do(http.MethodPatch, "/api/products/"+created.ID, `{"price":"5.00"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var updated ProductResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "5.00", updated.Price)
	assert.Equal(t, 10, updated.StockQuantity)

	// invalid patch
	w = f.do(http.MethodPatch, "/api/products/"+created.ID, `{"stockQuantity":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// list
	w = f.do(http.MethodGet, "/api/products?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list ListProductsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, ProductListMeta{Total: 1, Page: 1, Limit: 5, TotalPages: 1}, list.Meta)

	// lookup
	w = f.do(http.MethodGet, "/api/products/lookup?ids="+created.ID+",missing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	// delete
	w = f.do(http.MethodDelete, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodGet, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProduct_RequiresPrice(t *testing.T) {
	for _, body := range []string{
		`{"name":"Coffee","sku":"C-1","stockQuantity":10}`,
		`{"name":"Coffee","sku":"C-1","price":null,"stockQuantity":10}`,
	} {
		f := newHandlerFixture(t, "")

		w := f.do(http.MethodPost, "/api/products", body)

		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, KindValidation, decodeError(t, w).Kind)
		products, total, err := f.repo.ListProducts(context.Background(), 1, 10)
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, products)
	}
}

func TestRequirePrincipal(t *testing.T) {
	f := newHandlerFixture(t, "secret")

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/sales", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/sales", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/sales", nil, "Authorization", "Bearer secret").Code)
}
