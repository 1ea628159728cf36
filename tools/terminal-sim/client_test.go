package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePOS simula a API com um único produto e decremento sob mutex
type fakePOS struct {
	mu        sync.Mutex
	stock     int
	token     string
	unavail   int
	checkouts int
}

func (f *fakePOS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/products":
		var in productRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.stock = in.StockQuantity
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(productResponse{ID: "p-1", SKU: in.SKU, StockQuantity: f.stock})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/products/"):
		_ = json.NewEncoder(w).Encode(productResponse{ID: "p-1", StockQuantity: f.stock})

	case r.Method == http.MethodPost && r.URL.Path == "/api/sales":
		f.checkouts++
		if f.unavail > 0 {
			f.unavail--
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"store unavailable","kind":"StoreUnavailable"}`))
			return
		}
		if f.stock < 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"insufficient stock","kind":"InsufficientStock"}`))
			return
		}
		f.stock--
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"s","totalAmount":"1.99"}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestSimulate(t *testing.T) {
	// Arrange
	pos := &fakePOS{token: "secret"}
	srv := httptest.NewServer(pos)
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 5*time.Second)
	ctx := context.Background()
	product, err := client.CreateProduct(ctx, productRequest{Name: "x", SKU: "SIM-1", Price: "1.99", StockQuantity: 30})
	require.NoError(t, err)

	// Act
	report, err := Simulate(ctx, client, product.ID, 6, 10)
	require.NoError(t, err)
	final, err := client.GetProduct(ctx, product.ID)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 30, report.Count(outcomeSuccess))
	assert.Equal(t, 30, report.Count("InsufficientStock"))
	assert.Equal(t, 0, final.StockQuantity)
	assert.Contains(t, report.String(), "InsufficientStock")
}

func TestClient_RetriesServiceUnavailable(t *testing.T) {
	pos := &fakePOS{stock: 1, unavail: 1}
	srv := httptest.NewServer(pos)
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	outcome, err := client.Checkout(context.Background(), []cartLine{{ProductID: "p-1", Quantity: 1}})

	require.NoError(t, err)
	assert.Equal(t, outcomeSuccess, outcome)
	assert.Equal(t, 2, pos.checkouts)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(&fakePOS{token: "secret"})
	defer srv.Close()

	client := NewClient(srv.URL, "wrong", 5*time.Second)
	_, err := client.CreateProduct(context.Background(), productRequest{Name: "x", SKU: "y", Price: "1"})

	assert.ErrorContains(t, err, "401")
}
