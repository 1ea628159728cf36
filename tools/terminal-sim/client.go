package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	outcomeSuccess     = "success"
	outcomeUnavailable = "StoreUnavailable"
)

type cartLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type createSaleRequest struct {
	Items []cartLine `json:"items"`
}

type saleResponse struct {
	ID          string `json:"id"`
	TotalAmount string `json:"totalAmount"`
}

type productRequest struct {
	Name          string `json:"name"`
	SKU           string `json:"sku"`
	Price         string `json:"price"`
	StockQuantity int    `json:"stockQuantity"`
}

type productResponse struct {
	ID            string `json:"id"`
	SKU           string `json:"sku"`
	StockQuantity int    `json:"stockQuantity"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Client fala com a API do POS como um terminal de caixa
type Client struct {
	http *resty.Client
}

// NewClient cria um cliente com retry apenas para 503
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() == http.StatusServiceUnavailable
		})
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// CreateProduct cadastra o produto usado na simulação
func (c *Client) CreateProduct(ctx context.Context, in productRequest) (*productResponse, error) {
	var out productResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/products")
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to create product: status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return &out, nil
}

// GetProduct lê o estoque atual
func (c *Client) GetProduct(ctx context.Context, id string) (*productResponse, error) {
	var out productResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", id).
		Get("/api/products/{id}")
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to get product: status %d", resp.StatusCode())
	}
	return &out, nil
}

// Checkout envia um carrinho e devolve o resultado classificado pelo "kind" da API
func (c *Client) Checkout(ctx context.Context, items []cartLine) (string, error) {
	var sale saleResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createSaleRequest{Items: items}).
		SetResult(&sale).
		SetError(&apiErr).
		Post("/api/sales")
	if err != nil {
		return "", fmt.Errorf("checkout request failed: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusCreated:
		return outcomeSuccess, nil
	case apiErr.Kind != "":
		return apiErr.Kind, nil
	case resp.StatusCode() == http.StatusServiceUnavailable:
		return outcomeUnavailable, nil
	}
	return "", fmt.Errorf("unexpected checkout status %d", resp.StatusCode())
}
