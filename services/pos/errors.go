package main

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation             = errors.New("invalid cart")
	ErrProductNotFound        = errors.New("product not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrSaleNotFound           = errors.New("sale not found")
	ErrDuplicateSKU           = errors.New("sku already exists")

	// ErrConstraintViolation é uma violação de CHECK: determinística, nunca refeita
	ErrConstraintViolation = fmt.Errorf("%w: constraint violated", ErrValidation)
)

// ErrorKind classifica as falhas do checkout
type ErrorKind string

const (
	KindValidation             ErrorKind = "ValidationError"
	KindNotFound               ErrorKind = "NotFound"
	KindInsufficientStock      ErrorKind = "InsufficientStock"
	KindConcurrentModification ErrorKind = "ConcurrentModification"
	KindStoreUnavailable       ErrorKind = "StoreUnavailable"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrProductNotFound
	case KindInsufficientStock:
		return ErrInsufficientStock
	case KindConcurrentModification:
		return ErrConcurrentModification
	default:
		return ErrStoreUnavailable
	}
}

// Retryable indica se o checkout inteiro pode ser reenviado sem alterar o carrinho
func (k ErrorKind) Retryable() bool {
	return k == KindConcurrentModification || k == KindStoreUnavailable
}

// LineError descreve o motivo da falha de uma linha do carrinho
type LineError struct {
	ProductID string    `json:"productId,omitempty"`
	Reason    ErrorKind `json:"reason"`
	Requested int       `json:"requested,omitempty"`
	Available int       `json:"available"`
	Message   string    `json:"message,omitempty"`
}

// CheckoutError é o erro estruturado devolvido pelo coordenador de checkout
type CheckoutError struct {
	Kind       ErrorKind
	Lines      []LineError
	RetryAfter time.Duration
	Err        error
}

func (e *CheckoutError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.sentinel().Error())

	for i, line := range e.Lines {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		switch line.Reason {
		case KindInsufficientStock:
			fmt.Fprintf(&b, "product %s requested %d available %d", line.ProductID, line.Requested, line.Available)
		case KindNotFound:
			fmt.Fprintf(&b, "product %s not found", line.ProductID)
		default:
			b.WriteString(line.Message)
		}
	}

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// Is permite errors.Is(err, ErrInsufficientStock) e afins
func (e *CheckoutError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newValidationError(lines ...LineError) *CheckoutError {
	return &CheckoutError{Kind: KindValidation, Lines: lines}
}

func newConcurrentModificationError(productID string, err error) *CheckoutError {
	ce := &CheckoutError{Kind: KindConcurrentModification, Err: err}
	if productID != "" {
		ce.Lines = []LineError{{
			ProductID: productID,
			Reason:    KindConcurrentModification,
			Message:   "stock changed by a concurrent checkout",
		}}
	}
	return ce
}

func newStoreUnavailableError(err error, retryAfter time.Duration) *CheckoutError {
	return &CheckoutError{Kind: KindStoreUnavailable, RetryAfter: retryAfter, Err: err}
}

// AsCheckoutError extrai o CheckoutError de uma cadeia de erros
func AsCheckoutError(err error) (*CheckoutError, bool) {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
