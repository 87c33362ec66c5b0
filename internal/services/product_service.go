// internal/services/product_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/store"
	"github.com/javajoker/traceledger/internal/utils"
)

// ProductService serves read-only product queries.
type ProductService struct {
	store store.RecordStore
}

func NewProductService(recordStore store.RecordStore) *ProductService {
	return &ProductService{store: recordStore}
}

func (s *ProductService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	product, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, readError(err)
	}
	return product, nil
}

func (s *ProductService) GetProductByQRCode(ctx context.Context, qrCode string) (*models.Product, error) {
	product, err := s.store.FindByQRCode(ctx, qrCode)
	if err != nil {
		return nil, readError(err)
	}
	return product, nil
}

func (s *ProductService) ListProducts(ctx context.Context, params utils.PaginationParams) ([]models.Product, int64, error) {
	products, total, err := s.store.ListAll(ctx, listOptions(params))
	if err != nil {
		return nil, 0, readError(err)
	}
	return products, total, nil
}

func (s *ProductService) ListOwnerProducts(ctx context.Context, owner string, params utils.PaginationParams) ([]models.Product, int64, error) {
	products, total, err := s.store.ListByOwner(ctx, owner, listOptions(params))
	if err != nil {
		return nil, 0, readError(err)
	}
	return products, total, nil
}

// Ping reports whether the record store is reachable.
func (s *ProductService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func listOptions(params utils.PaginationParams) store.ListOptions {
	return store.ListOptions{Offset: params.Offset(), Limit: params.Limit}
}

func readError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreTransient, err)
}
