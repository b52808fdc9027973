package memory

import (
	"context"
	"sync"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// AssetStore is an in-memory implementation of storage.AssetStore.
type AssetStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SeasonTicketAsset // keyed by asset_id
}

// NewAssetStore creates a new in-memory asset store.
func NewAssetStore() *AssetStore {
	return &AssetStore{
		data: make(map[string]*domain.SeasonTicketAsset),
	}
}

// Insert adds a new asset. Returns ErrDuplicateKey if asset_id exists.
func (s *AssetStore) Insert(_ context.Context, a *domain.SeasonTicketAsset) error {
	if a == nil || a.AssetID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[a.AssetID]; exists {
		return storage.ErrDuplicateKey
	}

	assetCopy := *a
	s.data[a.AssetID] = &assetCopy
	return nil
}

// GetByID retrieves an asset by its ID. Returns ErrNotFound if not exists.
func (s *AssetStore) GetByID(_ context.Context, assetID string) (*domain.SeasonTicketAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.data[assetID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	assetCopy := *a
	return &assetCopy, nil
}

// Verify interface compliance at compile time.
var _ storage.AssetStore = (*AssetStore)(nil)
